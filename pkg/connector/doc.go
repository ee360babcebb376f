// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector manages long-lived WhatsApp connections for many
// tenants, one phone number each.
//
// The wire protocol is supplied by an [Engine]. The connector drives it,
// persists what it needs to resume without re-pairing, and recovers from
// disconnects according to a fixed policy.
//
// # Core Types
//
// [Connector] owns every tenant's [Session] and exposes the operations the
// HTTP layer calls: [Connector.IsActive], [Connector.SendText] and
// [Connector.Logout].
//
// [Session] is the per-tenant state machine
// (INIT, CONNECTING, QR_PENDING, OPEN, LOGGED_OUT). Disconnect reasons map
// to actions as follows:
//
//	401        logged out        clear credentials, remove handle, stop for good
//	500, 405   bad session       clear credentials, remove handle, reconnect after 1s
//	515        restart required  keep credentials and handle, reconnect immediately
//	other      any other reason  keep credentials, remove handle, reconnect after 5s
//
// [Registry] maps tenants to their live [Handle]. Every connect attempt
// takes a new generation, and a handle is only installed if its attempt is
// still the newest, so overlapping reconnects cannot leave two handles for
// one tenant.
//
// [MessageCache] keeps recent message content so the engine can answer
// retry requests.
//
// # Sub-packages
//
//   - credstore persists credentials and key material.
//   - webhook delivers inbound messages to tenant endpoints.
//   - loopback is an in-process engine for development and tests.
package connector
