// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wa-gateway serves an HTTP API for sending and receiving WhatsApp
// messages on behalf of several phone numbers at once. Inbound messages are
// forwarded to per-number webhooks.
package main

import (
	"github.com/rs/zerolog"

	"github.com/aiku/wa-gateway/pkg/connector"
	"github.com/aiku/wa-gateway/pkg/connector/loopback"
	"github.com/aiku/wa-gateway/pkg/gateway"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var m = gateway.Main{
	Name:        "wa-gateway",
	Description: "A multi-tenant WhatsApp HTTP gateway",
	Version:     "0.1.0",
	Tag:         Tag,
	Commit:      Commit,
	BuildTime:   BuildTime,

	// The bundled engine is the in-process loopback. Replace it with a real
	// WhatsApp protocol engine to talk to the network.
	NewEngine: func(*gateway.Config, zerolog.Logger) (connector.Engine, error) {
		return loopback.New(), nil
	},
}

func main() {
	m.Run()
}
