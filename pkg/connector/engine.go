// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-gateway/pkg/connector/credstore"
)

// Engine opens protocol connections. The connector never speaks the wire
// protocol itself; it drives an Engine and reacts to the events its handles
// emit.
type Engine interface {
	Open(ctx context.Context, params OpenParams) (Handle, error)
}

// OpenParams is everything an engine needs to start a connection for one
// tenant.
type OpenParams struct {
	Tenant      string
	Credentials credstore.Credentials
	Keys        credstore.KeyStore
	// GetMessage lets the engine look up previously seen message content
	// when it needs to retry a send or decrypt a retry receipt.
	GetMessage func(key MessageKey) (*MessageContent, bool)
	Log        zerolog.Logger
}

// Handle is a live protocol connection.
type Handle interface {
	// Events delivers connection, credential and message events. The
	// channel is closed when the handle shuts down.
	Events() <-chan Event
	Send(ctx context.Context, jid string, content *MessageContent) (*SendResult, error)
	// AuthenticatedIdentity is the account JID once the handshake has
	// completed, and "" before that.
	AuthenticatedIdentity() string
	Close() error
}

// EventType identifies the payload carried by an Event.
type EventType int

const (
	EventCredsUpdate EventType = iota + 1
	EventConnection
	EventMessagesUpsert
)

func (t EventType) String() string {
	switch t {
	case EventCredsUpdate:
		return "creds.update"
	case EventConnection:
		return "connection.update"
	case EventMessagesUpsert:
		return "messages.upsert"
	default:
		return "unknown"
	}
}

// Event is a single notification from a Handle. Exactly one of the payload
// fields is set, matching Type. A creds update carries no payload: the
// engine mutates the Credentials map it was opened with.
type Event struct {
	Type       EventType
	Connection *ConnectionUpdate
	Messages   *MessagesUpsert
}

// ConnectionState is the engine-reported link state.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

// ConnectionUpdate reports a connection state change. QR is set when a
// pairing code should be shown; Reason is set when State is close.
type ConnectionUpdate struct {
	State  ConnectionState
	QR     string
	Reason DisconnectReason
}

// DisconnectReason is the status code attached to a closed connection.
type DisconnectReason int

const (
	ReasonConnectionClosed    DisconnectReason = 428
	ReasonConnectionLost      DisconnectReason = 408
	ReasonConnectionReplaced  DisconnectReason = 440
	ReasonTimedOut            DisconnectReason = 408
	ReasonLoggedOut           DisconnectReason = 401
	ReasonBadSession          DisconnectReason = 500
	ReasonMethodNotAllowed    DisconnectReason = 405
	ReasonRestartRequired     DisconnectReason = 515
	ReasonMultideviceMismatch DisconnectReason = 411
	ReasonForbidden           DisconnectReason = 403
	ReasonUnavailableService  DisconnectReason = 503
)

func (r DisconnectReason) String() string {
	return strconv.Itoa(int(r))
}

// UpsertType distinguishes live messages from history sync.
type UpsertType string

const (
	UpsertNotify UpsertType = "notify"
	UpsertAppend UpsertType = "append"
)

// MessagesUpsert is a batch of new or synced messages.
type MessagesUpsert struct {
	Type     UpsertType
	Messages []*WebMessage
}

// MessageKey identifies a message within a conversation.
type MessageKey struct {
	RemoteJID string
	ID        string
	FromMe    bool
}

// WebMessage is a message as delivered by the engine.
type WebMessage struct {
	Key       MessageKey
	Message   *MessageContent
	Timestamp int64
}

// MessageContent is the subset of message payloads the gateway understands.
type MessageContent struct {
	Conversation string
	ExtendedText *ExtendedText
}

// ExtendedText is a text message carrying formatting or a link preview.
type ExtendedText struct {
	Text string
}

// Text returns the plain text of the message, or "" for non-text content.
func (m *MessageContent) Text() string {
	if m == nil {
		return ""
	}
	if m.Conversation != "" {
		return m.Conversation
	}
	if m.ExtendedText != nil {
		return m.ExtendedText.Text
	}
	return ""
}

// SendResult identifies a message the engine accepted for delivery.
type SendResult struct {
	Key       MessageKey
	Timestamp int64
}
