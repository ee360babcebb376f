// Copyright 2024-2026 Aiku AI

package connector

// InboundMessage is a text message received by a tenant.
type InboundMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// EventHandler receives session lifecycle notifications. Calls for a given
// tenant are made from that tenant's event goroutine, so implementations
// must not block for long; hand slow work (like webhook delivery) off to
// another goroutine.
type EventHandler interface {
	OnQR(inst *Instance, code string)
	OnConnected(inst *Instance)
	// OnDisconnected is called with "logged_out" for terminal logouts and
	// with the numeric disconnect code otherwise.
	OnDisconnected(inst *Instance, reason string)
	OnMessage(inst *Instance, msg InboundMessage)
}

// NoopEventHandler ignores every event. Embed it to implement only the
// callbacks you need.
type NoopEventHandler struct{}

var _ EventHandler = NoopEventHandler{}

func (NoopEventHandler) OnQR(*Instance, string)              {}
func (NoopEventHandler) OnConnected(*Instance)               {}
func (NoopEventHandler) OnDisconnected(*Instance, string)    {}
func (NoopEventHandler) OnMessage(*Instance, InboundMessage) {}
