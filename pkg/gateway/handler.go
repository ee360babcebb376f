// Copyright 2024-2026 Aiku AI

package gateway

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"github.com/aiku/wa-gateway/pkg/connector"
)

// dispatcher is the part of webhook.Dispatcher the event handler uses.
type dispatcher interface {
	Dispatch(inst *connector.Instance, msg connector.InboundMessage)
}

// eventHandler logs session lifecycle events, prints pairing codes and
// forwards inbound messages to webhooks.
type eventHandler struct {
	log        zerolog.Logger
	dispatcher dispatcher
	printQR    bool

	outMu sync.Mutex
	out   io.Writer
}

var _ connector.EventHandler = (*eventHandler)(nil)

func (h *eventHandler) OnQR(inst *connector.Instance, code string) {
	h.log.Info().Str("tenant", inst.PhoneNumber).Msg("Scan the QR code to pair this number")
	if !h.printQR || h.out == nil {
		return
	}
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		h.log.Err(err).Str("tenant", inst.PhoneNumber).Msg("Failed to render QR code")
		return
	}
	h.outMu.Lock()
	defer h.outMu.Unlock()
	_, _ = fmt.Fprintf(h.out, "\nQR code for %s:\n%s\n", inst.PhoneNumber, qr.ToSmallString(false))
}

func (h *eventHandler) OnConnected(inst *connector.Instance) {
	h.log.Info().Str("tenant", inst.PhoneNumber).Msg("WhatsApp session connected")
}

func (h *eventHandler) OnDisconnected(inst *connector.Instance, reason string) {
	h.log.Warn().Str("tenant", inst.PhoneNumber).Str("reason", reason).Msg("WhatsApp session disconnected")
}

func (h *eventHandler) OnMessage(inst *connector.Instance, msg connector.InboundMessage) {
	h.log.Info().
		Str("tenant", inst.PhoneNumber).
		Str("from", msg.From).
		Bool("webhook", inst.HasWebhook()).
		Msg("Message received")
	h.dispatcher.Dispatch(inst, msg)
}
