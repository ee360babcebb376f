// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"time"
)

// SendText sends a text message from tenant to the phone number to.
//
// It returns ErrValidation when to is malformed, ErrSessionUnavailable when
// the tenant has no authenticated connection and ErrSendFailed when the
// engine rejects the message. Sends are never retried here.
func (c *Connector) SendText(ctx context.Context, tenant, to, text string) (*SendResult, error) {
	if !IsValidPhone(to) {
		return nil, fmt.Errorf("%w: invalid phone number format for \"to\"", ErrValidation)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: message is empty", ErrValidation)
	}
	handle, ok := c.registry.Get(tenant)
	if !ok {
		c.metrics.recordSend(tenant, "unavailable", 0)
		return nil, fmt.Errorf("%w: no active session", ErrSessionUnavailable)
	}
	if handle.AuthenticatedIdentity() == "" {
		c.metrics.recordSend(tenant, "unavailable", 0)
		return nil, fmt.Errorf("%w: session not authenticated", ErrSessionUnavailable)
	}

	jid := PhoneToJID(to)
	content := &MessageContent{Conversation: text}
	start := time.Now()
	result, err := handle.Send(ctx, jid, content)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.metrics.recordSend(tenant, "failed", elapsed)
		c.log.Error().Err(err).
			Str("tenant", tenant).
			Str("to", jid).
			Msg("Send failed")
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	c.metrics.recordSend(tenant, "sent", elapsed)

	if result != nil {
		remote := result.Key.RemoteJID
		if remote == "" {
			remote = jid
		}
		c.cache.Put(tenant, remote, result.Key.ID, content)
	}
	c.log.Debug().Str("tenant", tenant).Str("to", jid).Msg("Message sent")
	return result, nil
}
