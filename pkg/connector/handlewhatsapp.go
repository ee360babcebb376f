// Copyright 2024-2026 Aiku AI

package connector

// handleMessages caches every message in a live batch and hands inbound
// text messages to the event handler. History deliveries are ignored.
func (s *Session) handleMessages(upsert *MessagesUpsert) {
	if upsert == nil {
		return
	}
	if upsert.Type != UpsertNotify {
		s.log.Trace().
			Str("upsert_type", string(upsert.Type)).
			Int("count", len(upsert.Messages)).
			Msg("Ignoring non-live message batch")
		return
	}
	tenant := s.Tenant()
	for _, msg := range upsert.Messages {
		if msg == nil {
			continue
		}
		s.connector.cache.Put(tenant, msg.Key.RemoteJID, msg.Key.ID, msg.Message)

		inbound, ok := s.parseInbound(msg)
		if !ok {
			continue
		}
		s.connector.metrics.recordInbound(tenant)
		s.log.Debug().
			Str("from", inbound.From).
			Str("message_id", msg.Key.ID).
			Msg("Inbound message")
		s.connector.handler.OnMessage(s.instance, inbound)
	}
}

// parseInbound extracts a caller-facing message. It returns false for the
// tenant's own messages and for content without text.
func (s *Session) parseInbound(msg *WebMessage) (InboundMessage, bool) {
	// Echo prevention: skip messages sent from this account.
	if msg.Key.FromMe {
		return InboundMessage{}, false
	}
	text := msg.Message.Text()
	if text == "" {
		return InboundMessage{}, false
	}
	return InboundMessage{
		From:      msg.Key.RemoteJID,
		To:        s.Tenant(),
		Text:      text,
		Timestamp: msg.Timestamp,
	}, true
}
