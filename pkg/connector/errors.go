// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"

	"github.com/aiku/wa-gateway/pkg/connector/credstore"
)

// Error kinds returned by the connector. Match them with errors.Is; the
// concrete error usually wraps the underlying cause as well.
var (
	ErrConfiguration      = errors.New("invalid config")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrValidation         = errors.New("invalid request")
	ErrSessionUnavailable = errors.New("WhatsApp session not connected")
	ErrSendFailed         = errors.New("failed to send message")
	ErrWebhookDelivery    = errors.New("webhook delivery failed")
	ErrPersistence        = credstore.ErrPersistence
)
