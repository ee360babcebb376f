// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
)

// Logout unpairs tenant: the handle is closed and removed, every persisted
// credential and key is deleted and no reconnect is scheduled. The tenant
// stays logged out until the process restarts.
func (c *Connector) Logout(ctx context.Context, tenant string) error {
	s, ok := c.Session(tenant)
	if !ok {
		return fmt.Errorf("%w: unknown tenant %s", ErrSessionUnavailable, tenant)
	}
	if err := s.logout(ctx); err != nil {
		return fmt.Errorf("failed to log out %s: %w", tenant, err)
	}
	c.handler.OnDisconnected(s.instance, "logged_out")
	return nil
}

// PairingCode returns the pending QR code for tenant, if the session is
// waiting to be paired.
func (c *Connector) PairingCode(tenant string) (string, bool) {
	s, ok := c.Session(tenant)
	if !ok || s.State() != StateQRPending {
		return "", false
	}
	code := s.LastQR()
	return code, code != ""
}
