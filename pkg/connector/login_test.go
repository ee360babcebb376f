// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"testing"
)

func TestLogout(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seedCredentials(t, tenantA)
	env.seedCredentials(t, tenantB)
	h := env.startOpen(t, tenantA)

	if err := env.conn.Logout(context.Background(), tenantA); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if !h.isClosed() {
		t.Error("handle must be closed")
	}
	if env.conn.IsActive(tenantA) {
		t.Error("tenant must be inactive")
	}
	if ok, _ := env.store.Exists(context.Background(), tenantA); ok {
		t.Error("credentials must be cleared")
	}
	if ok, _ := env.store.Exists(context.Background(), tenantB); !ok {
		t.Error("other tenants keep their credentials")
	}
	s, _ := env.conn.Session(tenantA)
	if s.State() != StateLoggedOut {
		t.Errorf("state: got %s", s.State())
	}
	_, _, disconnects, _ := env.handler.snapshot()
	if len(disconnects) != 1 || disconnects[0] != "logged_out" {
		t.Errorf("disconnect hooks: got %v", disconnects)
	}

	s.scheduleReconnect(0, "test")
	if len(env.sched.pending()) != 0 {
		t.Error("logged out session must not reconnect")
	}
	if _, err := env.conn.SendText(context.Background(), tenantA, "+15550000009", "hi"); !errors.Is(err, ErrSessionUnavailable) {
		t.Errorf("send after logout: got %v", err)
	}
}

func TestLogout_UnknownTenant(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.start(t, tenantA)
	if err := env.conn.Logout(context.Background(), tenantB); !errors.Is(err, ErrSessionUnavailable) {
		t.Errorf("got %v, want ErrSessionUnavailable", err)
	}
}

func TestLogout_CancelsPendingReconnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	h := env.startOpen(t, tenantA)
	h.disconnect(ReasonConnectionClosed)
	waitFor(t, "reconnect scheduled", func() bool { return len(env.sched.pending()) == 1 })

	if err := env.conn.Logout(context.Background(), tenantA); err != nil {
		t.Fatal(err)
	}
	if len(env.sched.pending()) != 0 {
		t.Error("Logout must cancel the pending reconnect")
	}
}
