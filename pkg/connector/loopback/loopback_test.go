// Copyright 2024-2026 Aiku AI

package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-gateway/pkg/connector"
	"github.com/aiku/wa-gateway/pkg/connector/credstore"
)

const tenant = "+15550000001"

func openTest(t *testing.T, e *Engine, creds credstore.Credentials, keys credstore.KeyStore) *Handle {
	t.Helper()
	h, err := e.Open(context.Background(), connector.OpenParams{
		Tenant:      tenant,
		Credentials: creds,
		Keys:        keys,
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h.(*Handle)
}

func next(t *testing.T, h *Handle) connector.Event {
	t.Helper()
	select {
	case evt, ok := <-h.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return connector.Event{}
}

func TestUnpairedHandleShowsQRThenPairs(t *testing.T) {
	t.Parallel()
	store := credstore.New(credstore.NewMemoryBackend(), credstore.Options{Log: zerolog.Nop()})
	creds, keys, err := store.Load(context.Background(), tenant)
	if err != nil {
		t.Fatal(err)
	}
	h := openTest(t, &Engine{PairDelay: time.Millisecond}, creds, keys)

	if evt := next(t, h); evt.Connection == nil || evt.Connection.State != connector.ConnectionConnecting {
		t.Fatalf("expected connecting, got %+v", evt)
	}
	if evt := next(t, h); evt.Connection == nil || evt.Connection.QR == "" {
		t.Fatalf("expected QR, got %+v", evt)
	}
	if h.AuthenticatedIdentity() != "" {
		t.Error("identity must be empty before pairing")
	}
	if evt := next(t, h); evt.Type != connector.EventCredsUpdate {
		t.Fatalf("expected creds update, got %+v", evt)
	}
	if evt := next(t, h); evt.Connection == nil || evt.Connection.State != connector.ConnectionOpen {
		t.Fatalf("expected open, got %+v", evt)
	}
	if got := h.AuthenticatedIdentity(); got != "15550000001@s.whatsapp.net" {
		t.Errorf("identity: got %q", got)
	}
	if !creds.Registered() {
		t.Error("credentials should be marked registered")
	}
	stored, err := keys.Get(context.Background(), "pre-key", []string{"1"})
	if err != nil || len(stored) != 1 {
		t.Errorf("expected a pre-key written on pairing, got %v, %v", stored, err)
	}
}

func TestRegisteredHandleOpensWithoutQR(t *testing.T) {
	t.Parallel()
	creds := credstore.Credentials{credstore.FieldRegistered: true, credstore.FieldMe: map[string]any{"id": "15550000001:3@s.whatsapp.net"}}
	h := openTest(t, New(), creds, nil)

	next(t, h)
	evt := next(t, h)
	if evt.Connection == nil || evt.Connection.State != connector.ConnectionOpen || evt.Connection.QR != "" {
		t.Fatalf("expected open without QR, got %+v", evt)
	}
	if got := h.AuthenticatedIdentity(); got != "15550000001:3@s.whatsapp.net" {
		t.Errorf("identity: got %q", got)
	}
}

func TestManualPairing(t *testing.T) {
	t.Parallel()
	creds, err := credstore.NewCredentials()
	if err != nil {
		t.Fatal(err)
	}
	h := openTest(t, &Engine{NoAutoPair: true}, creds, nil)
	next(t, h)
	next(t, h)
	h.Pair()
	if evt := next(t, h); evt.Type != connector.EventCredsUpdate {
		t.Fatalf("expected creds update after Pair, got %+v", evt)
	}
}

func TestSendEchoes(t *testing.T) {
	t.Parallel()
	creds := credstore.Credentials{credstore.FieldRegistered: true}
	h := openTest(t, New(), creds, nil)
	next(t, h)
	next(t, h)

	res, err := h.Send(context.Background(), "15550000009@s.whatsapp.net", &connector.MessageContent{Conversation: "ping"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Key.ID == "" || !res.Key.FromMe {
		t.Errorf("unexpected send result %+v", res)
	}

	own := next(t, h)
	if own.Messages == nil || !own.Messages.Messages[0].Key.FromMe {
		t.Fatalf("expected own copy first, got %+v", own)
	}
	echo := next(t, h)
	msg := echo.Messages.Messages[0]
	if msg.Key.FromMe || msg.Message.Text() != "ping" || msg.Key.RemoteJID != "15550000009@s.whatsapp.net" {
		t.Errorf("unexpected echo %+v", msg)
	}
	if echo.Messages.Type != connector.UpsertNotify {
		t.Errorf("echo type: got %s", echo.Messages.Type)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	h := openTest(t, &Engine{NoAutoPair: true}, credstore.Credentials{}, nil)
	_ = h.Close()
	_ = h.Close()
	if !h.Closed() {
		t.Error("expected closed")
	}
	if h.Disconnect(connector.ReasonConnectionLost) {
		t.Error("emit after close must fail")
	}
	for range h.Events() {
	}
}
