// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aiku/wa-gateway/pkg/connector/credstore"
)

const (
	tenantA = "+15550000001"
	tenantB = "+15550000002"
)

// fakeHandle is a Handle whose events are pushed by the test.
type fakeHandle struct {
	params OpenParams

	mu       sync.Mutex
	events   chan Event
	closed   bool
	identity string
	sent     []sentMessage
	sendErr  error
}

type sentMessage struct {
	JID     string
	Content *MessageContent
}

func newFakeHandle(params OpenParams) *fakeHandle {
	return &fakeHandle{params: params, events: make(chan Event, 32)}
}

// emit queues evt, returning false once the handle is closed.
func (h *fakeHandle) emit(evt Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.events <- evt
	return true
}

func (h *fakeHandle) open(identity string) bool {
	h.mu.Lock()
	h.identity = identity
	h.mu.Unlock()
	return h.emit(Event{Type: EventConnection, Connection: &ConnectionUpdate{State: ConnectionOpen}})
}

func (h *fakeHandle) qr(code string) bool {
	return h.emit(Event{Type: EventConnection, Connection: &ConnectionUpdate{QR: code}})
}

func (h *fakeHandle) disconnect(reason DisconnectReason) bool {
	return h.emit(Event{Type: EventConnection, Connection: &ConnectionUpdate{State: ConnectionClose, Reason: reason}})
}

func (h *fakeHandle) messages(typ UpsertType, msgs ...*WebMessage) bool {
	return h.emit(Event{Type: EventMessagesUpsert, Messages: &MessagesUpsert{Type: typ, Messages: msgs}})
}

func (h *fakeHandle) Events() <-chan Event { return h.events }

func (h *fakeHandle) Send(_ context.Context, jid string, content *MessageContent) (*SendResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return nil, h.sendErr
	}
	h.sent = append(h.sent, sentMessage{JID: jid, Content: content})
	return &SendResult{Key: MessageKey{RemoteJID: jid, ID: "SENT" + string(rune('A'+len(h.sent))), FromMe: true}}, nil
}

func (h *fakeHandle) AuthenticatedIdentity() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) sentMessages() []sentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentMessage(nil), h.sent...)
}

// fakeEngine records every Open call and hands out fakeHandles.
type fakeEngine struct {
	mu      sync.Mutex
	handles []*fakeHandle
	openErr error

	// gate, when set, holds Open until it is closed. entered receives a
	// value each time Open starts waiting.
	gate    chan struct{}
	entered chan struct{}
}

func (e *fakeEngine) setOpenErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openErr = err
}

func (e *fakeEngine) Open(_ context.Context, params OpenParams) (Handle, error) {
	e.mu.Lock()
	gate, entered := e.gate, e.entered
	e.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	h := newFakeHandle(params)
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *fakeEngine) opened() []*fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeHandle(nil), e.handles...)
}

// last returns the newest handle opened for tenant.
func (e *fakeEngine) last(t *testing.T, tenant string) *fakeHandle {
	t.Helper()
	handles := e.opened()
	for i := len(handles) - 1; i >= 0; i-- {
		if handles[i].params.Tenant == tenant {
			return handles[i]
		}
	}
	t.Fatalf("no handle opened for %s", tenant)
	return nil
}

// scheduledCall is a reconnect captured by manualScheduler.
type scheduledCall struct {
	delay   time.Duration
	f       func()
	stopped atomic.Bool
	fired   atomic.Bool
}

func (c *scheduledCall) Stop() bool {
	return !c.fired.Load() && c.stopped.CompareAndSwap(false, true)
}

// manualScheduler holds scheduled reconnects until the test fires them.
type manualScheduler struct {
	mu    sync.Mutex
	calls []*scheduledCall
}

func (m *manualScheduler) Schedule(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &scheduledCall{delay: d, f: f}
	m.calls = append(m.calls, c)
	return c
}

func (m *manualScheduler) pending() []*scheduledCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*scheduledCall
	for _, c := range m.calls {
		if !c.stopped.Load() && !c.fired.Load() {
			out = append(out, c)
		}
	}
	return out
}

// fire runs a pending call synchronously.
func (m *manualScheduler) fire(c *scheduledCall) {
	if c.fired.CompareAndSwap(false, true) {
		c.f()
	}
}

// recordingHandler captures every hook call.
type recordingHandler struct {
	mu          sync.Mutex
	qrs         []string
	connected   int
	disconnects []string
	messages    []InboundMessage
}

func (r *recordingHandler) OnQR(_ *Instance, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qrs = append(r.qrs, code)
}

func (r *recordingHandler) OnConnected(*Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recordingHandler) OnDisconnected(_ *Instance, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, reason)
}

func (r *recordingHandler) OnMessage(_ *Instance, msg InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingHandler) snapshot() (qrs []string, connected int, disconnects []string, messages []InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.qrs...), r.connected,
		append([]string(nil), r.disconnects...), append([]InboundMessage(nil), r.messages...)
}

// testEnv bundles a connector wired to fakes.
type testEnv struct {
	conn    *Connector
	engine  *fakeEngine
	sched   *manualScheduler
	handler *recordingHandler
	backend *credstore.MemoryBackend
	store   *credstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithBackend(t, credstore.NewMemoryBackend())
}

func newTestEnvWithBackend(t *testing.T, backend *credstore.MemoryBackend) *testEnv {
	t.Helper()
	env := &testEnv{
		engine:  &fakeEngine{},
		sched:   &manualScheduler{},
		handler: &recordingHandler{},
		backend: backend,
	}
	env.store = credstore.New(backend, credstore.Options{Log: zerolog.Nop()})
	conn, err := New(Options{
		Engine:   env.engine,
		Store:    env.store,
		Handler:  env.handler,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		Log:      zerolog.Nop(),
		Schedule: env.sched.Schedule,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.conn = conn
	t.Cleanup(func() { _ = conn.Stop() })
	return env
}

func (env *testEnv) start(t *testing.T, tenants ...string) {
	t.Helper()
	instances := make([]Instance, len(tenants))
	for i, tenant := range tenants {
		instances[i] = Instance{PhoneNumber: tenant, APIKey: "key-" + tenant}
	}
	if err := env.conn.Start(context.Background(), instances); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// startOpen starts tenant and completes its handshake.
func (env *testEnv) startOpen(t *testing.T, tenant string) *fakeHandle {
	t.Helper()
	env.start(t, tenant)
	h := env.engine.last(t, tenant)
	h.open(PhoneToJID(tenant))
	s, _ := env.conn.Session(tenant)
	waitFor(t, "session open", func() bool { return env.conn.IsActive(tenant) && s.State() == StateOpen })
	return h
}

// seedCredentials persists registered credentials and one key entry.
func (env *testEnv) seedCredentials(t *testing.T, tenant string) {
	t.Helper()
	ctx := context.Background()
	creds := credstore.Credentials{credstore.FieldRegistered: true, "noiseKey": map[string]any{"private": []byte{1, 2, 3}}}
	if err := env.store.SaveCredentials(ctx, tenant, creds); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	if err := env.store.Keys(tenant).Set(ctx, map[string]map[string]any{"pre-key": {"1": []byte{9}}}); err != nil {
		t.Fatalf("Keys.Set: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errEngine = errors.New("engine exploded")
