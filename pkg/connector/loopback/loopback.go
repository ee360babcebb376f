// Copyright 2024-2026 Aiku AI

// Package loopback is an in-process protocol engine. It pairs on its own
// after a short delay and echoes every sent message back as an inbound one,
// which makes it useful for local development and end-to-end tests of the
// gateway without a phone.
package loopback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/aiku/wa-gateway/pkg/connector"
	"github.com/aiku/wa-gateway/pkg/connector/credstore"
)

// ErrClosed is returned by Send after the handle was closed.
var ErrClosed = errors.New("loopback: handle closed")

// DefaultPairDelay is how long an unpaired handle shows its QR code.
const DefaultPairDelay = 2 * time.Second

// Engine implements connector.Engine.
type Engine struct {
	// PairDelay is the time between the QR event and automatic pairing.
	PairDelay time.Duration
	// NoAutoPair leaves unpaired handles waiting in QR state until Pair is
	// called.
	NoAutoPair bool

	mu      sync.Mutex
	handles map[string]*Handle
}

var _ connector.Engine = (*Engine)(nil)

// New returns a loopback engine with the default pairing delay.
func New() *Engine {
	return &Engine{PairDelay: DefaultPairDelay}
}

// Open starts a handle for params.Tenant.
func (e *Engine) Open(ctx context.Context, params connector.OpenParams) (connector.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &Handle{
		engine:     e,
		tenant:     params.Tenant,
		creds:      params.Credentials,
		keys:       params.Keys,
		getMessage: params.GetMessage,
		log:        params.Log.With().Str("component", "loopback").Logger(),
		events:     make(chan connector.Event, 64),
		done:       make(chan struct{}),
		pair:       make(chan struct{}, 1),
	}
	e.mu.Lock()
	if e.handles == nil {
		e.handles = make(map[string]*Handle)
	}
	e.handles[params.Tenant] = h
	e.mu.Unlock()

	go h.run(e.PairDelay, e.NoAutoPair)
	return h, nil
}

// Handle returns the newest handle opened for tenant.
func (e *Engine) Handle(tenant string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[tenant]
	return h, ok
}

// Handle is one loopback connection.
type Handle struct {
	engine     *Engine
	tenant     string
	creds      credstore.Credentials
	keys       credstore.KeyStore
	getMessage func(connector.MessageKey) (*connector.MessageContent, bool)
	log        zerolog.Logger

	identity atomic.Pointer[string]
	seq      atomic.Uint64

	events    chan connector.Event
	sendMu    sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	pair      chan struct{}
}

var _ connector.Handle = (*Handle)(nil)

func (h *Handle) run(pairDelay time.Duration, manual bool) {
	h.emit(connector.Event{
		Type:       connector.EventConnection,
		Connection: &connector.ConnectionUpdate{State: connector.ConnectionConnecting},
	})

	if !h.creds.Registered() {
		h.emit(connector.Event{
			Type:       connector.EventConnection,
			Connection: &connector.ConnectionUpdate{QR: h.qrCode()},
		})
		var timeout <-chan time.Time
		if !manual {
			timer := time.NewTimer(pairDelay)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-h.done:
			return
		case <-timeout:
		case <-h.pair:
		}
		if err := h.completePairing(); err != nil {
			h.log.Err(err).Msg("Pairing failed")
			h.emit(connector.Event{
				Type:       connector.EventConnection,
				Connection: &connector.ConnectionUpdate{State: connector.ConnectionClose, Reason: connector.ReasonBadSession},
			})
			return
		}
	}

	me := h.creds.MeID()
	if me == "" {
		me = connector.PhoneToJID(h.tenant)
	}
	h.identity.Store(&me)
	h.emit(connector.Event{
		Type:       connector.EventConnection,
		Connection: &connector.ConnectionUpdate{State: connector.ConnectionOpen},
	})
}

func (h *Handle) completePairing() error {
	h.creds[credstore.FieldRegistered] = true
	h.creds[credstore.FieldMe] = map[string]any{
		"id":   connector.PhoneToJID(h.tenant),
		"name": h.tenant,
	}
	if h.keys != nil {
		err := h.keys.Set(context.Background(), map[string]map[string]any{
			"pre-key": {"1": map[string]any{
				"public":  random.Bytes(32),
				"private": random.Bytes(32),
			}},
		})
		if err != nil {
			return err
		}
	}
	h.emit(connector.Event{Type: connector.EventCredsUpdate})
	return nil
}

func (h *Handle) qrCode() string {
	return strings.Join([]string{
		"2@" + random.String(32),
		random.String(44),
		random.String(44),
		random.String(24),
	}, ",")
}

// emit queues evt unless the handle is closed.
func (h *Handle) emit(evt connector.Event) bool {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.events <- evt:
		return true
	case <-h.done:
		return false
	}
}

func (h *Handle) Events() <-chan connector.Event {
	return h.events
}

// AuthenticatedIdentity returns the account JID once paired.
func (h *Handle) AuthenticatedIdentity() string {
	if id := h.identity.Load(); id != nil {
		return *id
	}
	return ""
}

// Send accepts content and echoes it back as an inbound message from jid.
func (h *Handle) Send(ctx context.Context, jid string, content *connector.MessageContent) (*connector.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.AuthenticatedIdentity() == "" {
		return nil, errors.New("loopback: not authenticated")
	}
	now := time.Now().Unix()
	result := &connector.SendResult{
		Key: connector.MessageKey{
			RemoteJID: jid,
			ID:        h.nextID(),
			FromMe:    true,
		},
		Timestamp: now,
	}
	// The outgoing copy arrives first, flagged as our own.
	if !h.emit(upsert(&connector.WebMessage{Key: result.Key, Message: content, Timestamp: now})) {
		return nil, ErrClosed
	}
	h.emit(upsert(&connector.WebMessage{
		Key:       connector.MessageKey{RemoteJID: jid, ID: h.nextID()},
		Message:   &connector.MessageContent{Conversation: content.Text()},
		Timestamp: now,
	}))
	return result, nil
}

// Inject delivers msg as if it arrived from the network.
func (h *Handle) Inject(msg *connector.WebMessage) bool {
	if msg.Key.ID == "" {
		msg.Key.ID = h.nextID()
	}
	return h.emit(upsert(msg))
}

// InjectHistory delivers msgs as a history sync batch.
func (h *Handle) InjectHistory(msgs ...*connector.WebMessage) bool {
	return h.emit(connector.Event{
		Type:     connector.EventMessagesUpsert,
		Messages: &connector.MessagesUpsert{Type: connector.UpsertAppend, Messages: msgs},
	})
}

// Disconnect reports a connection close with reason.
func (h *Handle) Disconnect(reason connector.DisconnectReason) bool {
	return h.emit(connector.Event{
		Type:       connector.EventConnection,
		Connection: &connector.ConnectionUpdate{State: connector.ConnectionClose, Reason: reason},
	})
}

// Pair completes pairing immediately for a handle waiting in QR state.
func (h *Handle) Pair() {
	select {
	case h.pair <- struct{}{}:
	default:
	}
}

// Lookup exposes the message cache callback the handle was opened with.
func (h *Handle) Lookup(key connector.MessageKey) (*connector.MessageContent, bool) {
	if h.getMessage == nil {
		return nil, false
	}
	return h.getMessage(key)
}

// Close stops the handle and closes its event channel. It is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.sendMu.Lock()
		close(h.events)
		h.sendMu.Unlock()
	})
	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) nextID() string {
	return "LB" + strings.ToUpper(random.String(8)) + formatSeq(h.seq.Add(1))
}

func formatSeq(n uint64) string {
	const digits = "0123456789ABCDEF"
	var buf [16]byte
	i := len(buf)
	for {
		i--
		buf[i] = digits[n%16]
		n /= 16
		if n == 0 {
			break
		}
	}
	return string(buf[i:])
}

func upsert(msg *connector.WebMessage) connector.Event {
	return connector.Event{
		Type:     connector.EventMessagesUpsert,
		Messages: &connector.MessagesUpsert{Type: connector.UpsertNotify, Messages: []*connector.WebMessage{msg}},
	}
}
