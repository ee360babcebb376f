// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-gateway/pkg/connector/credstore"
)

// Options configures a Connector. Engine and Store are required.
type Options struct {
	Engine  Engine
	Store   *credstore.Store
	Handler EventHandler
	Metrics *Metrics
	Log     zerolog.Logger

	MessageCache MessageCacheConfig
	// Schedule overrides the reconnect timer. Defaults to time.AfterFunc.
	Schedule Scheduler
	// ResetDelay and ReconnectDelay override the bad-session and generic
	// reconnect delays. Zero keeps the defaults.
	ResetDelay     time.Duration
	ReconnectDelay time.Duration
}

// Connector runs one Session per configured tenant and exposes the
// operations the HTTP layer needs: activity checks, sends and logout.
type Connector struct {
	engine   Engine
	store    *credstore.Store
	handler  EventHandler
	metrics  *Metrics
	log      zerolog.Logger
	registry *Registry
	cache    *MessageCache
	schedule Scheduler

	resetDelay     time.Duration
	reconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	sessionsMu sync.RWMutex
	sessions   map[string]*Session
	started    bool
}

// New creates a Connector. Call Start to bring sessions up.
func New(opts Options) (*Connector, error) {
	if opts.Engine == nil {
		return nil, errors.New("connector: engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("connector: credential store is required")
	}
	c := &Connector{
		engine:         opts.Engine,
		store:          opts.Store,
		handler:        opts.Handler,
		metrics:        opts.Metrics,
		log:            opts.Log,
		registry:       NewRegistry(),
		cache:          NewMessageCache(opts.MessageCache, opts.Metrics),
		schedule:       opts.Schedule,
		resetDelay:     opts.ResetDelay,
		reconnectDelay: opts.ReconnectDelay,
		sessions:       make(map[string]*Session),
	}
	if c.handler == nil {
		c.handler = NoopEventHandler{}
	}
	if c.schedule == nil {
		c.schedule = afterFunc
	}
	if c.resetDelay <= 0 {
		c.resetDelay = DefaultResetDelay
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start creates a session for every instance and runs its first connect
// attempt. Connect failures are retried in the background and do not fail
// Start.
func (c *Connector) Start(ctx context.Context, instances []Instance) error {
	if err := ValidateInstances(instances); err != nil {
		return err
	}
	c.sessionsMu.Lock()
	if c.started {
		c.sessionsMu.Unlock()
		return errors.New("connector: already started")
	}
	c.started = true
	sessions := make([]*Session, 0, len(instances))
	for i := range instances {
		inst := instances[i]
		s := newSession(c, &inst)
		c.sessions[inst.PhoneNumber] = s
		sessions = append(sessions, s)
	}
	c.sessionsMu.Unlock()

	c.log.Info().Int("instances", len(sessions)).Msg("Starting sessions")
	for _, s := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.connect()
	}
	return nil
}

// Stop disables reconnects and closes every handle. It is safe to call
// more than once.
func (c *Connector) Stop() error {
	c.sessionsMu.RLock()
	for _, s := range c.sessions {
		s.stop()
	}
	c.sessionsMu.RUnlock()

	err := c.registry.CloseAll()
	c.cancel()
	if err != nil {
		return fmt.Errorf("failed to close sessions: %w", err)
	}
	c.log.Info().Msg("All sessions closed")
	return nil
}

// Session returns the session for tenant.
func (c *Connector) Session(tenant string) (*Session, bool) {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	s, ok := c.sessions[tenant]
	return s, ok
}

// Sessions returns every session in no particular order.
func (c *Connector) Sessions() []*Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Registry returns the session registry.
func (c *Connector) Registry() *Registry {
	return c.registry
}

// MessageCache returns the message cache shared by all sessions.
func (c *Connector) MessageCache() *MessageCache {
	return c.cache
}

// IsActive reports whether tenant has an authenticated connection.
func (c *Connector) IsActive(tenant string) bool {
	return c.registry.IsActive(tenant)
}
