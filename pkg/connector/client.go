// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/wa-gateway/pkg/connector/credstore"
)

// SessionState is the connection manager state of one tenant.
type SessionState string

const (
	StateInit       SessionState = "INIT"
	StateConnecting SessionState = "CONNECTING"
	StateQRPending  SessionState = "QR_PENDING"
	StateOpen       SessionState = "OPEN"
	StateLoggedOut  SessionState = "LOGGED_OUT"
)

// Reconnect delays applied by the disconnect policy.
const (
	DefaultResetDelay     = 1 * time.Second
	DefaultReconnectDelay = 5 * time.Second
)

// Timer is a pending scheduled call that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. time.AfterFunc is the production scheduler.
type Scheduler func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Session owns the connection state machine for one tenant. It creates
// handles through the engine, reacts to their events and schedules
// reconnects according to the disconnect policy.
type Session struct {
	connector *Connector
	instance  *Instance
	log       zerolog.Logger

	// connectMu serializes connect attempts for the tenant.
	connectMu sync.Mutex

	mu          sync.Mutex
	state       SessionState
	bridgeState status.BridgeState
	timer       Timer
	stopped     bool
	lastQR      string
}

func newSession(c *Connector, inst *Instance) *Session {
	s := &Session{
		connector: c,
		instance:  inst,
		log:       c.log.With().Str("component", "session").Str("tenant", inst.PhoneNumber).Logger(),
		state:     StateInit,
	}
	s.bridgeState = status.BridgeState{StateEvent: status.StateStarting, Timestamp: jsontime.UnixNow()}
	return s
}

// Tenant returns the tenant identity.
func (s *Session) Tenant() string {
	return s.instance.PhoneNumber
}

// Instance returns the tenant configuration.
func (s *Session) Instance() *Instance {
	return s.instance
}

// State returns the current state machine state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BridgeState returns the last reported connection status.
func (s *Session) BridgeState() status.BridgeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeState
}

// LastQR returns the most recent pairing code, or "" once paired.
func (s *Session) LastQR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQR
}

// HasPendingReconnect reports whether a reconnect timer is armed.
func (s *Session) HasPendingReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Session) setState(state SessionState, bs status.BridgeState) {
	bs.Timestamp = jsontime.UnixNow()
	s.mu.Lock()
	s.state = state
	s.bridgeState = bs
	if state != StateQRPending {
		s.lastQR = ""
	}
	s.mu.Unlock()
	s.connector.metrics.setState(s.Tenant(), state)
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// connect runs one connect attempt. It never returns an error: failures
// schedule another attempt.
func (s *Session) connect() {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.isStopped() {
		return
	}
	ctx := s.connector.ctx
	tenant := s.Tenant()
	registry := s.connector.registry

	gen := registry.NextGeneration(tenant)
	log := s.log.With().Uint64("generation", gen).Logger()
	s.setState(StateConnecting, status.BridgeState{StateEvent: status.StateConnecting})
	log.Info().Msg("Starting session")

	creds, keys, err := s.connector.store.Load(ctx, tenant)
	if err != nil {
		s.connector.metrics.recordStoreError("load")
		log.Err(err).Msg("Failed to load credentials")
		s.setState(StateConnecting, status.BridgeState{
			StateEvent: status.StateUnknownError,
			Error:      "wa-store-unavailable",
			Message:    "Credential store unavailable",
		})
		s.dropReplacedHandle(gen)
		s.scheduleReconnect(s.connector.reconnectDelay, "store_error")
		return
	}

	handle, err := s.connector.engine.Open(ctx, OpenParams{
		Tenant:      tenant,
		Credentials: creds,
		Keys:        keys,
		GetMessage:  s.connector.cache.lookupFor(tenant),
		Log:         log,
	})
	if err != nil {
		log.Err(err).Msg("Failed to open connection")
		s.setState(StateConnecting, status.BridgeState{
			StateEvent: status.StateTransientDisconnect,
			Error:      "wa-open-failed",
			Message:    err.Error(),
		})
		s.dropReplacedHandle(gen)
		s.scheduleReconnect(s.connector.reconnectDelay, "open_failed")
		return
	}

	if s.isStopped() {
		log.Debug().Msg("Session stopped while connecting, discarding handle")
		_ = handle.Close()
		return
	}
	if !registry.PutIfCurrent(tenant, gen, handle) {
		log.Debug().Msg("Connect attempt superseded, discarding handle")
		_ = handle.Close()
		return
	}
	// Stop may have run CloseAll between the check above and the install.
	if s.isStopped() {
		registry.RemoveIfCurrent(tenant, gen)
		_ = handle.Close()
		return
	}
	go s.listen(gen, handle, creds)
}

// dropReplacedHandle closes a handle left registered by an earlier attempt,
// such as the one kept across a restart, once its replacement has failed.
func (s *Session) dropReplacedHandle(gen uint64) {
	if old, ok := s.connector.registry.RemoveIfOlder(s.Tenant(), gen); ok {
		_ = old.Close()
	}
}

// listen consumes handle events until the channel closes, the handle
// reports a close, or a newer connect attempt supersedes it.
func (s *Session) listen(gen uint64, handle Handle, creds credstore.Credentials) {
	tenant := s.Tenant()
	log := s.log.With().Uint64("generation", gen).Logger()
	for evt := range handle.Events() {
		if s.connector.registry.CurrentGeneration(tenant) != gen {
			log.Debug().Stringer("event", evt.Type).Msg("Dropping event from stale handle")
			_ = handle.Close()
			return
		}
		switch evt.Type {
		case EventCredsUpdate:
			s.saveCredentials(creds)
		case EventMessagesUpsert:
			s.handleMessages(evt.Messages)
		case EventConnection:
			if evt.Connection == nil {
				continue
			}
			if done := s.handleConnection(gen, handle, evt.Connection); done {
				return
			}
		default:
			log.Trace().Int("event_type", int(evt.Type)).Msg("Unhandled event type")
		}
	}
	log.Debug().Msg("Event channel closed")
}

func (s *Session) saveCredentials(creds credstore.Credentials) {
	if err := s.connector.store.SaveCredentials(s.connector.ctx, s.Tenant(), creds); err != nil {
		s.connector.metrics.recordStoreError("save_credentials")
		s.log.Err(err).Msg("Failed to persist credential update")
		s.mu.Lock()
		s.bridgeState.Error = "wa-store-write-failed"
		s.bridgeState.Message = err.Error()
		s.mu.Unlock()
	}
}

// handleConnection applies the transition table. It reports whether the
// handle is finished and the listen loop should exit.
func (s *Session) handleConnection(gen uint64, handle Handle, upd *ConnectionUpdate) bool {
	if upd.QR != "" {
		s.setState(StateQRPending, status.BridgeState{
			StateEvent: status.StateBadCredentials,
			Error:      "wa-pairing-required",
			Message:    "Scan the QR code to pair this number",
		})
		s.mu.Lock()
		s.lastQR = upd.QR
		s.mu.Unlock()
		s.log.Info().Msg("Pairing code issued")
		s.connector.handler.OnQR(s.instance, upd.QR)
	}

	switch upd.State {
	case ConnectionOpen:
		identity := handle.AuthenticatedIdentity()
		if identity == "" {
			s.log.Warn().Msg("Connection reported open without an authenticated identity")
			return false
		}
		s.setState(StateOpen, status.BridgeState{
			StateEvent: status.StateConnected,
			RemoteID:   identity,
		})
		s.log.Info().Str("identity", identity).Msg("Connected")
		s.connector.handler.OnConnected(s.instance)
	case ConnectionClose:
		s.handleClose(gen, handle, upd.Reason)
		return true
	}
	return false
}

// disconnectAction is what the policy does for a close reason.
type disconnectAction int

const (
	actionReconnect disconnectAction = iota
	actionLogout
	actionResetSession
	actionRestart
)

func classifyDisconnect(reason DisconnectReason) disconnectAction {
	switch reason {
	case ReasonLoggedOut:
		return actionLogout
	case ReasonBadSession, ReasonMethodNotAllowed:
		return actionResetSession
	case ReasonRestartRequired:
		return actionRestart
	default:
		return actionReconnect
	}
}

func (s *Session) handleClose(gen uint64, handle Handle, reason DisconnectReason) {
	tenant := s.Tenant()
	registry := s.connector.registry
	log := s.log.With().Stringer("reason", reason).Logger()

	switch classifyDisconnect(reason) {
	case actionLogout:
		log.Info().Msg("Logged out")
		s.terminate(gen, handle)
		s.connector.handler.OnDisconnected(s.instance, "logged_out")

	case actionResetSession:
		log.Warn().Msg("Bad session, clearing credentials and reconnecting")
		s.clearCredentials()
		registry.RemoveIfCurrent(tenant, gen)
		_ = handle.Close()
		s.setState(StateConnecting, status.BridgeState{
			StateEvent: status.StateTransientDisconnect,
			Error:      "wa-bad-session",
			Message:    "Session was invalid and has been reset",
		})
		s.scheduleReconnect(s.connector.resetDelay, "bad_session")

	case actionRestart:
		// The handle stays registered until the next attempt replaces it.
		log.Info().Msg("Restart required, reconnecting")
		s.setState(StateConnecting, status.BridgeState{StateEvent: status.StateConnecting})
		s.scheduleReconnect(0, "restart_required")

	default:
		log.Info().Msg("Disconnected, reconnecting")
		registry.RemoveIfCurrent(tenant, gen)
		_ = handle.Close()
		s.setState(StateConnecting, status.BridgeState{
			StateEvent: status.StateTransientDisconnect,
			Error:      "wa-disconnected",
			Message:    "Disconnected with status " + reason.String(),
		})
		s.connector.handler.OnDisconnected(s.instance, reason.String())
		s.scheduleReconnect(s.connector.reconnectDelay, "other")
	}
}

// terminate moves the session to its terminal state: credentials are
// cleared, the handle is removed and no reconnect will ever be scheduled.
func (s *Session) terminate(gen uint64, handle Handle) {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.clearCredentials()
	s.connector.registry.RemoveIfCurrent(s.Tenant(), gen)
	_ = handle.Close()
	s.setState(StateLoggedOut, status.BridgeState{
		StateEvent: status.StateLoggedOut,
		Error:      "wa-logged-out",
		Message:    "Logged out from the phone",
	})
}

func (s *Session) clearCredentials() {
	if _, err := s.connector.store.Clear(s.connector.ctx, s.Tenant()); err != nil {
		s.connector.metrics.recordStoreError("clear")
		s.log.Err(err).Msg("Failed to clear credentials")
	}
}

// scheduleReconnect arms the tenant's single reconnect timer, replacing any
// pending one.
func (s *Session) scheduleReconnect(delay time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	var timer Timer
	timer = s.connector.schedule(delay, func() {
		s.mu.Lock()
		if s.timer != timer {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		s.connect()
	})
	s.timer = timer
	s.connector.metrics.recordReconnect(s.Tenant(), reason)
	s.log.Debug().Dur("delay", delay).Str("reason", reason).Msg("Reconnect scheduled")
}

// stop disables reconnects and cancels any pending timer.
func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// logout tears the session down at the operator's request.
func (s *Session) logout(ctx context.Context) error {
	s.stop()
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	registry := s.connector.registry
	tenant := s.Tenant()
	// Invalidate whatever attempt is current so its listener exits.
	registry.NextGeneration(tenant)
	if handle, ok := registry.Get(tenant); ok {
		registry.Remove(tenant)
		_ = handle.Close()
	}
	if _, err := s.connector.store.Clear(ctx, tenant); err != nil {
		s.connector.metrics.recordStoreError("clear")
		return err
	}
	s.setState(StateLoggedOut, status.BridgeState{
		StateEvent: status.StateLoggedOut,
		Error:      "wa-logged-out",
		Message:    "Logged out by operator",
	})
	s.log.Info().Msg("Session logged out")
	return nil
}
