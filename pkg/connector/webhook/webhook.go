// Copyright 2024-2026 Aiku AI

// Package webhook delivers inbound messages to tenant-configured HTTP
// endpoints with bounded retry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aiku/wa-gateway/pkg/connector"
)

// DeliveryHeader carries a unique id per event, constant across retries, so
// receivers can deduplicate.
const DeliveryHeader = "X-Webhook-Delivery"

// Config controls delivery. Zero values take the defaults.
type Config struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxInFlight int64         `yaml:"max_in_flight"`
}

// Defaults: three attempts waiting 1s then 2s between them.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 10 * time.Second
	DefaultMaxInFlight = 16
)

// Options holds the optional collaborators of a Dispatcher.
type Options struct {
	Client    *http.Client
	Log       zerolog.Logger
	Metrics   *connector.Metrics
	UserAgent string
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher posts events to webhooks. Dispatch runs each delivery on its
// own goroutine so retries never stall the caller.
type Dispatcher struct {
	cfg       Config
	client    *http.Client
	log       zerolog.Logger
	metrics   *connector.Metrics
	userAgent string
	sleep     func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closedMu orders wg.Add in Dispatch against Close.
	closedMu sync.Mutex
	closed   bool

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, opts Options) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	d := &Dispatcher{
		cfg:       cfg,
		client:    opts.Client,
		log:       opts.Log.With().Str("component", "webhook").Logger(),
		metrics:   opts.Metrics,
		userAgent: opts.UserAgent,
		sleep:     opts.Sleep,
		sems:      make(map[string]*semaphore.Weighted),
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: cfg.Timeout}
	}
	if d.userAgent == "" {
		d.userAgent = "wa-gateway"
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Deliver posts msg to the tenant's webhook, retrying failed attempts. It
// returns nil without a request when no webhook is configured, and an error
// wrapping connector.ErrWebhookDelivery when every attempt failed.
func (d *Dispatcher) Deliver(ctx context.Context, inst *connector.Instance, msg connector.InboundMessage) error {
	if !inst.HasWebhook() {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: failed to encode event: %w", connector.ErrWebhookDelivery, err)
	}
	deliveryID := uuid.NewString()
	log := d.log.With().
		Str("tenant", inst.PhoneNumber).
		Str("delivery_id", deliveryID).
		Logger()

	var lastErr error
	for attempt := range d.cfg.MaxAttempts {
		lastErr = d.post(ctx, inst.Webhook, deliveryID, body)
		if lastErr == nil {
			d.metrics.RecordWebhook(inst.PhoneNumber, "delivered")
			log.Debug().Int("attempt", attempt+1).Msg("Webhook delivered")
			return nil
		}
		if attempt == d.cfg.MaxAttempts-1 {
			break
		}
		delay := d.cfg.BaseDelay << attempt
		log.Debug().Err(lastErr).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Webhook attempt failed, retrying")
		if err := d.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	d.metrics.RecordWebhook(inst.PhoneNumber, "failed")
	return fmt.Errorf("%w after %d attempts: %w", connector.ErrWebhookDelivery, d.cfg.MaxAttempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, hook *connector.WebhookConfig, deliveryID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(DeliveryHeader, deliveryID)
	if hook.BasicAuth != nil {
		req.SetBasicAuth(hook.BasicAuth.Username, hook.BasicAuth.Password)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Dispatch delivers msg in the background. Failures are logged, never
// returned. At most MaxInFlight deliveries run at once per tenant; further
// events wait their turn.
func (d *Dispatcher) Dispatch(inst *connector.Instance, msg connector.InboundMessage) {
	if !inst.HasWebhook() {
		return
	}
	d.closedMu.Lock()
	if d.closed {
		d.closedMu.Unlock()
		d.log.Warn().Str("tenant", inst.PhoneNumber).Msg("Dispatcher closed, dropping webhook event")
		return
	}
	d.wg.Add(1)
	d.closedMu.Unlock()
	go func() {
		defer d.wg.Done()
		sem := d.semaphore(inst.PhoneNumber)
		if err := sem.Acquire(d.ctx, 1); err != nil {
			d.log.Warn().Str("tenant", inst.PhoneNumber).Msg("Dispatcher closed, dropping webhook event")
			return
		}
		defer sem.Release(1)
		if err := d.Deliver(d.ctx, inst, msg); err != nil {
			d.log.Error().Err(err).Str("tenant", inst.PhoneNumber).Msg("Webhook failed")
		}
	}()
}

func (d *Dispatcher) semaphore(tenant string) *semaphore.Weighted {
	d.semMu.Lock()
	defer d.semMu.Unlock()
	sem, ok := d.sems[tenant]
	if !ok {
		sem = semaphore.NewWeighted(d.cfg.MaxInFlight)
		d.sems[tenant] = sem
	}
	return sem
}

// Wait blocks until every dispatched delivery has finished or ctx is done.
// When ctx expires first, outstanding deliveries are cancelled.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Close cancels outstanding deliveries and waits for them to stop. Events
// dispatched after Close are dropped.
func (d *Dispatcher) Close() {
	d.closedMu.Lock()
	d.closed = true
	d.closedMu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
