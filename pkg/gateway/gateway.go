// Copyright 2024-2026 Aiku AI

// Package gateway wires the connector, the credential store, webhooks and
// the HTTP API into a runnable service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/aiku/wa-gateway/pkg/connector"
	"github.com/aiku/wa-gateway/pkg/connector/credstore"
	"github.com/aiku/wa-gateway/pkg/connector/webhook"
)

// ShutdownTimeout bounds each step of Stop.
const ShutdownTimeout = 10 * time.Second

// Gateway is one running service instance.
type Gateway struct {
	Config     *Config
	Log        zerolog.Logger
	Registry   *prometheus.Registry
	Metrics    *connector.Metrics
	Backend    credstore.Backend
	Store      *credstore.Store
	Dispatcher *webhook.Dispatcher
	Connector  *connector.Connector

	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// Options holds the collaborators New does not build from the config.
type Options struct {
	Engine connector.Engine
	// Backend overrides the store selected in the config.
	Backend credstore.Backend
	// QROutput receives terminal QR codes when print_qr is enabled.
	QROutput io.Writer
}

// New builds a gateway from a validated config. It connects to the store
// but does not start any session.
func New(ctx context.Context, cfg *Config, log zerolog.Logger, opts Options) (*Gateway, error) {
	if opts.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	g := &Gateway{
		Config:   cfg,
		Log:      log,
		Registry: prometheus.NewRegistry(),
		serveErr: make(chan error, 1),
	}
	g.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	g.Metrics = connector.NewMetrics(g.Registry)

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = openBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	g.Backend = credstore.WithRetry(backend, log, cfg.StoreRetry)
	g.Store = credstore.New(g.Backend, credstore.Options{Prefix: cfg.KeyPrefix, Log: log})

	g.Dispatcher = webhook.NewDispatcher(cfg.Webhook, webhook.Options{
		Log:     log,
		Metrics: g.Metrics,
	})
	handler := &eventHandler{
		log:        log.With().Str("component", "events").Logger(),
		dispatcher: g.Dispatcher,
		printQR:    cfg.PrintQR,
		out:        opts.QROutput,
	}

	conn, err := connector.New(connector.Options{
		Engine:       opts.Engine,
		Store:        g.Store,
		Handler:      handler,
		Metrics:      g.Metrics,
		Log:          log,
		MessageCache: cfg.MessageCache,
	})
	if err != nil {
		_ = g.Backend.Close()
		return nil, err
	}
	g.Connector = conn
	return g, nil
}

func openBackend(ctx context.Context, cfg *Config) (credstore.Backend, error) {
	switch cfg.Store {
	case StoreMemory:
		return credstore.NewMemoryBackend(), nil
	default:
		backend, err := credstore.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", connector.ErrPersistence, err)
		}
		return backend, nil
	}
}

// Start brings up every session and begins serving HTTP.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.Connector.Start(ctx, g.Config.Instances); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", g.Config.ListenAddr)
	if err != nil {
		_ = g.Connector.Stop()
		return fmt.Errorf("failed to listen on %s: %w", g.Config.ListenAddr, err)
	}
	g.listener = ln
	g.server = &http.Server{
		Handler:           NewHandler(g.Config.Instances, g.Connector, g.Registry, g.Log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.serveErr <- err
		}
		close(g.serveErr)
	}()
	g.Log.Info().Str("addr", ln.Addr().String()).Int("instances", len(g.Config.Instances)).Msg("Gateway started")
	return nil
}

// Addr returns the address the HTTP server listens on.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Wait blocks until ctx is done or the HTTP server fails.
func (g *Gateway) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-g.serveErr:
		if !ok {
			return nil
		}
		return err
	}
}

// Stop shuts the HTTP server down, closes every session, drains pending
// webhook deliveries and closes the store, in that order.
func (g *Gateway) Stop() error {
	var errs []error
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		if err := g.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}
	if err := g.Connector.Stop(); err != nil {
		errs = append(errs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	if err := g.Dispatcher.Wait(ctx); err != nil {
		g.Log.Warn().Err(err).Msg("Gave up waiting for webhook deliveries")
	}
	cancel()
	g.Dispatcher.Close()
	if err := g.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	g.Log.Info().Msg("Gateway stopped")
	return errors.Join(errs...)
}
