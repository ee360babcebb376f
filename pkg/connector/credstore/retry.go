// Copyright 2024-2026 Aiku AI

package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig controls how transient backend errors are retried.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// WithRetry returns a backend that retries failed operations according to
// cfg. ErrNotFound and context cancellation are returned immediately. Once
// attempts are exhausted the last error is returned unchanged.
func WithRetry(inner Backend, log zerolog.Logger, cfg RetryConfig) Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &retryBackend{
		inner: inner,
		log:   log.With().Str("component", "store_retry").Logger(),
		cfg:   cfg,
		sleep: sleepContext,
	}
}

type retryBackend struct {
	inner Backend
	log   zerolog.Logger
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

func (b *retryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.withRetry(ctx, "get", key, func(ctx context.Context) error {
		var err error
		out, err = b.inner.Get(ctx, key)
		return err
	})
	return out, err
}

func (b *retryBackend) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	var out [][]byte
	err := b.withRetry(ctx, "mget", "", func(ctx context.Context) error {
		var err error
		out, err = b.inner.MGet(ctx, keys)
		return err
	})
	return out, err
}

func (b *retryBackend) Set(ctx context.Context, key string, value []byte) error {
	return b.withRetry(ctx, "set", key, func(ctx context.Context) error {
		return b.inner.Set(ctx, key, value)
	})
}

func (b *retryBackend) Delete(ctx context.Context, keys ...string) error {
	return b.withRetry(ctx, "delete", "", func(ctx context.Context) error {
		return b.inner.Delete(ctx, keys...)
	})
}

func (b *retryBackend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.withRetry(ctx, "exists", key, func(ctx context.Context) error {
		var err error
		ok, err = b.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (b *retryBackend) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.withRetry(ctx, "scan", prefix, func(ctx context.Context) error {
		var err error
		keys, err = b.inner.KeysWithPrefix(ctx, prefix)
		return err
	})
	return keys, err
}

// Apply is retried as a whole. Every op is an idempotent SET or DEL, so
// replaying a partially applied batch converges to the same state.
func (b *retryBackend) Apply(ctx context.Context, ops []Op) error {
	return b.withRetry(ctx, "apply", "", func(ctx context.Context) error {
		return b.inner.Apply(ctx, ops)
	})
}

func (b *retryBackend) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

func (b *retryBackend) Close() error {
	return b.inner.Close()
}

func (b *retryBackend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	delay := b.cfg.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) || attempt >= b.cfg.MaxAttempts {
			return err
		}
		b.log.Warn().Err(err).
			Str("op", op).
			Str("key", key).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Store operation failed, retrying")
		if sleepErr := b.sleep(ctx, delay); sleepErr != nil {
			return err
		}
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
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
