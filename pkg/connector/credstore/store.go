// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package credstore persists per-tenant protocol credentials and key
// material in a key-value backend.
//
// Every key is namespaced as <prefix>:<tenant>:<category>[:<id>], so one
// tenant's state can be enumerated and cleared without touching another's.
// Credentials live under the "creds" category; key entries use the
// engine's category names (pre-key, session, sender-key, ...).
package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultPrefix is the key namespace used when none is configured.
const DefaultPrefix = "wa"

// CategoryCreds is the category holding a tenant's credentials blob.
const CategoryCreds = "creds"

// CategoryAppStateSyncKey holds app state sync keys, which the engine wants
// back in its own object shape rather than as a generic tree.
const CategoryAppStateSyncKey = "app-state-sync-key"

// KeyDecoder converts a generically decoded key entry into the shape the
// protocol engine expects for that category.
type KeyDecoder func(value any) (any, error)

// KeyStore is the key sub-interface handed to the protocol engine.
type KeyStore interface {
	// Get returns the values for the ids that exist. Missing ids are
	// absent from the result, not an error.
	Get(ctx context.Context, category string, ids []string) (map[string]any, error)
	// Set applies every entry as one batch. A nil value deletes the id.
	Set(ctx context.Context, data map[string]map[string]any) error
}

// Options configures a Store.
type Options struct {
	Prefix   string
	Decoders map[string]KeyDecoder
	Log      zerolog.Logger
}

// Store persists credentials and key entries for many tenants.
type Store struct {
	backend  Backend
	prefix   string
	decoders map[string]KeyDecoder
	log      zerolog.Logger
}

// New creates a Store on top of backend.
func New(backend Backend, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	decoders := make(map[string]KeyDecoder, len(opts.Decoders))
	for category, dec := range opts.Decoders {
		decoders[category] = dec
	}
	return &Store{
		backend:  backend,
		prefix:   prefix,
		decoders: decoders,
		log:      opts.Log.With().Str("component", "credstore").Logger(),
	}
}

// Backend returns the underlying key-value backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// key builds <prefix>:<tenant>:<category>[:<id>].
func (s *Store) key(tenant, category, id string) string {
	base := s.prefix + ":" + tenant + ":" + category
	if id != "" {
		return base + ":" + id
	}
	return base
}

func (s *Store) tenantPrefix(tenant string) string {
	return s.prefix + ":" + tenant + ":"
}

// Load returns the tenant's persisted credentials, or a freshly initialized
// set if none exist, together with the tenant's key store.
func (s *Store) Load(ctx context.Context, tenant string) (Credentials, KeyStore, error) {
	keys := &tenantKeys{store: s, tenant: tenant}

	data, err := s.backend.Get(ctx, s.key(tenant, CategoryCreds, ""))
	if errors.Is(err, ErrNotFound) {
		creds, err := NewCredentials()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize credentials: %w", err)
		}
		s.log.Debug().Str("tenant", tenant).Msg("No stored credentials, initialized fresh set")
		return creds, keys, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load credentials: %w", ErrPersistence, err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode stored credentials: %w", err)
	}
	creds, ok := decoded.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("stored credentials are %T, not an object", decoded)
	}
	return Credentials(creds), keys, nil
}

// SaveCredentials overwrites the tenant's credentials blob.
func (s *Store) SaveCredentials(ctx context.Context, tenant string, creds Credentials) error {
	data, err := Marshal(map[string]any(creds))
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := s.backend.Set(ctx, s.key(tenant, CategoryCreds, ""), data); err != nil {
		return fmt.Errorf("%w: save credentials: %w", ErrPersistence, err)
	}
	return nil
}

// Exists reports whether credentials were ever persisted for tenant.
func (s *Store) Exists(ctx context.Context, tenant string) (bool, error) {
	ok, err := s.backend.Exists(ctx, s.key(tenant, CategoryCreds, ""))
	if err != nil {
		return false, fmt.Errorf("%w: exists: %w", ErrPersistence, err)
	}
	return ok, nil
}

// Clear deletes every key in the tenant's namespace and returns how many
// keys were removed.
func (s *Store) Clear(ctx context.Context, tenant string) (int, error) {
	keys, err := s.backend.KeysWithPrefix(ctx, s.tenantPrefix(tenant))
	if err != nil {
		return 0, fmt.Errorf("%w: enumerate tenant keys: %w", ErrPersistence, err)
	}
	if len(keys) > 0 {
		if err := s.backend.Delete(ctx, keys...); err != nil {
			return 0, fmt.Errorf("%w: delete tenant keys: %w", ErrPersistence, err)
		}
	}
	s.log.Info().Str("tenant", tenant).Int("keys", len(keys)).Msg("Auth state cleared")
	return len(keys), nil
}

// Keys returns the key store for tenant without loading credentials.
func (s *Store) Keys(tenant string) KeyStore {
	return &tenantKeys{store: s, tenant: tenant}
}

type tenantKeys struct {
	store  *Store
	tenant string
}

func (k *tenantKeys) Get(ctx context.Context, category string, ids []string) (map[string]any, error) {
	out := make(map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = k.store.key(k.tenant, category, id)
	}
	values, err := k.store.backend.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s keys: %w", ErrPersistence, category, err)
	}
	decoder := k.store.decoders[category]
	for i, raw := range values {
		if raw == nil {
			continue
		}
		value, err := Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", category, ids[i], err)
		}
		if decoder != nil {
			if value, err = decoder(value); err != nil {
				return nil, fmt.Errorf("failed to convert %s %s: %w", category, ids[i], err)
			}
		}
		out[ids[i]] = value
	}
	return out, nil
}

func (k *tenantKeys) Set(ctx context.Context, data map[string]map[string]any) error {
	var ops []Op
	for category, entries := range data {
		if strings.Contains(category, ":") {
			return fmt.Errorf("invalid key category %q", category)
		}
		for id, value := range entries {
			key := k.store.key(k.tenant, category, id)
			if isAbsent(value) {
				ops = append(ops, Op{Key: key, Delete: true})
				continue
			}
			encoded, err := Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode %s %s: %w", category, id, err)
			}
			ops = append(ops, Op{Key: key, Value: encoded})
		}
	}
	if err := k.store.backend.Apply(ctx, ops); err != nil {
		return fmt.Errorf("%w: set keys: %w", ErrPersistence, err)
	}
	return nil
}

// isAbsent reports whether a key value means "delete". Typed nil pointers,
// maps and slices count as absent, as does an untyped nil.
func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	switch typed := v.(type) {
	case []byte:
		return typed == nil
	case map[string]any:
		return typed == nil
	case []any:
		return typed == nil
	}
	return false
}
