// Copyright 2024-2026 Aiku AI

package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-gateway/pkg/connector"
)

const minimalConfig = `
store: memory
instances:
  - phone_number: "+15550000001"
    api_key: key-one
  - phone_number: "+15550000002"
    api_key: key-two
    webhook:
      url: https://example.com/hook
      basic_auth:
        username: u
        password: p
`

func TestExampleConfigNotEmpty(t *testing.T) {
	t.Parallel()
	if ExampleConfig == "" {
		t.Error("ExampleConfig should not be empty (embedded from example-config.yaml)")
	}
}

func TestExampleConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(ExampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":3000" || cfg.Store != StoreRedis || cfg.KeyPrefix != "wa" {
		t.Errorf("unexpected process defaults %+v", cfg)
	}
	if cfg.MessageCache.MaxEntries != connector.DefaultMessageCacheSize || cfg.MessageCache.TTL != connector.DefaultMessageCacheTTL {
		t.Errorf("message cache defaults: got %+v", cfg.MessageCache)
	}
	if cfg.Webhook.MaxAttempts != 3 || cfg.Webhook.BaseDelay != time.Second {
		t.Errorf("webhook defaults: got %+v", cfg.Webhook)
	}
	if cfg.StoreRetry.MaxAttempts != 3 || cfg.StoreRetry.BaseDelay != 100*time.Millisecond {
		t.Errorf("store retry defaults: got %+v", cfg.StoreRetry)
	}
	// The example ships without instances, so it cannot be used as is.
	if err := cfg.Validate(); !errors.Is(err, connector.ErrConfiguration) {
		t.Errorf("expected the bare example to fail validation, got %v", err)
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ListenAddr != ":3000" {
		t.Errorf("listen address default: got %q", cfg.ListenAddr)
	}
	if len(cfg.Instances) != 2 || cfg.Instances[0].HasWebhook() || !cfg.Instances[1].HasWebhook() {
		t.Fatalf("unexpected instances %+v", cfg.Instances)
	}
	if ba := cfg.Instances[1].Webhook.BasicAuth; ba == nil || ba.Username != "u" || ba.Password != "p" {
		t.Errorf("basic auth: got %+v", ba)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no instances", "store: memory\n", "at least one instance required"},
		{"unknown store", "store: etcd\n" + strings.TrimPrefix(minimalConfig, "\nstore: memory\n"), "unknown store"},
		{"redis without url", "store: redis\n" + strings.TrimPrefix(minimalConfig, "\nstore: memory\n"), "redis_url is required"},
		{"bad phone", "store: memory\ninstances:\n  - phone_number: \"12345\"\n    api_key: k\n", "invalid phone number format"},
		{"negative cache", "store: memory\nmessage_cache:\n  max_entries: -1\n" + strings.TrimPrefix(minimalConfig, "\nstore: memory\n"), "cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := ParseConfig([]byte(tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.Validate()
			if !errors.Is(err, connector.ErrConfiguration) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseConfig_InvalidYAML(t *testing.T) {
	t.Parallel()
	if _, err := ParseConfig([]byte("instances: [")); !errors.Is(err, connector.ErrConfiguration) {
		t.Errorf("got %v", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, connector.ErrConfiguration) || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("got %v", err)
	}
}

func TestLoadConfig_FillsMissingKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store != StoreMemory || len(cfg.Instances) != 2 {
		t.Errorf("file values must win, got store=%q instances=%d", cfg.Store, len(cfg.Instances))
	}
	if cfg.MessageCache.MaxEntries != connector.DefaultMessageCacheSize || cfg.Webhook.Timeout != 10*time.Second {
		t.Errorf("missing keys must come from the example config, got %+v %+v", cfg.MessageCache, cfg.Webhook)
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()
	cfg := &Config{ListenAddr: ":3000", RedisURL: "redis://a"}
	cfg.applyOverrides("", "")
	if cfg.ListenAddr != ":3000" || cfg.RedisURL != "redis://a" {
		t.Error("empty overrides must keep file values")
	}
	cfg.applyOverrides(":8080", "redis://b")
	if cfg.ListenAddr != ":8080" || cfg.RedisURL != "redis://b" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoadConfig_ExampleWithInstance(t *testing.T) {
	t.Parallel()
	instance := `instances:
  - phone_number: "+15550000001"
    api_key: key-one
`
	content := strings.Replace(ExampleConfig, "instances: []\n", instance, 1)
	if content == ExampleConfig {
		t.Fatal("example config no longer ends with an empty instance list")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Instances) != 1 || cfg.Instances[0].APIKey != "key-one" {
		t.Errorf("unexpected instances %+v", cfg.Instances)
	}
	if len(cfg.Logging.Writers) != 1 {
		t.Errorf("logging writers: got %+v", cfg.Logging.Writers)
	}
}

func TestLoadConfig_LoggingBlock(t *testing.T) {
	t.Parallel()
	content := "store: memory\nlogging:\n  min_level: debug\n" + strings.TrimPrefix(minimalConfig, "\nstore: memory\n")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Logging.MinLevel == nil || *cfg.Logging.MinLevel != zerolog.DebugLevel {
		t.Errorf("min_level: got %v", cfg.Logging.MinLevel)
	}
	if len(cfg.Instances) != 2 {
		t.Errorf("instances: got %d", len(cfg.Instances))
	}
}
