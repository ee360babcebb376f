// Copyright 2024-2026 Aiku AI

package gateway

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/wa-gateway/pkg/connector"
	"github.com/aiku/wa-gateway/pkg/connector/credstore"
	"github.com/aiku/wa-gateway/pkg/connector/webhook"
)

//go:embed example-config.yaml
var ExampleConfig string

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the gateway configuration file.
type Config struct {
	ListenAddr string                `yaml:"listen_addr"`
	Store      string                `yaml:"store"`
	RedisURL   string                `yaml:"redis_url"`
	KeyPrefix  string                `yaml:"key_prefix"`
	StoreRetry credstore.RetryConfig `yaml:"store_retry"`

	MessageCache connector.MessageCacheConfig `yaml:"message_cache"`
	Webhook      webhook.Config               `yaml:"webhook"`
	PrintQR      bool                         `yaml:"print_qr"`

	Logging   zeroconfig.Config    `yaml:"logging"`
	Instances []connector.Instance `yaml:"instances"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "listen_addr")
	helper.Copy(up.Str, "store")
	helper.Copy(up.Str, "redis_url")
	helper.Copy(up.Str, "key_prefix")
	helper.Copy(up.Int, "store_retry", "max_attempts")
	helper.Copy(up.Str, "store_retry", "base_delay")
	helper.Copy(up.Str, "store_retry", "max_delay")
	helper.Copy(up.Int, "message_cache", "max_entries")
	helper.Copy(up.Str|up.Int, "message_cache", "ttl")
	helper.Copy(up.Int, "webhook", "max_attempts")
	helper.Copy(up.Str, "webhook", "base_delay")
	helper.Copy(up.Str, "webhook", "timeout")
	helper.Copy(up.Int, "webhook", "max_in_flight")
	helper.Copy(up.Bool, "print_qr")
	helper.Copy(up.Map, "logging")
	helper.Copy(up.List, "instances")
}

var configUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"store"},
		{"message_cache"},
		{"webhook"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads the config file at path and fills in keys it is missing
// from the example config. Call Validate once overrides are applied.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: config file not found: %s", connector.ErrConfiguration, path)
		}
		return nil, fmt.Errorf("%w: %w", connector.ErrConfiguration, err)
	}
	data, err := upgradeFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", connector.ErrConfiguration, path, err)
	}
	return ParseConfig(data)
}

// upgradeFile runs the config upgrader on path. configupgrade panics on
// documents it cannot walk, so panics are returned as errors.
func upgradeFile(path string) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected config structure: %v", r)
		}
	}()
	data, _, err = up.Do(path, false, configUpgrader)
	return data, err
}

// ParseConfig decodes a YAML config document. Keys it does not set keep
// their zero value.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %w", connector.ErrConfiguration, err)
	}
	return &cfg, nil
}

// Validate fills in process defaults and checks every setting, returning
// the first problem wrapped in connector.ErrConfiguration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	switch c.Store {
	case "":
		c.Store = StoreRedis
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("%w: unknown store %q, expected %q or %q", connector.ErrConfiguration, c.Store, StoreRedis, StoreMemory)
	}
	if c.Store == StoreRedis && c.RedisURL == "" {
		return fmt.Errorf("%w: redis_url is required when store is %q", connector.ErrConfiguration, StoreRedis)
	}
	if c.MessageCache.MaxEntries < 0 || c.MessageCache.TTL < 0 {
		return fmt.Errorf("%w: message_cache bounds cannot be negative", connector.ErrConfiguration)
	}
	return connector.ValidateInstances(c.Instances)
}

// applyOverrides replaces settings supplied on the command line or through
// the environment.
func (c *Config) applyOverrides(listenAddr, redisURL string) {
	if listenAddr != "" {
		c.ListenAddr = listenAddr
	}
	if redisURL != "" {
		c.RedisURL = redisURL
	}
}
