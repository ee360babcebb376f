// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"net/url"
	"strings"
)

// BasicAuth holds HTTP Basic credentials sent with webhook deliveries.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WebhookConfig describes where a tenant's inbound messages are delivered.
type WebhookConfig struct {
	URL       string     `yaml:"url"`
	BasicAuth *BasicAuth `yaml:"basic_auth"`
}

// Instance is the static configuration of one tenant. PhoneNumber is the
// tenant identity and never changes after load.
type Instance struct {
	PhoneNumber string         `yaml:"phone_number"`
	APIKey      string         `yaml:"api_key"`
	Webhook     *WebhookConfig `yaml:"webhook"`
}

// HasWebhook reports whether deliveries are configured for the tenant.
func (i *Instance) HasWebhook() bool {
	return i != nil && i.Webhook != nil && i.Webhook.URL != ""
}

// ValidateInstances checks the tenant list and returns the first problem
// found, wrapped in ErrConfiguration.
func ValidateInstances(instances []Instance) error {
	if len(instances) == 0 {
		return fmt.Errorf("%w: at least one instance required", ErrConfiguration)
	}
	phones := make(map[string]struct{}, len(instances))
	keys := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		if inst.PhoneNumber == "" {
			return fmt.Errorf("%w: phone_number is required", ErrConfiguration)
		}
		if inst.APIKey == "" {
			return fmt.Errorf("%w: api_key is required", ErrConfiguration)
		}
		if strings.TrimSpace(inst.APIKey) == "" {
			return fmt.Errorf("%w: api_key cannot be empty", ErrConfiguration)
		}
		if !IsValidPhone(inst.PhoneNumber) {
			return fmt.Errorf("%w: invalid phone number format: %s", ErrConfiguration, inst.PhoneNumber)
		}
		if _, dup := phones[inst.PhoneNumber]; dup {
			return fmt.Errorf("%w: duplicate phone_number: %s", ErrConfiguration, inst.PhoneNumber)
		}
		phones[inst.PhoneNumber] = struct{}{}
		// The key itself is never echoed.
		if _, dup := keys[inst.APIKey]; dup {
			return fmt.Errorf("%w: duplicate api_key detected", ErrConfiguration)
		}
		keys[inst.APIKey] = struct{}{}

		if inst.Webhook == nil {
			continue
		}
		if inst.Webhook.URL == "" {
			return fmt.Errorf("%w: invalid webhook url for %s", ErrConfiguration, inst.PhoneNumber)
		}
		if u, err := url.Parse(inst.Webhook.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: invalid webhook URL format for %s", ErrConfiguration, inst.PhoneNumber)
		}
		if ba := inst.Webhook.BasicAuth; ba != nil && (ba.Username == "" || ba.Password == "") {
			return fmt.Errorf("%w: invalid webhook basic_auth for %s", ErrConfiguration, inst.PhoneNumber)
		}
	}
	return nil
}

// FindByAPIKey returns the instance owning apiKey, or nil.
func FindByAPIKey(instances []Instance, apiKey string) *Instance {
	for i := range instances {
		if instances[i].APIKey == apiKey {
			return &instances[i]
		}
	}
	return nil
}

// FindByPhone returns the instance for phone, or nil.
func FindByPhone(instances []Instance, phone string) *Instance {
	for i := range instances {
		if instances[i].PhoneNumber == phone {
			return &instances[i]
		}
	}
	return nil
}
