// Copyright 2024-2026 Aiku AI

package connector

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Message cache defaults.
const (
	DefaultMessageCacheSize = 10000
	DefaultMessageCacheTTL  = 24 * time.Hour
)

// MessageCacheConfig bounds the message cache. Zero MaxEntries means no
// count limit and zero TTL means entries never expire.
type MessageCacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

type messageCacheKey struct {
	tenant string
	jid    string
	id     string
}

// MessageCache remembers message content by (tenant, conversation, id) so
// the engine can answer retry requests for messages it already handled.
type MessageCache struct {
	lru     *expirable.LRU[messageCacheKey, *MessageContent]
	metrics *Metrics
}

// NewMessageCache creates a cache bounded by cfg.
func NewMessageCache(cfg MessageCacheConfig, metrics *Metrics) *MessageCache {
	size := max(cfg.MaxEntries, 0)
	return &MessageCache{
		lru:     expirable.NewLRU[messageCacheKey, *MessageContent](size, nil, cfg.TTL),
		metrics: metrics,
	}
}

// Put stores content for the message. Nil content is ignored.
func (c *MessageCache) Put(tenant, jid, id string, content *MessageContent) {
	if content == nil || id == "" {
		return
	}
	c.lru.Add(messageCacheKey{tenant: tenant, jid: jid, id: id}, content)
	c.metrics.setCacheSize(c.lru.Len())
}

// Get returns the cached content for the message.
func (c *MessageCache) Get(tenant, jid, id string) (*MessageContent, bool) {
	return c.lru.Get(messageCacheKey{tenant: tenant, jid: jid, id: id})
}

// Len returns the number of live entries.
func (c *MessageCache) Len() int {
	return c.lru.Len()
}

// lookupFor binds the cache to one tenant in the shape engines expect.
func (c *MessageCache) lookupFor(tenant string) func(MessageKey) (*MessageContent, bool) {
	return func(key MessageKey) (*MessageContent, bool) {
		return c.Get(tenant, key.RemoteJID, key.ID)
	}
}
