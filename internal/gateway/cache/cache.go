// Package cache is the content-addressed response cache: an in-process
// go-cache layer in front of Redis, keyed by a hash of the normalized request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/redis"
)

const (
	keyPrefix       = "cache:exact:"
	DefaultTTL      = time.Hour
	DefaultLocalTTL = time.Minute
)

// Request is the part of a call that determines the cached answer
type Request struct {
	Messages []providers.Message
	Model    string
	Provider string
}

// Entry is a cached response
type Entry struct {
	Content   string    `json:"content"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// canonical is the serialized form that is hashed; field order is fixed by the struct
type canonical struct {
	Messages []providers.Message `json:"messages"`
	Model    string              `json:"model,omitempty"`
	Provider string              `json:"provider,omitempty"`
}

// Key derives the cache key for req. Role and hint casing and surrounding
// whitespace are normalized; message content is kept verbatim.
func Key(req Request) (string, error) {
	c := canonical{
		Messages: make([]providers.Message, len(req.Messages)),
		Model:    strings.ToLower(strings.TrimSpace(req.Model)),
		Provider: strings.ToLower(strings.TrimSpace(req.Provider)),
	}
	for i, m := range req.Messages {
		c.Messages[i] = providers.Message{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: m.Content,
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("serialize cache key: %w", err)
	}
	hash := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(hash[:]), nil
}

// Cache stores responses in the local layer and in Redis
type Cache struct {
	redis    *redis.Client
	local    *gocache.Cache
	ttl      time.Duration
	localTTL time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Cache
type Option func(*Cache)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache. A nil redis client keeps the cache process-local.
func New(redisClient *redis.Client, ttl, localTTL time.Duration, logger *zap.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if localTTL <= 0 || localTTL > ttl {
		localTTL = DefaultLocalTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		redis:    redisClient,
		local:    gocache.New(localTTL, 2*localTTL),
		ttl:      ttl,
		localTTL: localTTL,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached entry for req, or (nil, false) on a miss.
// Redis errors are logged and treated as misses.
func (c *Cache) Get(ctx context.Context, req Request) (*Entry, bool) {
	key, err := Key(req)
	if err != nil {
		return nil, false
	}

	if v, ok := c.local.Get(key); ok {
		c.metrics.RecordCacheLookup(true)
		entry := v.(Entry)
		return &entry, true
	}

	if c.redis == nil {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	val, err := c.redis.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			c.logger.Warn("cache read failed", zap.Error(err))
		}
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		c.logger.Warn("discarding unreadable cache entry", zap.String("key", key), zap.Error(err))
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	c.setLocal(key, entry)
	c.metrics.RecordCacheLookup(true)
	return &entry, true
}

// Set stores entry for req with the configured TTL
func (c *Cache) Set(ctx context.Context, req Request, entry *Entry) error {
	return c.SetWithTTL(ctx, req, entry, c.ttl)
}

// SetWithTTL stores entry for req for ttl
func (c *Cache) SetWithTTL(ctx context.Context, req Request, entry *Entry, ttl time.Duration) error {
	key, err := Key(req)
	if err != nil {
		return err
	}
	stored := *entry
	stored.ExpiresAt = time.Now().Add(ttl)
	c.setLocal(key, stored)
	if c.redis == nil {
		return nil
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	if err := c.redis.Set(ctx, key, string(data), ttl); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// setLocal keeps entry in process for the local TTL, never past its own expiry
func (c *Cache) setLocal(key string, entry Entry) {
	ttl := c.localTTL
	if !entry.ExpiresAt.IsZero() {
		ttl = min(ttl, time.Until(entry.ExpiresAt))
	}
	if ttl <= 0 {
		c.local.Delete(key)
		return
	}
	c.local.Set(key, entry, ttl)
}
