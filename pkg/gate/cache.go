package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
)

// DefaultCacheTTL bounds how long a cached status can lag the ledger when an
// invalidation is lost.
const DefaultCacheTTL = 30 * time.Second

// cachedEnvelope is the status snapshot the gate needs. Content is never
// cached.
type cachedEnvelope struct {
	EnvelopeID  string                   `json:"envelope_id"`
	ContentHash string                   `json:"content_hash"`
	Status      contracts.EnvelopeStatus `json:"status"`
	ExpiresAt   *time.Time               `json:"expires_at,omitempty"`
}

// RedisCache is a read-through cache of envelope status lookups. It
// implements EnvelopeReader for the gate and envelope.Invalidator for the
// ledger's revoke path. Redis failures fall through to the ledger.
type RedisCache struct {
	next   EnvelopeReader
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewRedisCache wraps next with a cache held in client.
func NewRedisCache(next EnvelopeReader, client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: "authority:gate:",
		logger: slog.Default().With("component", "gate-cache"),
	}
}

// NewRedisClient creates the client used by the cache.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// WithPrefix namespaces the cache keys.
func (c *RedisCache) WithPrefix(prefix string) *RedisCache {
	c.prefix = prefix
	return c
}

func (c *RedisCache) idKey(id string) string     { return c.prefix + "id:" + id }
func (c *RedisCache) hashKey(hash string) string { return c.prefix + "hash:" + hash }

// Get returns the envelope status snapshot for key. The returned envelope
// carries no content.
func (c *RedisCache) Get(ctx context.Context, key envelope.Lookup) (*contracts.Envelope, error) {
	cacheKey := c.hashKey(key.ContentHash)
	if key.EnvelopeID != "" {
		cacheKey = c.idKey(key.EnvelopeID)
	}

	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	switch {
	case err == nil:
		var snap cachedEnvelope
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil && snap.Status.Valid() {
			return snap.envelope(), nil
		}
		c.logger.WarnContext(ctx, "discarding unreadable cache entry", "key", cacheKey)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WarnContext(ctx, "gate cache read failed", "key", cacheKey, "error", err)
	}

	env, err := c.next.Get(ctx, key)
	if err != nil {
		// Misses are not cached: the hash may be sealed a moment later.
		return nil, err
	}
	c.store(ctx, env)
	return env, nil
}

func encodeSnapshot(env *contracts.Envelope) ([]byte, error) {
	return json.Marshal(cachedEnvelope{
		EnvelopeID:  env.EnvelopeID,
		ContentHash: env.ContentHash,
		Status:      env.Status,
		ExpiresAt:   env.ExpiresAt,
	})
}

// store fills both keys only where they are absent, so a fill that read the
// ledger before a revocation cannot replace the revocation's tombstone.
func (c *RedisCache) store(ctx context.Context, env *contracts.Envelope) {
	raw, err := encodeSnapshot(env)
	if err != nil {
		return
	}
	for _, key := range []string{c.idKey(env.EnvelopeID), c.hashKey(env.ContentHash)} {
		if err := c.client.SetNX(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "gate cache write failed", "envelope_id", env.EnvelopeID, "error", err)
			return
		}
	}
}

// Invalidate overwrites both keys of env with its current status. The entry
// outlives any fill already in flight, which SetNX then leaves untouched.
func (c *RedisCache) Invalidate(ctx context.Context, env *contracts.Envelope) error {
	raw, err := encodeSnapshot(env)
	if err != nil {
		return fmt.Errorf("invalidate gate cache: %w", err)
	}
	for _, key := range []string{c.idKey(env.EnvelopeID), c.hashKey(env.ContentHash)} {
		if err := c.client.Set(ctx, key, raw, c.tombstoneTTL()).Err(); err != nil {
			return fmt.Errorf("invalidate gate cache: %w", err)
		}
	}
	return nil
}

func (c *RedisCache) tombstoneTTL() time.Duration { return 2 * c.ttl }

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (s cachedEnvelope) envelope() *contracts.Envelope {
	return &contracts.Envelope{
		EnvelopeID:  s.EnvelopeID,
		ContentHash: s.ContentHash,
		Status:      s.Status,
		ExpiresAt:   s.ExpiresAt,
	}
}
