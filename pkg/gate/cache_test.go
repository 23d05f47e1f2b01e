package gate_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
	"github.com/Mindburn-Labs/helm/authority/pkg/gate"
)

type countingReader struct {
	next  gate.EnvelopeReader
	calls atomic.Int32
}

func (r *countingReader) Get(ctx context.Context, key envelope.Lookup) (*contracts.Envelope, error) {
	r.calls.Add(1)
	return r.next.Get(ctx, key)
}

// TestRedisCache_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisCache_Integration(t *testing.T) {
	client := gate.NewRedisClient("localhost:6379", "", 0)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	f := newFixture(t)
	sealed := f.seal(t, "h1", nil)

	reader := &countingReader{next: f.ledger}
	cache := gate.NewRedisCache(reader, client, time.Minute).WithPrefix("test:" + uuid.NewString() + ":")
	f.ledger.OnRevoke(cache)
	g := gate.New(f.db, cache).WithClock(f.clock.Now)

	req := checkRequest()
	req.EnvelopeID = sealed.EnvelopeID
	for i := 0; i < 3; i++ {
		res, err := g.Check(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.GatePassed)
	}
	assert.Equal(t, int32(1), reader.calls.Load())

	// The hash key was populated by the id lookup.
	byHash := checkRequest()
	byHash.EnvelopeHash = "h1"
	res, err := g.Check(ctx, byHash)
	require.NoError(t, err)
	assert.True(t, res.GatePassed)
	assert.Equal(t, int32(1), reader.calls.Load())

	_, err = f.ledger.Revoke(ctx, &envelope.RevokeRequest{EnvelopeID: sealed.EnvelopeID, RevokedBy: "ops"})
	require.NoError(t, err)

	res, err = g.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.GatePassed)
	assert.Equal(t, contracts.ViolationRevokedEnvelope, res.ViolationCode)
	// Served from the revocation's own entry.
	assert.Equal(t, int32(1), reader.calls.Load())
}

func TestRedisCacheFallsThroughWhenRedisIsDown(t *testing.T) {
	f := newFixture(t)
	sealed := f.seal(t, "h1", nil)

	// Nothing listens on this port.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	reader := &countingReader{next: f.ledger}
	g := gate.New(f.db, gate.NewRedisCache(reader, client, time.Minute)).WithClock(f.clock.Now)

	req := checkRequest()
	req.EnvelopeID = sealed.EnvelopeID
	res, err := g.Check(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.GatePassed)
	assert.Equal(t, int32(1), reader.calls.Load())
}

// memoryRedis serves the string commands the cache issues from a map.
type memoryRedis struct {
	redis.UniversalClient
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryRedis) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memoryRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = string(value.([]byte))
	m.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryRedis) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = string(value.([]byte))
	m.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

// revokingReader reads the ledger and then, once, revokes the envelope before
// handing back the snapshot it read.
type revokingReader struct {
	ledger *envelope.Ledger
	once   sync.Once
}

func (r *revokingReader) Get(ctx context.Context, key envelope.Lookup) (*contracts.Envelope, error) {
	env, err := r.ledger.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	r.once.Do(func() {
		_, err = r.ledger.Revoke(ctx, &envelope.RevokeRequest{EnvelopeID: env.EnvelopeID, RevokedBy: "ops"})
	})
	return env, err
}

func TestRedisCacheStaleFillCannotOverwriteRevocation(t *testing.T) {
	f := newFixture(t)
	sealed := f.seal(t, "h1", nil)

	client := newMemoryRedis()
	reader := &revokingReader{ledger: f.ledger}
	cache := gate.NewRedisCache(reader, client, time.Minute)
	f.ledger.OnRevoke(cache)
	g := gate.New(f.db, cache).WithClock(f.clock.Now)

	req := checkRequest()
	req.EnvelopeID = sealed.EnvelopeID

	// The first lookup read ACTIVE before the revoke landed.
	res, err := g.Check(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.GatePassed)

	for _, lookup := range []func(*gate.CheckRequest){
		func(r *gate.CheckRequest) {},
		func(r *gate.CheckRequest) { r.EnvelopeID = ""; r.EnvelopeHash = "h1" },
	} {
		next := checkRequest()
		next.EnvelopeID = sealed.EnvelopeID
		lookup(next)
		res, err := g.Check(context.Background(), next)
		require.NoError(t, err)
		assert.False(t, res.GatePassed)
		assert.Equal(t, contracts.ViolationRevokedEnvelope, res.ViolationCode)
	}
	for key, ttl := range client.ttls {
		assert.GreaterOrEqual(t, ttl, time.Minute, key)
	}
}
