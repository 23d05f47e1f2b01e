package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// HeaderIdempotencyKey names the client-chosen key of a retried POST.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplayed marks a response served from the store.
	HeaderIdempotentReplayed = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
)

// cachedResponse is a stored 2xx answer. BodyHash fingerprints the request
// that produced it so a reused key with a different body is refused.
type cachedResponse struct {
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body"`
	BodyHash    string    `json:"body_hash"`
	StoredAt    time.Time `json:"stored_at"`
}

// IdempotencyStorer is a backend for IdempotencyMiddleware. Implementations
// treat their own failures as misses.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool)
	Set(ctx context.Context, key string, resp *cachedResponse)
}

// MemoryIdempotencyStore keeps responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewIdempotencyStore creates an in-memory store whose entries live for ttl.
// Close stops its sweeper.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweep(max(ttl/4, time.Minute))
	return s
}

// Close stops the sweeper. It is safe to call more than once.
func (s *MemoryIdempotencyStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryIdempotencyStore) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			for k, v := range s.entries {
				if s.expired(v) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryIdempotencyStore) expired(c *cachedResponse) bool {
	return s.now().Sub(c.StoredAt) >= s.ttl
}

// Check returns the live entry for key. Expired entries are dropped.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*cachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.expired(cached) {
		delete(s.entries, key)
		return nil, false
	}
	return cached, true
}

// Set stores resp under key.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *cachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = resp
}

type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware answers a POST carrying an Idempotency-Key that was
// already answered with 2xx on the same path by replaying that answer. The
// same key with a different body is a 409. Concurrent first attempts with
// one key may both execute.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				WriteBadRequest(w, "Idempotency-Key must be at most 255 characters")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				WriteBadRequest(w, "request body could not be read")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			bodyHash := hex.EncodeToString(sum[:])
			scoped := r.URL.Path + "\x00" + key

			if cached, ok := store.Check(r.Context(), scoped); ok {
				if cached.BodyHash != bodyHash {
					WriteErrorR(w, r, http.StatusConflict, "Conflict", "Idempotency-Key was already used with a different request body")
					return
				}
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set(HeaderIdempotentReplayed, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)
			if capture.status < 200 || capture.status > 299 {
				return
			}
			store.Set(r.Context(), scoped, &cachedResponse{
				StatusCode:  capture.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
				BodyHash:    bodyHash,
				StoredAt:    time.Now().UTC(),
			})
		})
	}
}
