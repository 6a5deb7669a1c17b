package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrIdempotencyInFlight reports that another request holding the same
// key is still being processed.
var ErrIdempotencyInFlight = errors.New("idempotency key in flight")

// CachedResponse is a completed response stored for idempotent replay.
type CachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IdempotencyStore coordinates exactly-once processing of keyed requests.
//
// Begin claims the key: it returns the cached response when a previous
// request already completed, ErrIdempotencyInFlight when one is still
// running, and (nil, nil) when the caller now owns the key. An owner
// must end its claim with Complete or Abort.
type IdempotencyStore interface {
	Begin(ctx context.Context, key string) (*CachedResponse, error)
	Complete(ctx context.Context, key string, resp *CachedResponse) error
	Abort(ctx context.Context, key string) error
}

type memoryIdemEntry struct {
	resp *CachedResponse // nil while the owning request is in flight
	at   time.Time
}

// MemoryIdempotencyStore keeps claims and cached responses in process
// memory. Single-replica deployments only.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*memoryIdemEntry
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates an in-memory idempotency store whose
// completed entries expire after ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*memoryIdemEntry),
		ttl:     ttl,
	}
	go s.cleanup()
	return s
}

func (s *MemoryIdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, e := range s.entries {
			// Pending claims expire too, or a crashed request would
			// wedge its key forever.
			if now.Sub(e.at) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

func (s *MemoryIdempotencyStore) Begin(ctx context.Context, key string) (*CachedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && time.Since(e.at) < s.ttl {
		if e.resp == nil {
			return nil, ErrIdempotencyInFlight
		}
		return e.resp, nil
	}
	s.entries[key] = &memoryIdemEntry{at: time.Now()}
	return nil, nil
}

func (s *MemoryIdempotencyStore) Complete(ctx context.Context, key string, resp *CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryIdemEntry{resp: resp, at: time.Now()}
	return nil
}

func (s *MemoryIdempotencyStore) Abort(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// scopeIdempotencyKey binds a client key to the route it was sent to, so
// the same key on POST /v1/authorize and POST /v1/verify names two
// separate operations.
func scopeIdempotencyKey(method, path, key string) string {
	sum := sha256.Sum256([]byte(method + "\x00" + path + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware ensures that mutating requests carrying an
// Idempotency-Key header are processed exactly once per route.
// Duplicates of a completed request replay the cached response, so a
// retried authorize cannot double-charge the usage counters; a
// duplicate arriving while the first is still running gets 409 rather
// than a second evaluation.
func IdempotencyMiddleware(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := r.Header.Get("Idempotency-Key")
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := scopeIdempotencyKey(r.Method, r.URL.Path, clientKey)

			cached, err := store.Begin(r.Context(), key)
			switch {
			case errors.Is(err, ErrIdempotencyInFlight):
				WriteConflict(w, "A request with this Idempotency-Key is still in progress")
				return
			case err != nil:
				// A degraded store must not block traffic; process the
				// request without the exactly-once guarantee.
				logger.Error("idempotency claim failed", "error", err)
				next.ServeHTTP(w, r)
				return
			case cached != nil:
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			// Cache completed evaluations (2xx); a 2xx DENY decision
			// replays like any other outcome. Anything else releases
			// the claim so the client can retry.
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				err = store.Complete(r.Context(), key, &CachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Body:        capture.body.Bytes(),
				})
			} else {
				err = store.Abort(r.Context(), key)
			}
			if err != nil {
				logger.Error("idempotency record failed", "error", err)
			}
		})
	}
}
