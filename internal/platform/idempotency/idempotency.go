// Package idempotency replays the stored response of a POST that is retried
// with the same Idempotency-Key, so a flaky client never opens two payment
// sessions for one click.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"finitefield.org/storefront/internal/platform/httpx"
	"finitefield.org/storefront/internal/platform/requestctx"
)

const (
	// HeaderName carries the client-chosen idempotency key.
	HeaderName = "Idempotency-Key"
	// ReplayHeader is set on responses served from the store.
	ReplayHeader = "X-Idempotent-Replay"
	// DefaultTTL is how long completed responses are retained.
	DefaultTTL = 24 * time.Hour

	maxBodyBytes = 64 << 10
)

var errFingerprintMismatch = errors.New("idempotency: key reused with a different request")

type state int

const (
	stateNew state = iota
	statePending
	stateCompleted
)

type record struct {
	fingerprint string
	pending     bool
	status      int
	header      http.Header
	body        []byte
	expiresAt   time.Time
}

// MemoryStore keeps reservations and responses in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore constructs an empty store. Non-positive ttl uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{records: make(map[string]*record), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) reserve(key, fingerprint string) (state, *record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.records[key]
	if !ok || !now.Before(rec.expiresAt) {
		s.records[key] = &record{fingerprint: fingerprint, pending: true, expiresAt: now.Add(s.ttl)}
		return stateNew, nil, nil
	}
	if rec.fingerprint != fingerprint {
		return 0, nil, errFingerprintMismatch
	}
	if rec.pending {
		return statePending, nil, nil
	}
	copied := *rec
	return stateCompleted, &copied, nil
}

func (s *MemoryStore) complete(key string, status int, header http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return
	}
	rec.pending = false
	rec.status = status
	rec.header = header.Clone()
	rec.body = append([]byte(nil), body...)
	rec.expiresAt = s.now().Add(s.ttl)
}

func (s *MemoryStore) release(key string) {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
}

// Cleanup removes expired records and returns how many were dropped.
func (s *MemoryStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, rec := range s.records {
		if now.Before(rec.expiresAt) {
			continue
		}
		delete(s.records, key)
		removed++
	}
	return removed
}

// Middleware guards POST requests carrying an Idempotency-Key. Requests
// without the header pass through. Keys are scoped to the shopper session.
// Server errors are not stored so the client may retry them.
func Middleware(store *MemoryStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderName))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil || len(body) > maxBodyBytes {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body could not be read", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scoped := requestctx.Shopper(r.Context()) + ":" + key
			st, rec, err := store.reserve(scoped, fingerprint(r, body))
			switch {
			case err != nil:
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_key_reused", err.Error(), http.StatusUnprocessableEntity))
				return
			case st == statePending:
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
				return
			case st == stateCompleted:
				for name, values := range rec.header {
					w.Header()[name] = values
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(rec.status)
				_, _ = w.Write(rec.body)
				return
			}

			capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)
			if capture.status >= http.StatusInternalServerError {
				store.release(scoped)
				return
			}
			store.complete(scoped, capture.status, w.Header(), capture.buf.Bytes())
		})
	}
}

func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}
