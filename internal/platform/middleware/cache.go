package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Cache store
// ---------------------------------------------------------------------------

// CachedResponse is a successful GET response kept for replay.
type CachedResponse struct {
	Status      int
	ContentType string
	ETag        string
	Body        []byte
	StoredAt    time.Time
}

// CacheStore holds cached responses keyed by request path and query.
type CacheStore interface {
	Get(key string) (CachedResponse, bool)
	Set(key string, value CachedResponse, ttl time.Duration)
	DeletePrefix(prefix string) int
	Clear()
}

type cacheEntry struct {
	resp      CachedResponse
	expiresAt time.Time
}

// InMemoryCacheStore is a process-local CacheStore with lazy expiry.
type InMemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

func NewInMemoryCacheStore() *InMemoryCacheStore {
	return &InMemoryCacheStore{entries: make(map[string]*cacheEntry), now: time.Now}
}

func (s *InMemoryCacheStore) Get(key string) (CachedResponse, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return CachedResponse{}, false
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return CachedResponse{}, false
	}
	return entry.resp, true
}

func (s *InMemoryCacheStore) Set(key string, value CachedResponse, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cacheEntry{resp: value, expiresAt: s.now().Add(ttl)}
}

// DeletePrefix drops every entry whose key starts with prefix and reports how
// many were removed.
func (s *InMemoryCacheStore) DeletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *InMemoryCacheStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*cacheEntry)
}

// Len reports the number of stored entries, expired ones included.
func (s *InMemoryCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// StartCleanup sweeps expired entries every interval until ctx is done.
func (s *InMemoryCacheStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				now := s.now()
				for k, v := range s.entries {
					if now.After(v.expiresAt) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

// ---------------------------------------------------------------------------
// Response cache
// ---------------------------------------------------------------------------

// ResponseCache replays GET responses for read-heavy admin views until the
// data behind them changes. Writers call Invalidate with the path they made
// stale.
type ResponseCache struct {
	store CacheStore
	ttl   time.Duration
}

func NewResponseCache(store CacheStore, ttl time.Duration) *ResponseCache {
	return &ResponseCache{store: store, ttl: ttl}
}

// Invalidate drops every cached response under path.
func (rc *ResponseCache) Invalidate(path string) {
	rc.store.DeletePrefix(strings.TrimSuffix(path, "/"))
}

// Middleware serves cached responses and fills the cache on a miss. It must
// run after authentication so cached bodies are only ever replayed to callers
// that passed the same checks. If-None-Match is honored against the stored
// ETag.
func (rc *ResponseCache) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet {
				return next(c)
			}

			key := cacheKey(req.URL.Path, req.URL.RawQuery)
			res := c.Response()

			if cached, ok := rc.store.Get(key); ok {
				res.Header().Set("X-Cache", "HIT")
				return replay(c, cached)
			}

			origWriter := res.Writer
			buf := newBufferedResponseWriter(origWriter)
			res.Writer = buf
			err := next(c)
			res.Writer = origWriter
			if err != nil {
				return err
			}

			body := buf.buf.Bytes()
			etag := computeETag(body)
			if buf.statusCode == http.StatusOK {
				rc.store.Set(key, CachedResponse{
					Status:      buf.statusCode,
					ContentType: res.Header().Get(echo.HeaderContentType),
					ETag:        etag,
					Body:        append([]byte(nil), body...),
					StoredAt:    time.Now().UTC(),
				}, rc.ttl)
			}

			res.Header().Set("X-Cache", "MISS")
			res.Header().Set("ETag", etag)
			res.Header().Set("Cache-Control", "private, no-cache")
			if buf.statusCode == http.StatusOK && etagMatch(req.Header.Get("If-None-Match"), etag) {
				res.Status = http.StatusNotModified
				res.Writer.WriteHeader(http.StatusNotModified)
				return nil
			}
			return buf.flushTo()
		}
	}
}

func replay(c echo.Context, cached CachedResponse) error {
	h := c.Response().Header()
	h.Set("ETag", cached.ETag)
	h.Set("Cache-Control", "private, no-cache")
	h.Set("Age", fmt.Sprintf("%d", int(time.Since(cached.StoredAt).Seconds())))
	if etagMatch(c.Request().Header.Get("If-None-Match"), cached.ETag) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.Blob(cached.Status, cached.ContentType, cached.Body)
}

// ---------------------------------------------------------------------------
// Buffered response writer
// ---------------------------------------------------------------------------

// bufferedResponseWriter holds the body back so it can be hashed and stored
// before anything reaches the client.
type bufferedResponseWriter struct {
	writer     http.ResponseWriter
	buf        *bytes.Buffer
	statusCode int
}

func newBufferedResponseWriter(w http.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{writer: w, buf: &bytes.Buffer{}, statusCode: http.StatusOK}
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.writer.Header()
}

func (w *bufferedResponseWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *bufferedResponseWriter) WriteHeader(code int) {
	w.statusCode = code
}

func (w *bufferedResponseWriter) Flush() {}

func (w *bufferedResponseWriter) flushTo() error {
	w.writer.WriteHeader(w.statusCode)
	if w.buf.Len() > 0 {
		_, err := w.writer.Write(w.buf.Bytes())
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func computeETag(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf(`W/"%x"`, sum[:12])
}

func cacheKey(path, rawQuery string) string {
	path = strings.TrimSuffix(path, "/")
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

// etagMatch compares an If-None-Match header against etag using weak
// comparison. "*" matches anything.
func etagMatch(headerVal, etag string) bool {
	headerVal = strings.TrimSpace(headerVal)
	if headerVal == "" {
		return false
	}
	if headerVal == "*" {
		return true
	}
	for _, candidate := range strings.Split(headerVal, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}
