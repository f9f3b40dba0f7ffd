package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crudkit/crudkit/pkg/kv"
)

const (
	cacheKeyPrefix  = "crudkit:cache:"
	defaultCacheTTL = time.Minute
)

// cachedResponse is the stored envelope: status, content type, body.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// bufferingRecorder tees the response body so it can be stored after the
// handler runs.
type bufferingRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferingRecorder) WriteHeader(code int) {
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bufferingRecorder) Write(p []byte) (int, error) {
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}

// ResponseCache caches successful GET responses in the key-value store for
// the given TTL, keyed by request URI. Non-GET requests and non-200
// responses pass through uncached. There is no invalidation on writes;
// staleness is bounded by the TTL alone, so keep it short.
func ResponseCache(store kv.Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := cacheKeyPrefix + r.URL.RequestURI()
			if raw, found, err := store.Get(r.Context(), key); err == nil && found {
				var cached cachedResponse
				if json.Unmarshal(raw, &cached) == nil {
					if cached.ContentType != "" {
						w.Header().Set("Content-Type", cached.ContentType)
					}
					w.Header().Set("X-Cache", "HIT")
					w.WriteHeader(cached.Status)
					w.Write(cached.Body)
					return
				}
			}

			rec := &bufferingRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status != http.StatusOK {
				return
			}
			raw, err := json.Marshal(cachedResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err == nil {
				_ = store.Set(r.Context(), key, raw, ttl)
			}
		})
	}
}
