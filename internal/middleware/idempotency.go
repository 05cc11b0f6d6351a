package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Driftwald/ReelStudio/internal/port/cache"
)

// Recorded responses are kept for a day and capped at 1 MB; anything
// larger is served fresh on every retry.
const (
	idemPrefix  = "idem:"
	idemTTL     = 24 * time.Hour
	idemMaxBody = 1 << 20
)

// storedResponse is the JSON shape persisted per idempotency key.
type storedResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency deduplicates mutating requests that carry an Idempotency-Key
// header. A repeated key replays the recorded response, marked with
// Idempotency-Replayed: true, instead of re-running the handler. Entries
// are scoped to method and path, so one key may be reused across
// endpoints. Server errors are never recorded; retrying after a 5xx runs
// the handler again.
func Idempotency(store cache.Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			scoped := idemPrefix + r.Method + ":" + r.URL.Path + ":" + key

			if data, ok, err := store.Get(r.Context(), scoped); err == nil && ok {
				if replayStored(w, data) {
					return
				}
				slog.Warn("idempotency: corrupt cache entry", "key", key)
			}

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			if cw.status < http.StatusInternalServerError && cw.buf.Len() <= idemMaxBody {
				recordResponse(r, store, scoped, key, cw)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// replayStored writes a previously recorded response. It reports false
// when the entry cannot be decoded, in which case the caller falls
// through to the handler.
func replayStored(w http.ResponseWriter, data []byte) bool {
	var stored storedResponse
	if err := json.Unmarshal(data, &stored); err != nil {
		return false
	}
	for name, vals := range stored.Headers {
		// Outer middleware already set its headers on this response.
		if w.Header().Get(name) != "" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Idempotency-Replayed", "true")
	w.WriteHeader(stored.StatusCode)
	_, _ = w.Write(stored.Body)
	return true
}

// recordResponse persists the captured response best-effort: a cache
// failure only costs deduplication of the retry.
func recordResponse(r *http.Request, store cache.Cache, scoped, key string, cw *captureWriter) {
	data, err := json.Marshal(storedResponse{
		StatusCode: cw.status,
		Headers:    cw.Header().Clone(),
		Body:       cw.buf.Bytes(),
	})
	if err != nil {
		return
	}
	if err := store.Set(r.Context(), scoped, data, idemTTL); err != nil {
		slog.Warn("idempotency: failed to store response", "key", key, "error", err)
	}
}

// captureWriter tees the response so it can be recorded after the
// handler returns.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}
