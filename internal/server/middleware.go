// Package server implements the factflow HTTP API and its middleware.
package server

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyUserID    contextKey = "user_id"
)

// UserID returns the authenticated user stored in ctx.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyUserID).(string)
	return id
}

// requestIDMiddleware generates a UUID per request and adds it to the context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs request method, path, status, and latency.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			reqID, _ := r.Context().Value(contextKeyRequestID).(string)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", reqID,
			)
		})
	}
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: 0}
			defer func() {
				if rec := recover(); rec != nil {
					reqID, _ := r.Context().Value(contextKeyRequestID).(string)
					logger.Error("panic recovered", "error", rec, "request_id", reqID)
					if rw.statusCode == 0 {
						writeJSON(rw, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal server error"})
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// authMiddleware validates bearer JWTs and stores the subject as the user.
func authMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "auth_failed", Message: "missing or invalid Authorization header"})
				return
			}

			userID, err := ParseToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "auth_failed", Message: "invalid token"})
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimiter keeps one token bucket per user, or per client address for
// unauthenticated requests.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	limit    int
	done     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		limiters: make(map[string]*visitor),
		limit:    requestsPerMinute,
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, v := range rl.limiters {
				if v.lastSeen.Before(cutoff) {
					delete(rl.limiters, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(rl.limit)/60), rl.limit)}
		rl.limiters[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := UserID(r.Context())
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}

		if !rl.allow(key) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idempotencyTTL is how long a keyed POST response is replayed.
const idempotencyTTL = 10 * time.Minute

type storedResponse struct {
	pending     bool
	status      int
	contentType string
	body        []byte
}

// idempotency replays the first response to a POST carrying an
// Idempotency-Key header. Keys are scoped to the user and the path.
type idempotency struct {
	responses *cache.Cache
}

func newIdempotency() *idempotency {
	return &idempotency{responses: cache.New(idempotencyTTL, time.Minute)}
}

func (id *idempotency) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if r.Method != http.MethodPost || header == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := UserID(r.Context()) + "|" + r.URL.Path + "|" + header

		if err := id.responses.Add(key, &storedResponse{pending: true}, idempotencyTTL); err != nil {
			v, ok := id.responses.Get(key)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			stored := v.(*storedResponse)
			if stored.pending {
				writeJSON(w, http.StatusConflict, errorBody{Error: "idempotency_conflict", Message: "a request with this idempotency key is in progress"})
				return
			}
			if stored.contentType != "" {
				w.Header().Set("Content-Type", stored.contentType)
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(stored.status)
			w.Write(stored.body)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, statusCode: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				id.responses.Delete(key)
				panic(p)
			}
		}()
		next.ServeHTTP(rec, r)

		if rec.statusCode >= 500 {
			id.responses.Delete(key)
			return
		}
		id.responses.SetDefault(key, &storedResponse{
			status:      rec.statusCode,
			contentType: rec.Header().Get("Content-Type"),
			body:        rec.body.Bytes(),
		})
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// recordingWriter also keeps a copy of the body.
type recordingWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	rw.body.Write(p)
	return rw.ResponseWriter.Write(p)
}
