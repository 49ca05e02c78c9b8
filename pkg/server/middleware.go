package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/opta-ai/opta-lmx/pkg/config"
	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
)

type ctxKey int

const ctxRequestID ctxKey = iota

// requestIDPat bounds what client-supplied request IDs we echo back.
var requestIDPat = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// buildMiddleware wraps the router in the chain, innermost first:
// panic recovery, rate limiting, auth, request logging, tracing, the
// mTLS subject gate, and request ID assignment outermost.
func (s *Server) buildMiddleware(router http.Handler) http.Handler {
	h := s.recoverMiddleware(router)
	h = s.rateLimitMiddleware(h)
	h = s.authMiddleware(h)
	h = s.requestLogMiddleware(h)
	h = otelhttp.NewHandler(h, "opta-lmx")
	h = s.mtlsMiddleware(h)
	h = s.requestIDMiddleware(h)
	return h
}

// requestIDMiddleware preserves a well-formed X-Request-ID or mints one,
// echoing it on the response and binding it into the request context.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !requestIDPat.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

// mtlsMiddleware enforces the client certificate policy. In required
// mode plaintext connections and missing certificates are rejected; in
// either non-off mode a presented subject must pass the allow-list.
func (s *Server) mtlsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mode := s.cfg.Security.TLS.MTLSMode
		if mode == "off" {
			next.ServeHTTP(w, r)
			return
		}
		var subject string
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			subject = r.TLS.PeerCertificates[0].Subject.CommonName
		}
		if subject == "" {
			if mode == "required" {
				s.sendError(w, http.StatusForbidden, typePermission, "auth_denied", "client certificate required")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if allowed := s.cfg.Security.TLS.AllowSubjects; len(allowed) > 0 {
			ok := false
			for _, want := range allowed {
				if subject == want {
					ok = true
					break
				}
			}
			if !ok {
				s.sendError(w, http.StatusForbidden, typePermission, "auth_denied", "client subject not allowed")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogMiddleware emits one line per request. The health probe and
// the admin event stream are skipped: the former is noise, the latter
// holds its connection open for the daemon's lifetime.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/admin/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := map[string]interface{}{
			"method":      r.Method,
			"path":        utils.SanitizeForLog(r.URL.Path),
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  requestIDFrom(r.Context()),
		}
		if origin := r.Header.Get(inference.RequestOriginHeader); origin != "" {
			fields["origin"] = utils.SanitizeForLog(origin)
		}
		s.log.WithFields(fields).Info("request finished")
	})
}

// authMiddleware gates /admin/* behind the admin key and, when one is
// configured, /v1/* behind the inference key. Comparisons are constant
// time; an empty configured key disables its gate.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := s.cfg.Security.AdminKey; key != "" && strings.HasPrefix(r.URL.Path, "/admin/") {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Admin-Key")), []byte(key)) != 1 {
				s.sendError(w, http.StatusUnauthorized, typeAuthentication, "auth_denied", "admin key required")
				return
			}
		}
		if key := s.cfg.Security.InferenceKey; key != "" && strings.HasPrefix(r.URL.Path, "/v1/") {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				s.sendError(w, http.StatusUnauthorized, typeAuthentication, "auth_denied", "inference key required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies the per-client token bucket to chat
// completions only.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.RateLimit.Enabled &&
			r.Method == http.MethodPost && r.URL.Path == "/v1/chat/completions" {
			if !s.limiters.allow(clientKey(r)) {
				s.writeAPIError(w, apiError{
					Status:     http.StatusTooManyRequests,
					Type:       typeRateLimit,
					Code:       "rate_limited",
					Message:    "rate limit exceeded",
					RetryAfter: 1,
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware turns handler panics into 500s. http.ErrAbortHandler
// passes through untouched.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			s.log.Errorf("panic serving %s %s: %v", r.Method, utils.SanitizeForLog(r.URL.Path), p)
			s.sendError(w, http.StatusInternalServerError, typeInternal, "internal_error", "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller for rate limiting: the declared client
// ID when present, else the remote host.
func clientKey(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return utils.SanitizeForLog(id)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientLimiters lazily creates one token bucket per client key.
type clientLimiters struct {
	cfg config.RateLimitConfig

	mu       sync.Mutex
	buckets  map[string]*clientBucket
	lastSeen time.Time
}

type clientBucket struct {
	limiter *rate.Limiter
	touched time.Time
}

const limiterIdleTTL = 10 * time.Minute

func newClientLimiters(cfg config.RateLimitConfig) *clientLimiters {
	return &clientLimiters{cfg: cfg, buckets: make(map[string]*clientBucket)}
}

func (c *clientLimiters) allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	bucket, ok := c.buckets[key]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(rate.Limit(c.cfg.RPS), c.cfg.Burst)}
		c.buckets[key] = bucket
	}
	bucket.touched = now
	if now.Sub(c.lastSeen) > limiterIdleTTL {
		c.pruneLocked(now)
		c.lastSeen = now
	}
	return bucket.limiter.Allow()
}

func (c *clientLimiters) pruneLocked(now time.Time) {
	for key, bucket := range c.buckets {
		if now.Sub(bucket.touched) > limiterIdleTTL {
			delete(c.buckets, key)
		}
	}
}

// statusRecorder captures the status code for the request log while
// passing Flush and Hijack through to the SSE and WebSocket paths.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
