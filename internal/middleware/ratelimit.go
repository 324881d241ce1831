package middleware

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/ratelimit"
)

type RateLimitConfig struct {
	IP       ratelimit.LimitConfig `yaml:"ip"`
	Operator ratelimit.LimitConfig `yaml:"operator"`
}

// RateLimitMiddleware caps event submission per client address and per
// authenticated operator. Redis failures fail open.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	cfg     RateLimitConfig
	rec     Recorder
	log     *zap.Logger
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, cfg RateLimitConfig, rec Recorder, log *zap.Logger) *RateLimitMiddleware {
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimitMiddleware{limiter: l, cfg: cfg, rec: rec, log: log}
}

func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.IP.Enabled() {
			if !m.check(w, r, ratelimit.ScopeIP, m.limiter.HashIP(clientIP(r)), m.cfg.IP) {
				return
			}
		}
		if ac, ok := GetAuthContext(r.Context()); ok && m.cfg.Operator.Enabled() {
			if !m.check(w, r, ratelimit.ScopeOperator, ac.OperatorID, m.cfg.Operator) {
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// check returns false once it has written a 429.
func (m *RateLimitMiddleware) check(w http.ResponseWriter, r *http.Request, scope ratelimit.Scope, key string, cfg ratelimit.LimitConfig) bool {
	d, err := m.limiter.Allow(r.Context(), scope, key, cfg)
	if err != nil {
		m.rec.RateLimitDecision(string(scope), "error")
		if errors.Is(err, ratelimit.ErrRedisUnavailable) {
			m.log.Warn("rate limit store unavailable, allowing request", zap.String("scope", string(scope)))
		}
		return true
	}
	writeRateLimitHeaders(w, d)
	if !d.Allowed {
		m.rec.RateLimitDecision(string(scope), "limited")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	m.rec.RateLimitDecision(string(scope), "allowed")
	return true
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
