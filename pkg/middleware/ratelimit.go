package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
	"github.com/portfoliohub/portfolio/pkg/httputil"
)

// KeyFunc derives the rate-limit bucket for a request.
type KeyFunc func(r *http.Request) string

// OwnerOrIP keys authenticated requests by owner and anonymous ones by
// client IP.
func OwnerOrIP(r *http.Request) string {
	if id := OwnerIDFromContext(r.Context()); id != "" {
		return "owner:" + id
	}
	return "ip:" + clientIP(r)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore keeps one token bucket per key and evicts idle keys.
type limiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

func newLimiterStore(rps float64, burst int, ttl time.Duration) *limiterStore {
	return &limiterStore{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = s.now()
	return v.limiter
}

func (s *limiterStore) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, v := range s.visitors {
		if now.Sub(v.lastSeen) > s.ttl {
			delete(s.visitors, key)
		}
	}
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// RateLimiter enforces a token bucket per key. Stop ends the eviction loop.
type RateLimiter struct {
	store  *limiterStore
	key    KeyFunc
	logger *slog.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewRateLimiter creates a limiter allowing rps requests per second per key
// with the given burst. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int, key KeyFunc, logger *slog.Logger) *RateLimiter {
	const idleTTL = 5 * time.Minute

	rl := &RateLimiter{
		store:  newLimiterStore(rps, burst, idleTTL),
		key:    key,
		logger: logger,
		stop:   make(chan struct{}),
	}
	if rps > 0 {
		go rl.evictLoop(idleTTL)
	}
	return rl
}

func (rl *RateLimiter) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.store.evictIdle()
		case <-rl.stop:
			return
		}
	}
}

// Stop halts background eviction.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Middleware answers 429 RATE_LIMITED once a key's bucket is empty.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.store.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.key(r)
		if !rl.store.get(key).Allow() {
			rl.logger.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("key", key),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			httputil.WriteError(w, r, apperrors.TooManyRequests("too many requests"), rl.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first address in X-Forwarded-For, then X-Real-IP,
// then RemoteAddr without its port.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
