package app

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"campusgenius/internal/app/apiresp"
	"campusgenius/internal/auth"
)

type rateBucket struct {
	Count      int
	WindowEnds time.Time
}

// RateLimiter is a fixed-window counter keyed by caller.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	store  map[string]rateBucket
	now    func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		max:    max,
		window: window,
		store:  make(map[string]rateBucket),
		now:    time.Now,
	}
}

func (l *RateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.store[key]
	if now.After(b.WindowEnds) {
		b = rateBucket{Count: 0, WindowEnds: now.Add(l.window)}
	}
	if b.Count >= l.max {
		l.store[key] = b
		return false
	}
	b.Count++
	l.store[key] = b
	l.sweep(now)
	return true
}

// sweep drops expired buckets once the map grows past a few hundred keys.
func (l *RateLimiter) sweep(now time.Time) {
	if len(l.store) < 512 {
		return
	}
	for k, b := range l.store {
		if now.After(b.WindowEnds) {
			delete(l.store, k)
		}
	}
}

// RateLimitMiddleware limits per authenticated user, falling back to the
// client address for anonymous requests.
func RateLimitMiddleware(l *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := callerKey(r) + "|" + r.Method + "|" + r.URL.Path
			if !l.Allow(key) {
				w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
				apiresp.WriteError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if user, ok := auth.CurrentUser(r.Context()); ok {
		return "user:" + strconv.FormatInt(user.ID, 10)
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return "ip:" + addr
}
