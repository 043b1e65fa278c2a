package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// UserIDHeader identifies the calling user. When present it is the rate limit key.
const UserIDHeader = "X-User-Id"

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// RateLimit rejects requests over the limit with 429. A failing Limiter lets
// the request through.
func RateLimit(l Limiter, key func(*http.Request) string) Middleware {
	if key == nil {
		key = ClientKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			d, err := l.Allow(r.Context(), key(r), now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := max(d.ResetAt.Sub(now), 0)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)

			var e jx.Encoder
			e.ObjStart()
			e.FieldStart("status")
			e.Int(http.StatusTooManyRequests)
			e.FieldStart("error")
			e.Str("Too Many Requests")
			e.FieldStart("message")
			e.Str("rate limit exceeded")
			e.ObjEnd()
			_, _ = w.Write(e.Bytes())
		})
	}
}

// ClientKey keys requests by X-User-Id, falling back to the client IP.
func ClientKey(r *http.Request) string {
	if id := r.Header.Get(UserIDHeader); id != "" {
		return "user:" + id
	}
	return "ip:" + clientIP(r)
}

// clientIP checks X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// window tracks counts across two adjacent windows.
type window struct {
	prevCount float64
	currCount float64
	currStart time.Time
}

var _ Limiter = (*SlidingWindow)(nil)

// SlidingWindow is a per-process Limiter. The previous window's count is
// weighted by how much of it still overlaps the sliding window.
type SlidingWindow struct {
	max    int
	period time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

// NewSlidingWindow allows limit requests per period and key.
func NewSlidingWindow(limit int, period time.Duration) *SlidingWindow {
	return &SlidingWindow{max: limit, period: period, windows: make(map[string]*window)}
}

func (s *SlidingWindow) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := now.Truncate(s.period)
	w, ok := s.windows[key]
	switch {
	case !ok:
		w = &window{currStart: start}
		s.windows[key] = w
	case start.Sub(w.currStart) >= 2*s.period:
		*w = window{currStart: start}
	case start.After(w.currStart):
		*w = window{prevCount: w.currCount, currStart: start}
	}

	overlap := max(1-now.Sub(w.currStart).Seconds()/s.period.Seconds(), 0)
	effective := w.prevCount*overlap + w.currCount
	d := Decision{Limit: s.max, ResetAt: w.currStart.Add(s.period)}
	if effective >= float64(s.max) {
		return d, nil
	}

	w.currCount++
	d.Allowed = true
	d.Remaining = max(int(float64(s.max)-effective-1), 0)
	return d, nil
}

// Cleanup evicts idle keys every two periods until ctx is done.
func (s *SlidingWindow) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(2 * s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evict(now)
		}
	}
}

func (s *SlidingWindow) evict(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		if now.Sub(w.currStart) >= 2*s.period {
			delete(s.windows, key)
		}
	}
}
