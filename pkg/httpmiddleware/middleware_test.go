package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestWrap_Order(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				trace = append(trace, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Wrap(okHandler(), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, trace)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("Generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	})
	t.Run("Reused", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, "abc-123")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
	})
	t.Run("Rejected", func(t *testing.T) {
		for _, bad := range []string{strings.Repeat("x", 129), "bad\x01id"} {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set(RequestIDHeader, bad)
			h.ServeHTTP(httptest.NewRecorder(), r)
			assert.NotEqual(t, bad, seen)
			assert.NotEmpty(t, seen)
		}
	})
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestRecovery(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":500,"error":"Internal Server Error"}`, w.Body.String())
}

func TestRecovery_AbortHandler(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestLogRequests(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /fail", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	find := MuxRouteFinder(mux)
	h := Wrap(mux, InjectLogger(zap.New(core)), RequestID(), LogRequests(find))

	r := httptest.NewRequest(http.MethodGet, "/items/42", nil)
	r.Header.Set(RequestIDHeader, "req-1")
	h.ServeHTTP(httptest.NewRecorder(), r)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	ok := entries[0]
	assert.Equal(t, "Request", ok.Message)
	fields := ok.ContextMap()
	assert.Equal(t, "GET /items/{id}", fields["route"])
	assert.EqualValues(t, http.StatusCreated, fields["status"])
	assert.Equal(t, "req-1", fields["request_id"])

	failed := entries[1]
	assert.Equal(t, "Request failed", failed.Message)
	assert.Equal(t, zap.WarnLevel, failed.Level)
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "ip:10.0.0.1", ClientKey(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "ip:10.0.0.2", ClientKey(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.9", ClientKey(r))

	r.Header.Set(UserIDHeader, "u-1")
	assert.Equal(t, "user:u-1", ClientKey(r))
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	l := NewSlidingWindow(2, time.Minute)
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	d, err := l.Allow(ctx, "k", base)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, base.Add(time.Minute), d.ResetAt)

	d, _ = l.Allow(ctx, "k", base.Add(time.Second))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, _ = l.Allow(ctx, "k", base.Add(2*time.Second))
	assert.False(t, d.Allowed)

	// Other keys are independent.
	d, _ = l.Allow(ctx, "other", base.Add(2*time.Second))
	assert.True(t, d.Allowed)

	// Early in the next window the previous count still weighs in:
	// 2*(59/60) + 0 fits, 2*(58/60) + 1 does not.
	d, _ = l.Allow(ctx, "k", base.Add(61*time.Second))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	d, _ = l.Allow(ctx, "k", base.Add(62*time.Second))
	assert.False(t, d.Allowed)

	// Most of the previous window has slid out.
	d, _ = l.Allow(ctx, "k", base.Add(110*time.Second))
	assert.True(t, d.Allowed)

	// Two idle windows reset the key.
	d, _ = l.Allow(ctx, "k", base.Add(10*time.Minute))
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	l.evict(base.Add(time.Hour))
	assert.Empty(t, l.windows)
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLimiter(rdb, 2, time.Minute)
	base := time.Date(2025, 1, 1, 10, 0, 30, 0, time.UTC)

	for i := range 2 {
		d, err := l.Allow(ctx, "k", base)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 1-i, d.Remaining)
		assert.Equal(t, time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC), d.ResetAt)
	}
	d, err := l.Allow(ctx, "k", base)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	assert.Greater(t, mr.TTL("ratelimit:k:"+"1735725600000"), time.Duration(0))

	d, err = l.Allow(ctx, "k", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Time) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(NewSlidingWindow(1, time.Minute), nil)(okHandler())
	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "192.168.1.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := req()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = req()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"status":429,"error":"Too Many Requests","message":"rate limit exceeded"}`, w.Body.String())

	t.Run("FailOpen", func(t *testing.T) {
		h := RateLimit(failingLimiter{}, nil)(okHandler())
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	})
}
