package port

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/aelexs/wacrm/internal/domain/domaintest"
)

func limitedHandler(rl *IPRateLimiter) http.Handler {
	return rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func hit(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/forgot-password", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIPRateLimiter_BurstThenRefill(t *testing.T) {
	clock := domaintest.NewFakeClock(fixedTime)
	rl := NewIPRateLimiter(rate.Limit(1), 2, clock, testLogger())
	h := limitedHandler(rl)

	assert.Equal(t, http.StatusNoContent, hit(h, "10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusNoContent, hit(h, "10.0.0.1:5001").Code, "port must not split the bucket")

	denied := hit(h, "10.0.0.1:5002")
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "1", denied.Header().Get("Retry-After"))
	assert.Contains(t, denied.Body.String(), `"code":"RATE_LIMITED"`)

	// Other clients are unaffected.
	assert.Equal(t, http.StatusNoContent, hit(h, "10.0.0.2:5000").Code)

	clock.Advance(time.Second)
	assert.Equal(t, http.StatusNoContent, hit(h, "10.0.0.1:5003").Code)
}

func TestIPRateLimiter_SweepDropsIdleEntries(t *testing.T) {
	clock := domaintest.NewFakeClock(fixedTime)
	rl := NewIPRateLimiter(rate.Limit(1), 1, clock, testLogger())

	rl.allow("10.0.0.1")
	clock.Advance(limiterIdleTTL / 2)
	rl.allow("10.0.0.2")

	rl.sweep(fixedTime.Add(limiterIdleTTL + time.Minute))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.limiters, "10.0.0.1")
	assert.Contains(t, rl.limiters, "10.0.0.2")
}

func TestIPRateLimiter_RunStopsOnCancel(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(1), 1, domaintest.NewFakeClock(fixedTime), testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rl.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"10.0.0.1:443", "10.0.0.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remote
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
