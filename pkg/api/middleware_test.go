package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1 req/sec, burst 2
	limiter := NewGlobalRateLimiter(ctx, 1, 2)
	ts := httptest.NewServer(limiter.Middleware(okHandler()))
	defer ts.Close()

	client := ts.Client()

	// Bursts: 2 allowed immediately
	for i := 0; i < 2; i++ {
		resp, err := client.Get(ts.URL)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
		assert.Equal(t, http.StatusOK, resp.StatusCode, "Within burst limit")
		assert.NoError(t, resp.Body.Close())
	}

	// The third immediate request has no token left.
	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("Request 3 failed: %v", err)
	}
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "Exceeded burst")
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.NoError(t, resp.Body.Close())

	// Wait 1.1s for token refill
	time.Sleep(1100 * time.Millisecond)

	resp, err = client.Get(ts.URL)
	if err != nil {
		t.Fatalf("Request 4 failed: %v", err)
	}
	assert.Equal(t, http.StatusOK, resp.StatusCode, "Refilled token")
	assert.NoError(t, resp.Body.Close())
}

func TestRateLimit_PerClientIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := NewGlobalRateLimiter(ctx, 1, 1).Middleware(okHandler())

	for _, addr := range []string{"10.0.0.1:5000", "10.0.0.2:5000", "[::1]:80"} {
		req := httptest.NewRequest(http.MethodGet, "/version", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, addr)
	}

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.RemoteAddr = "10.0.0.1:6000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "same IP, different port")
}

func TestRateLimit_SweepRemovesIdleVisitors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewGlobalRateLimiter(ctx, 5, 5)
	rl.now = func() time.Time { return now }

	rl.getVisitor("10.0.0.1")
	now = now.Add(2 * time.Minute)
	rl.getVisitor("10.0.0.2")
	now = now.Add(2 * time.Minute)

	rl.sweep(3 * time.Minute)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.visitors, "10.0.0.1")
	assert.Contains(t, rl.visitors, "10.0.0.2")
}

func TestRetryAfter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Equal(t, 1, NewGlobalRateLimiter(ctx, 20, 1).retryAfter())
	assert.Equal(t, 4, NewGlobalRateLimiter(ctx, 0.25, 1).retryAfter())
}

func TestClientVersionGate(t *testing.T) {
	gate := ClientVersionGate(">= 0.4.0")(okHandler())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header passes", "", http.StatusOK},
		{"satisfied", "0.4.1", http.StatusOK},
		{"too old", "0.3.9", http.StatusUpgradeRequired},
		{"garbage", "not-a-version", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/version", nil)
			if tt.header != "" {
				req.Header.Set(ClientVersionHeader, tt.header)
			}
			w := httptest.NewRecorder()
			gate.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestClientVersionGate_Disabled(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set(ClientVersionHeader, "0.0.1")
	w := httptest.NewRecorder()
	ClientVersionGate("")(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
