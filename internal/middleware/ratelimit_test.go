package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shellgate/internal/logging"
)

func TestRateLimiter_BlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, logging.Nop{})

	called := 0
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/app/v1/orders", nil)
		req.RemoteAddr = "10.1.2.3:12345"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("expected first two requests to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request to be limited, got %d", codes[2])
	}
	if called != 2 {
		t.Fatalf("expected next handler to be called twice, got %d", called)
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, nil)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("client %s: expected 200, got %d", addr, rr.Code)
		}
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.limiter("a", time.Now().Add(-time.Hour))
	rl.limiter("b", time.Now())

	if n := rl.Prune(time.Minute); n != 1 {
		t.Fatalf("expected 1 pruned limiter, got %d", n)
	}
	if _, ok := rl.limiters["b"]; !ok {
		t.Fatal("expected recent limiter to be kept")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"RemoteAddr", "192.168.1.2:12345", "", "192.168.1.2"},
		{"BareRemoteAddr", "192.168.1.2", "", "192.168.1.2"},
		{"ForwardedFirst", "10.0.0.1:1", "203.0.113.9, 10.0.0.5", "203.0.113.9"},
		{"BadForwarded", "10.0.0.1:1", "garbage", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(req); got.String() != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, got)
			}
		})
	}
}
