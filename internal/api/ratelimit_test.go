package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(2, time.Second, nil)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(600 * time.Millisecond)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	now = now.Add(2 * time.Second)
	rl.Cleanup(time.Second)
	rl.mu.Lock()
	assert.Empty(t, rl.buckets)
	rl.mu.Unlock()
}

func TestRateLimiter_IgnoresClientSuppliedKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour, nil)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(remote, wallet, forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/prescriptions/1/fulfill", nil)
		req.RemoteAddr = remote
		if wallet != "" {
			req.Header.Set(WalletHeader, wallet)
		}
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, send("203.0.113.7:4000", "0xAA", ""))
	// Rotating the wallet or forging X-Forwarded-For does not open a new bucket.
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.7:4001", "0xBB", ""))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.7:4002", "", "198.51.100.1"))
	assert.Equal(t, http.StatusNoContent, send("203.0.113.8:4000", "0xAA", ""))
}

func TestRateLimiter_TrustedProxy(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour, []string{"10.0.0.0/8", "192.0.2.1", "not-an-ip"})
	require.Len(t, rl.proxies, 2)

	tests := []struct {
		name      string
		remote    string
		forwarded []string
		want      string
	}{
		{"untrusted peer", "203.0.113.7:4000", []string{"198.51.100.1"}, "ip:203.0.113.7"},
		{"trusted peer", "10.1.2.3:4000", []string{"198.51.100.1"}, "ip:198.51.100.1"},
		{"spoofed leftmost hop", "10.1.2.3:4000", []string{"1.2.3.4, 198.51.100.1"}, "ip:198.51.100.1"},
		{"proxy chain", "192.0.2.1:4000", []string{"198.51.100.1", "10.9.9.9"}, "ip:198.51.100.1"},
		{"only proxies", "10.1.2.3:4000", []string{"10.4.4.4"}, "ip:10.4.4.4"},
		{"no header", "10.1.2.3:4000", nil, "ip:10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/entities", nil)
			req.RemoteAddr = tt.remote
			for _, f := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", f)
			}
			assert.Equal(t, tt.want, rl.callerKey(req))
		})
	}
}
