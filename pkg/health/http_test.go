package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		delay   time.Duration
		timeout time.Duration
		healthy bool
	}{
		{"ok", http.StatusOK, 0, time.Second, true},
		{"redirect counts as healthy", http.StatusFound, 0, time.Second, true},
		{"server error", http.StatusInternalServerError, 0, time.Second, false},
		{"timeout", http.StatusOK, 200 * time.Millisecond, 50 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(tt.delay)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			checker := NewHTTPChecker(server.URL, tt.timeout)
			// do not follow the redirect
			checker.Client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

			res := checker.Check(context.Background())
			assert.Equal(t, tt.healthy, res.Healthy, res.Message)
			assert.Positive(t, res.Duration)
			assert.Equal(t, CheckTypeHTTP, checker.Type())
		})
	}
}

func TestHTTPCheckerCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, NewHTTPChecker(server.URL, time.Second).Check(ctx).Healthy)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	checker := NewTCPChecker(addr, time.Second)
	assert.True(t, checker.Check(context.Background()).Healthy)
	assert.Equal(t, CheckTypeTCP, checker.Type())

	require.NoError(t, ln.Close())
	assert.False(t, checker.Check(context.Background()).Healthy)
}
