package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type collector struct {
	mu      sync.Mutex
	results []types.LivenessResult
}

func (c *collector) Observe(_ context.Context, r types.LivenessResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

func (c *collector) byWorker(id string) []types.LivenessResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.LivenessResult
	for _, r := range c.results {
		if r.WorkerID == id {
			out = append(out, r)
		}
	}
	return out
}

func TestProberProbesLiveWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	var mu sync.Mutex
	targets := []types.WorkerStatus{
		{ID: "ready", Phase: types.PhaseReady, Address: host},
		{ID: "pending", Phase: types.PhasePending, Address: host},
		{ID: "no-address", Phase: types.PhaseRunning},
	}
	source := func() []types.WorkerStatus {
		mu.Lock()
		defer mu.Unlock()
		return append([]types.WorkerStatus(nil), targets...)
	}

	obs := &collector{}
	p := NewProber(
		Config{Interval: 10 * time.Millisecond, Timeout: time.Second},
		ProbeConfig{Type: CheckTypeHTTP, Port: port, Path: "/healthz", SyncInterval: 10 * time.Millisecond},
		source,
		obs,
	)
	p.Start(context.Background())

	require.Eventually(t, func() bool { return len(obs.byWorker("ready")) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, obs.byWorker("ready")[0].Healthy)
	assert.Empty(t, obs.byWorker("pending"))
	assert.Empty(t, obs.byWorker("no-address"))

	// departed workers stop being probed
	mu.Lock()
	targets = nil
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	n := len(obs.byWorker("ready"))
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(obs.byWorker("ready")), n+1)

	p.Stop()
}

func TestProberRejectsUnknownType(t *testing.T) {
	p := NewProber(Config{}, ProbeConfig{Type: "grpc", Port: 1}, nil, &collector{})
	_, err := p.checkerFor("10.0.0.1")
	assert.Error(t, err)
}
