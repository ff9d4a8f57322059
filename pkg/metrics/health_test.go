package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"no components", nil, "healthy"},
		{"all healthy", map[string]bool{ComponentAPI: true, ComponentBackend: true}, "healthy"},
		{"one unhealthy", map[string]bool{ComponentAPI: true, ComponentBackend: false}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, ok := range tt.components {
				UpdateComponent(name, ok, "msg")
			}
			h := GetHealth()
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Components, len(tt.components))
		})
	}
}

func TestGetHealthReportsMessage(t *testing.T) {
	resetHealth(t)
	SetVersion("1.2.3")
	UpdateComponent(ComponentBackend, false, "apiserver unreachable")

	h := GetHealth()
	assert.Equal(t, "unhealthy: apiserver unreachable", h.Components[ComponentBackend])
	assert.Equal(t, "1.2.3", h.Version)
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all critical ready", map[string]bool{ComponentAPI: true, ComponentBackend: true, ComponentReconciler: true}, "ready"},
		{"critical missing", map[string]bool{ComponentAPI: true}, "not_ready"},
		{"critical unhealthy", map[string]bool{ComponentAPI: true, ComponentBackend: true, ComponentReconciler: false}, "not_ready"},
		{"non-critical unhealthy", map[string]bool{ComponentAPI: true, ComponentBackend: true, ComponentReconciler: true, ComponentRegistry: false}, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, ok := range tt.components {
				UpdateComponent(name, ok, "")
			}
			r := GetReadiness()
			assert.Equal(t, tt.want, r.Status)
			if tt.want != "ready" {
				assert.NotEmpty(t, r.Message)
			}
		})
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents(ComponentRegistry)
	UpdateComponent(ComponentRegistry, true, "")
	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		healthy bool
		code    int
		status  string
	}{
		{"health ok", HealthHandler(), true, http.StatusOK, "healthy"},
		{"health failing", HealthHandler(), false, http.StatusServiceUnavailable, "unhealthy"},
		{"ready ok", ReadyHandler(), true, http.StatusOK, "ready"},
		{"ready failing", ReadyHandler(), false, http.StatusServiceUnavailable, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			SetCriticalComponents(ComponentAPI)
			UpdateComponent(ComponentAPI, tt.healthy, "down")

			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.status, body.Status)
		})
	}
}
