package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthHandler_HandleHealthz(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	w := httptest.NewRecorder()
	h.HandleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthHandler_HandleReady(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name           string
		checks         []HealthCheck
		expectedStatus int
		check          func(*testing.T, *HealthStatus)
	}{
		{
			name:           "no checks",
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, s *HealthStatus) {
				assert.Equal(t, "healthy", s.Status)
			},
		},
		{
			name:           "all pass",
			checks:         []HealthCheck{CheckFunc{"database", ok}, CheckFunc{"redis", ok}},
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, s *HealthStatus) {
				assert.Len(t, s.Checks, 2)
				assert.Equal(t, "pass", s.Checks["redis"].Status)
			},
		},
		{
			name:           "one fails",
			checks:         []HealthCheck{CheckFunc{"database", ok}, CheckFunc{"redis", down}},
			expectedStatus: http.StatusServiceUnavailable,
			check: func(t *testing.T, s *HealthStatus) {
				assert.Equal(t, "unhealthy", s.Status)
				assert.Equal(t, "fail", s.Checks["redis"].Status)
				assert.Equal(t, "connection refused", s.Checks["redis"].Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(nil)
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}
			w := httptest.NewRecorder()
			h.HandleReady(func() map[string]any { return map[string]any{"open_connections": 3} })(
				w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.EqualValues(t, 3, status.Details["open_connections"])
			tt.check(t, &status)
		})
	}
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(nil)
	w := httptest.NewRecorder()
	h.HandleVersion("1.2.0", "today", "abc")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "abc", resp.Data["git_commit"])
}
