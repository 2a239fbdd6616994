package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"BatchLedger/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, handler http.HandlerFunc) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

// ===== Test: Liveness =====

func TestLiveness_AlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()
	code, body := probe(t, h.LivenessHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])
}

// ===== Test: Readiness =====

func TestReadiness_RequiresRecovery(t *testing.T) {
	h := observability.NewHealthChecker()

	code, body := probe(t, h.ReadinessHandler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "recovering", body["reason"])

	h.SetReady(true)
	code, body = probe(t, h.ReadinessHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
}

func TestReadiness_FailingCheck(t *testing.T) {
	h := observability.NewHealthChecker()
	h.SetReady(true)
	h.AddCheck("postgres", func(context.Context) error { return nil })
	h.AddCheck("nats", func(context.Context) error { return errors.New("disconnected") })

	code, body := probe(t, h.ReadinessHandler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	checks, ok := body["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "disconnected", checks["nats"])
	assert.NotContains(t, checks, "postgres")

	h.AddCheck("nats", func(context.Context) error { return nil })
	assert.Empty(t, h.Probe(context.Background()))
}
