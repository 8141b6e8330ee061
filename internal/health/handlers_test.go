package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-relay/internal/health"
)

type stubChecker struct {
	redisErr error
}

func (s stubChecker) PingRedis(_ context.Context, _ time.Duration) error {
	return s.redisErr
}

type stubBreakers map[string]string

func (s stubBreakers) BreakerStates() map[string]string { return s }

func ready(t *testing.T, h health.Handler) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func TestLive(t *testing.T) {
	handler := health.Handler{}
	rr := httptest.NewRecorder()
	handler.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadyWithoutRedis(t *testing.T) {
	code, body := ready(t, health.Handler{})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "disabled", body["redis"])
}

func TestReadySuccess(t *testing.T) {
	code, body := ready(t, health.Handler{
		Checker:      stubChecker{},
		Gateway:      stubBreakers{"gateway-oauth": "closed", "gateway-payment": "open"},
		RedisTimeout: 50 * time.Millisecond,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["redis"])
	require.Equal(t, map[string]any{"gateway-oauth": "closed", "gateway-payment": "open"}, body["breakers"])
}

func TestReadyFailure(t *testing.T) {
	code, body := ready(t, health.Handler{Checker: stubChecker{redisErr: errors.New("redis down")}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "redis down", body["redis"])
	require.Equal(t, "unavailable", body["status"])
}
