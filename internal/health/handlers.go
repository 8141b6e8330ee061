package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// BreakerReporter exposes the state of the upstream circuit breakers.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	// Checker is nil when the service runs without Redis.
	Checker      Checker
	Gateway      BreakerReporter
	RedisTimeout time.Duration
}

var draining atomic.Bool

// SetReady flips the readiness flag. The server clears it when shutdown begins so load
// balancers stop routing new checkouts before connections drain.
func SetReady(ready bool) {
	draining.Store(!ready)
}

type readyResp struct {
	Status   string            `json:"status"`
	Redis    string            `json:"redis"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes. An open breaker is reported but does
// not fail readiness; the relay answers such requests itself.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := readyResp{Status: "ok", Redis: "disabled"}
	code := http.StatusOK
	if h.Checker != nil {
		resp.Redis = "ok"
		if err := h.Checker.PingRedis(r.Context(), h.redisTimeout()); err != nil {
			resp.Redis = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	if h.Gateway != nil {
		resp.Breakers = h.Gateway.BreakerStates()
	}
	if draining.Load() {
		resp.Status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
