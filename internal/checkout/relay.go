package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/checkout-relay/internal/common"
	"github.com/noah-isme/checkout-relay/internal/gateway"
	"github.com/noah-isme/checkout-relay/internal/obs"
	"github.com/noah-isme/checkout-relay/internal/relay"
	"github.com/noah-isme/checkout-relay/internal/resilience"
)

// Relay is the subset of the gateway relay the machine drives.
type Relay interface {
	AcquireAccessToken(ctx context.Context) (string, error)
	ComputeVerification(ctx context.Context, req relay.HashRequest) (string, error)
	SubmitPayment(ctx context.Context, in relay.PaymentInput) (json.RawMessage, error)
}

// LocalRelay calls a relay service in-process.
type LocalRelay struct {
	Service *relay.Service
}

// AcquireAccessToken returns data.token of the OAuth answer.
func (l LocalRelay) AcquireAccessToken(ctx context.Context) (string, error) {
	raw, err := l.Service.AcquireAccessToken(ctx)
	if err != nil {
		return "", err
	}
	return gateway.AccessToken(raw)
}

// ComputeVerification delegates to the service.
func (l LocalRelay) ComputeVerification(ctx context.Context, req relay.HashRequest) (string, error) {
	return l.Service.ComputeVerification(ctx, req)
}

// SubmitPayment delegates to the service.
func (l LocalRelay) SubmitPayment(ctx context.Context, in relay.PaymentInput) (json.RawMessage, error) {
	return l.Service.SubmitPayment(ctx, in)
}

// HTTPRelay calls the relay endpoints of a running server. The payment request carries the
// attempt id as Idempotency-Key so a replayed submission is refused server side.
type HTTPRelay struct {
	BaseURL string
	Client  resilience.HTTPClient
}

// NewHTTPRelay targets baseURL (e.g. http://localhost:8080/api). Requests are not retried.
func NewHTTPRelay(baseURL string, client *http.Client, timeout time.Duration) *HTTPRelay {
	if client == nil {
		client = gateway.HTTPClient(timeout)
	}
	return &HTTPRelay{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  resilience.HTTPClient{Client: client, MaxAttempts: 1, Timeout: timeout},
	}
}

// AcquireAccessToken posts to /oauth and extracts data.token.
func (h *HTTPRelay) AcquireAccessToken(ctx context.Context) (string, error) {
	raw, err := h.post(ctx, "/oauth", nil)
	if err != nil {
		return "", err
	}
	return gateway.AccessToken(raw)
}

// ComputeVerification posts to /verification-hash.
func (h *HTTPRelay) ComputeVerification(ctx context.Context, req relay.HashRequest) (string, error) {
	raw, err := h.post(ctx, "/verification-hash", req)
	if err != nil {
		return "", err
	}
	var out struct {
		Verification string `json:"verification"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Verification == "" {
		return "", common.Upstream("Failed to get verification hash", http.StatusBadGateway, string(raw), err)
	}
	return out.Verification, nil
}

// SubmitPayment posts to /payment.
func (h *HTTPRelay) SubmitPayment(ctx context.Context, in relay.PaymentInput) (json.RawMessage, error) {
	return h.post(ctx, "/payment", in)
}

func (h *HTTPRelay) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, common.Internal(err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+path, reader)
	if err != nil {
		return nil, common.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if attempt := obs.AttemptIDFromContext(ctx); attempt != "" {
		req.Header.Set(obs.AttemptHeader, attempt)
		if path == "/payment" {
			req.Header.Set(common.IdempotencyHeader, attempt)
		}
	}

	resp, err := h.Client.Do(ctx, req)
	if err != nil {
		return nil, relayTransportError(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, relayTransportError(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(data), nil
	}
	return nil, decodeRelayError(resp.StatusCode, data)
}

// decodeRelayError rebuilds the error kind from the relay's status and body.
func decodeRelayError(status int, data []byte) error {
	var body common.ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body = common.ErrorBody{Error: http.StatusText(status), Details: string(data)}
	}
	if status == http.StatusBadRequest {
		appErr := common.Validation(body.Error, body.Required...)
		appErr.Details = body.Details
		return appErr
	}
	appErr := common.Upstream(body.Error, status, body.Details, nil)
	appErr.Type = body.Type
	return appErr
}

func relayTransportError(err error) error {
	switch {
	case errors.Is(err, resilience.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return common.Upstream("Request timed out", http.StatusGatewayTimeout, nil, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return common.Upstream("Relay unreachable", http.StatusBadGateway, nil, err)
	}
}
