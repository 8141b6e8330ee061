// Package gateway talks to the remote card-payment gateway: OAuth token issuance and payment
// submission. Responses are returned as raw JSON so callers can relay them untouched.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/checkout-relay/internal/common"
	"github.com/noah-isme/checkout-relay/internal/config"
	"github.com/noah-isme/checkout-relay/internal/resilience"
)

// Fixed values of the gateway payment request.
const (
	Currency           = "AUD"
	PaymentDescription = "Payment via Fat Zebra SDK"
	PaymentErrorType   = "payment_error"
)

const maxResponseBytes = 1 << 20

// Cardholder names the owner of the card being charged.
type Cardholder struct {
	Name string `json:"name"`
}

// PaymentRequest is the body posted to the gateway payment endpoint.
type PaymentRequest struct {
	Amount      float64    `json:"amount"`
	Currency    string     `json:"currency"`
	Description string     `json:"description"`
	CardToken   string     `json:"card_token"`
	Cardholder  Cardholder `json:"cardholder"`
}

// NewPaymentRequest fills the fixed currency and description.
func NewPaymentRequest(amount float64, cardToken, cardholder string) PaymentRequest {
	return PaymentRequest{
		Amount:      amount,
		Currency:    Currency,
		Description: PaymentDescription,
		CardToken:   cardToken,
		Cardholder:  Cardholder{Name: cardholder},
	}
}

// Client sends requests to the gateway. Token requests are retried on transport errors and 5xx
// answers; payments are sent exactly once.
type Client struct {
	cfg      config.Gateway
	oauth    resilience.HTTPClient
	payments resilience.HTTPClient
}

// NewClient wires the gateway settings to an HTTP client. A nil httpClient gets an
// instrumented default bounded by cfg.Timeout.
func NewClient(cfg config.Gateway, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = HTTPClient(cfg.Timeout)
	}
	attempts := cfg.OAuthMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Client{
		cfg: cfg,
		oauth: resilience.HTTPClient{
			Client:      httpClient,
			Breaker:     resilience.NewBreaker(4, 0.5, 30*time.Second).WithTarget("gateway-oauth"),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: attempts,
			Jitter:      0.2,
			Timeout:     cfg.Timeout,
		},
		payments: resilience.HTTPClient{
			Client:      httpClient,
			Breaker:     resilience.NewBreaker(4, 0.5, 30*time.Second).WithTarget("gateway-payment"),
			MaxAttempts: 1,
			Timeout:     cfg.Timeout,
		},
	}
}

// HTTPClient returns an http.Client with an OpenTelemetry transport.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Settings returns the gateway configuration the client was built with.
func (c *Client) Settings() config.Gateway {
	return c.cfg
}

// WithLogger sets the logger used for breaker transitions outside a request scope.
func (c *Client) WithLogger(logger zerolog.Logger) *Client {
	c.oauth.Breaker.WithLogger(logger)
	c.payments.Breaker.WithLogger(logger)
	return c
}

// BreakerStates reports the state of each upstream circuit, keyed by target.
func (c *Client) BreakerStates() map[string]string {
	return map[string]string{
		"gateway-oauth":   c.oauth.Breaker.State().String(),
		"gateway-payment": c.payments.Breaker.State().String(),
	}
}

// RequestToken exchanges the client credentials for an access token and returns the gateway
// body unmodified.
func (c *Client) RequestToken(ctx context.Context) (json.RawMessage, error) {
	if !c.cfg.OAuthConfigured() {
		return nil, common.Configuration("Missing OAuth credentials")
	}
	payload, err := json.Marshal(map[string]string{
		"access_key":    c.cfg.ClientID,
		"access_secret": c.cfg.ClientSecret,
	})
	if err != nil {
		return nil, common.Internal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OAuthURL, bytes.NewReader(payload))
	if err != nil {
		return nil, common.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.oauth.Do(ctx, req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(err)
	}
	if !isSuccess(resp.StatusCode) {
		return nil, common.Upstream("Failed to obtain OAuth token", resp.StatusCode, string(body), nil)
	}
	if !json.Valid(body) {
		return nil, common.Internal(errors.New("gateway: oauth response is not JSON"))
	}
	return json.RawMessage(body), nil
}

// CreatePayment charges the card token using the bearer access token. Declines and non-JSON
// answers come back as upstream errors tagged payment_error.
func (c *Client) CreatePayment(ctx context.Context, accessToken string, payment PaymentRequest) (json.RawMessage, error) {
	paymentURL := c.cfg.PaymentURL()
	if paymentURL == "" {
		return nil, common.Configuration("Missing API base URL in environment variables")
	}
	payload, err := json.Marshal(payment)
	if err != nil {
		return nil, common.Internal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, paymentURL, bytes.NewReader(payload))
	if err != nil {
		return nil, common.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.payments.Do(ctx, req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(err)
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") || !json.Valid(body) {
		details := string(body)
		if details == "" {
			details = "Unknown error"
		}
		return nil, paymentError(resp.StatusCode, details)
	}
	if !isSuccess(resp.StatusCode) {
		return nil, paymentError(resp.StatusCode, json.RawMessage(body))
	}
	return json.RawMessage(body), nil
}

// AccessToken extracts data.token from an OAuth response body.
func AccessToken(raw json.RawMessage) (string, error) {
	var envelope struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", common.Upstream("Failed to obtain OAuth token", http.StatusBadGateway, "malformed token response", err)
	}
	token := strings.TrimSpace(envelope.Data.Token)
	if token == "" {
		return "", common.Upstream("Failed to obtain OAuth token", http.StatusBadGateway, "token missing from response", nil)
	}
	return token, nil
}

func paymentError(status int, details any) *common.AppError {
	appErr := common.Upstream("Payment failed", status, details, nil)
	appErr.Type = PaymentErrorType
	return appErr
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// transportError classifies failures where no usable answer came back. Timeouts and an open
// breaker are upstream conditions; anything else is unexpected.
func transportError(err error) error {
	switch {
	case errors.Is(err, resilience.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return common.Upstream("Gateway request timed out", http.StatusGatewayTimeout, nil, err)
	case errors.Is(err, resilience.ErrOpenCircuit):
		return common.Upstream("Gateway temporarily unavailable", http.StatusServiceUnavailable, nil, err)
	default:
		return common.Internal(fmt.Errorf("gateway: %w", err))
	}
}
