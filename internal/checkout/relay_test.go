package checkout_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-relay/internal/checkout"
	"github.com/noah-isme/checkout-relay/internal/common"
	"github.com/noah-isme/checkout-relay/internal/config"
	"github.com/noah-isme/checkout-relay/internal/gateway"
	"github.com/noah-isme/checkout-relay/internal/obs"
	"github.com/noah-isme/checkout-relay/internal/relay"
	"github.com/noah-isme/checkout-relay/internal/verification"
)

type stubGateway struct {
	mu       sync.Mutex
	payErr   error
	payments []gateway.PaymentRequest
	tokens   []string
}

func (g *stubGateway) RequestToken(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"data":{"token":"at_remote","expires_in":3600}}`), nil
}

func (g *stubGateway) CreatePayment(_ context.Context, accessToken string, p gateway.PaymentRequest) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens = append(g.tokens, accessToken)
	g.payments = append(g.payments, p)
	if g.payErr != nil {
		return nil, g.payErr
	}
	return json.RawMessage(`{"successful":true,"response":{"id":"txn_1"}}`), nil
}

type headerLog struct {
	mu      sync.Mutex
	headers map[string]http.Header
}

func (l *headerLog) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		l.headers[r.URL.Path] = r.Header.Clone()
		l.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (l *headerLog) get(path string) http.Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headers[path]
}

func newRelayServer(t *testing.T, gw *stubGateway, secret string) (*checkout.HTTPRelay, *headerLog) {
	t.Helper()
	svc := relay.NewService(gw, verification.Hasher{Secret: secret}, zerolog.Nop())
	h := &relay.Handler{Service: svc, Settings: config.Gateway{Username: "TEST"}}
	log := &headerLog{headers: map[string]http.Header{}}

	r := chi.NewRouter()
	r.Use(log.middleware)
	r.Route("/api", h.Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return checkout.NewHTTPRelay(srv.URL+"/api/", nil, 2*time.Second), log
}

func TestHTTPRelayAccessToken(t *testing.T) {
	rl, _ := newRelayServer(t, &stubGateway{}, "s3cr3t")

	token, err := rl.AcquireAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "at_remote", token)
}

func TestHTTPRelayVerificationHash(t *testing.T) {
	rl, _ := newRelayServer(t, &stubGateway{}, "s3cr3t")
	ctx := context.Background()

	hash, err := rl.ComputeVerification(ctx, relay.HashRequest{CardToken: "tok_abc123"})
	require.NoError(t, err)
	require.Equal(t, "c7953815feb7369727dae9919711c20a", hash)

	ref, amount, currency := "payment_1", 10.5, "AUD"
	hash, err = rl.ComputeVerification(ctx, relay.HashRequest{
		Payment: &verification.IntentPayload{Reference: &ref, Amount: &amount, Currency: &currency},
	})
	require.NoError(t, err)
	require.Equal(t, "b81667a5192569ecdcc1e9a7271da967", hash)
}

func TestHTTPRelayDecodesValidationErrors(t *testing.T) {
	rl, _ := newRelayServer(t, &stubGateway{}, "s3cr3t")

	_, err := rl.ComputeVerification(context.Background(), relay.HashRequest{})
	require.True(t, common.IsValidation(err))
	require.Equal(t, "Either payment or cardToken must be provided", common.AsAppError(err).Message)

	_, err = rl.SubmitPayment(context.Background(), relay.PaymentInput{Amount: relay.NewAmount(5)})
	require.True(t, common.IsValidation(err))
	appErr := common.AsAppError(err)
	require.Equal(t, "Missing required fields", appErr.Message)
	require.ElementsMatch(t, relay.PaymentFields, appErr.Required)
}

func TestHTTPRelayConfigurationErrorIsNotValidation(t *testing.T) {
	rl, _ := newRelayServer(t, &stubGateway{}, "")

	_, err := rl.ComputeVerification(context.Background(), relay.HashRequest{CardToken: "tok"})
	require.True(t, common.IsUpstream(err))
	appErr := common.AsAppError(err)
	require.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus)
	require.Equal(t, "Missing SHARED_SECRET in environment variables", appErr.Message)
}

func TestHTTPRelayPaymentCarriesAttempt(t *testing.T) {
	gw := &stubGateway{}
	rl, log := newRelayServer(t, gw, "s3cr3t")
	ctx := obs.WithAttemptID(context.Background(), "attempt-42")

	out, err := rl.SubmitPayment(ctx, relay.PaymentInput{
		AccessToken: "at_remote",
		Amount:      relay.NewAmount(12.5),
		Token:       "tok_1",
		Cardholder:  "Jane Doe",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"successful":true,"response":{"id":"txn_1"}}`, string(out))

	headers := log.get("/api/payment")
	require.NotNil(t, headers)
	require.Equal(t, "attempt-42", headers.Get(common.IdempotencyHeader))
	require.Equal(t, "attempt-42", headers.Get(obs.AttemptHeader))

	require.Len(t, gw.payments, 1)
	require.Equal(t, []string{"at_remote"}, gw.tokens)
	require.Equal(t, 12.5, gw.payments[0].Amount)
	require.Equal(t, "tok_1", gw.payments[0].CardToken)
	require.Equal(t, "Jane Doe", gw.payments[0].Cardholder.Name)
	require.Equal(t, gateway.Currency, gw.payments[0].Currency)

	_, err = rl.AcquireAccessToken(ctx)
	require.NoError(t, err)
	oauth := log.get("/api/oauth")
	require.Equal(t, "attempt-42", oauth.Get(obs.AttemptHeader))
	require.Empty(t, oauth.Get(common.IdempotencyHeader))
}

func TestHTTPRelayPaymentDeclined(t *testing.T) {
	declined := common.Upstream("Payment failed", http.StatusUnprocessableEntity, map[string]any{"errors": []string{"Declined"}}, nil)
	declined.Type = gateway.PaymentErrorType
	rl, _ := newRelayServer(t, &stubGateway{payErr: declined}, "s3cr3t")

	_, err := rl.SubmitPayment(context.Background(), relay.PaymentInput{
		AccessToken: "at",
		Amount:      relay.NewAmount(1),
		Token:       "tok",
		Cardholder:  "A",
	})
	require.True(t, common.IsUpstream(err))
	appErr := common.AsAppError(err)
	require.Equal(t, http.StatusUnprocessableEntity, appErr.HTTPStatus)
	require.Equal(t, "Payment failed", appErr.Message)
	require.Equal(t, gateway.PaymentErrorType, appErr.Type)
}

func TestHTTPRelayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rl := checkout.NewHTTPRelay(url, nil, time.Second)
	_, err := rl.AcquireAccessToken(context.Background())
	require.True(t, common.IsUpstream(err))
	require.Equal(t, http.StatusBadGateway, common.AsAppError(err).HTTPStatus)
}

func TestLocalRelayDrivesMachine(t *testing.T) {
	gw := &stubGateway{}
	svc := relay.NewService(gw, verification.Hasher{Secret: "s3cr3t"}, zerolog.Nop())
	widget := &fakeWidget{}
	m := checkout.New(checkout.Options{
		Relay:  checkout.LocalRelay{Service: svc},
		Widget: widget,
		Logger: zerolog.Nop(),
	})

	require.NoError(t, m.SubmitAmount("10.5"))
	require.NoError(t, m.ChooseNewCard(context.Background()))
	cfg, handlers := widget.last(t)
	require.Equal(t, "at_remote", cfg.AccessToken)
	require.Len(t, cfg.PaymentIntent.Verification, 32)
	require.Equal(t, config.EnvironmentSandbox, cfg.Environment)

	handlers.OnVerificationSuccess(checkout.Event{CardToken: "tok_x", CardHolder: "Pat"})
	require.Equal(t, checkout.Complete, m.Snapshot().State)
	require.Len(t, gw.payments, 1)
	require.Equal(t, "at_remote", gw.tokens[0])
}
