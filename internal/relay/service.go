// Package relay fronts the payment gateway with three stateless operations: access token
// acquisition, verification hash computation and payment submission. Every failure leaves an
// operation as one of the four common error kinds; nothing escapes as a panic.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/checkout-relay/internal/common"
	"github.com/noah-isme/checkout-relay/internal/gateway"
	"github.com/noah-isme/checkout-relay/internal/obs"
	"github.com/noah-isme/checkout-relay/internal/verification"
)

// Operation names used for metrics, spans and logs.
const (
	OpAccessToken  = "oauth"
	OpVerification = "verification_hash"
	OpPayment      = "payment"
)

// PaymentFields lists the fields a payment submission must carry.
var PaymentFields = []string{"accessToken", "amount", "token", "cardholder"}

// Gateway is the upstream the relay forwards to.
type Gateway interface {
	RequestToken(ctx context.Context) (json.RawMessage, error)
	CreatePayment(ctx context.Context, accessToken string, payment gateway.PaymentRequest) (json.RawMessage, error)
}

// HashRequest is the body of a verification hash request.
type HashRequest struct {
	Payment   *verification.IntentPayload `json:"payment,omitempty"`
	CardToken string                      `json:"cardToken,omitempty"`
}

// Amount accepts a JSON number or a numeric string and remembers whether it was sent at all.
type Amount struct {
	Value   float64
	Present bool
	Numeric bool
}

// NewAmount builds a present, numeric amount.
func NewAmount(v float64) Amount {
	return Amount{Value: v, Present: true, Numeric: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

// UnmarshalJSON records presence and coerces strings. Values that are neither numbers nor
// numeric strings decode without error and fail validation later.
func (a *Amount) UnmarshalJSON(data []byte) error {
	*a = Amount{Present: true}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	var v float64
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		v = parsed
	} else if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil
	}
	*a = NewAmount(v)
	return nil
}

// MarshalJSON writes the numeric value, or null when absent.
func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.Present || !a.Numeric {
		return []byte("null"), nil
	}
	return json.Marshal(a.Value)
}

// PaymentInput is the body of a payment submission.
type PaymentInput struct {
	AccessToken string `json:"accessToken" validate:"required"`
	Amount      Amount `json:"amount"`
	Token       string `json:"token" validate:"required"`
	Cardholder  string `json:"cardholder" validate:"required"`
}

// Service implements the relay operations.
type Service struct {
	Gateway  Gateway
	Hasher   verification.Hasher
	Logger   zerolog.Logger
	Validate *validator.Validate
}

var defaultValidate = validator.New()

// NewService builds a relay over the gateway client and hasher.
func NewService(gw Gateway, hasher verification.Hasher, logger zerolog.Logger) *Service {
	return &Service{Gateway: gw, Hasher: hasher, Logger: logger, Validate: defaultValidate}
}

// AcquireAccessToken requests an OAuth token and returns the gateway body unmodified.
func (s *Service) AcquireAccessToken(ctx context.Context) (json.RawMessage, error) {
	var body json.RawMessage
	err := s.run(ctx, OpAccessToken, func(ctx context.Context) error {
		if s.Gateway == nil {
			return common.Configuration("Missing OAuth credentials")
		}
		raw, err := s.Gateway.RequestToken(ctx)
		if err != nil {
			return err
		}
		body = raw
		return nil
	})
	return body, err
}

// ComputeVerification hashes the card token or the payment intent with the shared secret.
func (s *Service) ComputeVerification(ctx context.Context, req HashRequest) (string, error) {
	var hash string
	err := s.run(ctx, OpVerification, func(ctx context.Context) error {
		// an unconfigured secret outranks a bad request
		if s.Hasher.Secret == "" {
			return common.Configuration("Missing SHARED_SECRET in environment variables")
		}
		input, err := verification.ParseRequest(req.Payment, req.CardToken)
		if err != nil {
			return err
		}
		hash, err = s.Hasher.Compute(input)
		return err
	})
	return hash, err
}

// SubmitPayment validates the submission and charges the card. Invalid input never reaches
// the gateway.
func (s *Service) SubmitPayment(ctx context.Context, in PaymentInput) (json.RawMessage, error) {
	var body json.RawMessage
	err := s.run(ctx, OpPayment, func(ctx context.Context) error {
		if err := s.validatePayment(in); err != nil {
			return err
		}
		if s.Gateway == nil {
			return common.Configuration("Missing API base URL in environment variables")
		}
		raw, err := s.Gateway.CreatePayment(ctx, in.AccessToken, gateway.NewPaymentRequest(in.Amount.Value, in.Token, in.Cardholder))
		if err != nil {
			return err
		}
		body = raw
		return nil
	})
	return body, err
}

func (s *Service) validatePayment(in PaymentInput) error {
	validate := s.Validate
	if validate == nil {
		validate = defaultValidate
	}
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return common.Internal(err)
		}
		return common.Validation("Missing required fields", PaymentFields...)
	}
	if !in.Amount.Present {
		return common.Validation("Missing required fields", PaymentFields...)
	}
	if !in.Amount.Numeric || in.Amount.Value <= 0 {
		return common.Validation("Amount must be a positive number")
	}
	return nil
}

// run executes fn inside a span, converts panics and foreign errors into internal errors and
// records the outcome.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	ctx, span := obs.StartSpan(ctx, "relay", "relay."+op, attribute.String("relay.operation", op))
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = common.Internal(fmt.Errorf("relay %s panic: %v", op, rec))
		}
		var appErr *common.AppError
		if err != nil {
			appErr = common.AsAppError(err)
			err = appErr
		}
		elapsed := time.Since(start)
		obs.ObserveRelayOperation(op, resultLabel(appErr), elapsed)
		s.logOutcome(ctx, op, appErr, elapsed)
		if appErr != nil {
			span.SetAttributes(attribute.String("relay.error_code", appErr.Code), attribute.Int("relay.status", appErr.HTTPStatus))
		}
		obs.EndSpan(span, err)
	}()
	return fn(ctx)
}

func (s *Service) logOutcome(ctx context.Context, op string, appErr *common.AppError, elapsed time.Duration) {
	logger := s.loggerFor(ctx)
	var evt *zerolog.Event
	switch {
	case appErr == nil:
		evt = logger.Debug()
	case appErr.Code == common.CodeInternal:
		evt = logger.Error().Err(appErr.Err)
	case appErr.Code == common.CodeValidation:
		evt = logger.Info().Str("error", appErr.Message)
	default:
		evt = logger.Warn().Str("error", appErr.Message).Int("status", appErr.HTTPStatus)
	}
	evt.Str("operation", op).Str("result", resultLabel(appErr)).Dur("elapsed", elapsed).Msg("relay_operation")
}

func (s *Service) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.Logger
}

func resultLabel(appErr *common.AppError) string {
	if appErr == nil {
		return "ok"
	}
	switch appErr.Code {
	case common.CodeValidation:
		return "validation_error"
	case common.CodeConfiguration:
		return "configuration_error"
	case common.CodeUpstream:
		return "upstream_error"
	default:
		return "internal_error"
	}
}
