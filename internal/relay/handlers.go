package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/checkout-relay/internal/common"
	"github.com/noah-isme/checkout-relay/internal/config"
	"github.com/noah-isme/checkout-relay/internal/gateway"
)

// Handler exposes the relay operations over HTTP.
type Handler struct {
	Service *Service
	// Settings feeds the public widget configuration.
	Settings config.Gateway
	// PaymentGuard wraps the payment route, typically with the Idempotency-Key middleware.
	PaymentGuard func(http.Handler) http.Handler
}

type verificationResp struct {
	Verification string `json:"verification"`
}

type checkoutConfigResp struct {
	Username    string `json:"username"`
	Environment string `json:"environment"`
	Currency    string `json:"currency"`
}

// Routes mounts the relay endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/oauth", h.OAuth)
	r.Post("/verification-hash", h.VerificationHash)
	if h.PaymentGuard != nil {
		r.With(h.PaymentGuard).Post("/payment", h.Payment)
	} else {
		r.Post("/payment", h.Payment)
	}
	r.Get("/checkout/config", h.CheckoutConfig)
}

// OAuth relays an access token request.
func (h *Handler) OAuth(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	body, err := h.Service.AcquireAccessToken(r.Context())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.RawJSON(w, http.StatusOK, body)
}

// VerificationHash computes the widget verification hash.
func (h *Handler) VerificationHash(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req HashRequest
	if !decodeBody(w, r, &req) {
		return
	}
	hash, err := h.Service.ComputeVerification(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, verificationResp{Verification: hash})
}

// Payment submits a payment to the gateway and relays its answer.
func (h *Handler) Payment(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var in PaymentInput
	if !decodeBody(w, r, &in) {
		return
	}
	body, err := h.Service.SubmitPayment(r.Context(), in)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.RawJSON(w, http.StatusOK, body)
}

// CheckoutConfig returns the public values a browser needs to mount the widget.
func (h *Handler) CheckoutConfig(w http.ResponseWriter, r *http.Request) {
	env := h.Settings.Environment
	if env == "" {
		env = config.EnvironmentSandbox
	}
	common.JSON(w, http.StatusOK, checkoutConfigResp{
		Username:    h.Settings.Username,
		Environment: env,
		Currency:    gateway.Currency,
	})
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "Internal server error", nil)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
			return false
		}
		common.JSONError(w, http.StatusBadRequest, "Invalid JSON in request body", nil)
		return false
	}
	return true
}
