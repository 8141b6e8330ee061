package cards

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/checkout-relay/internal/common"
)

// Handler exposes a wallet's saved cards over HTTP. A wallet id is a random UUIDv4 minted by
// CreateWallet and acts as the bearer capability for its cards; other ids are rejected.
type Handler struct {
	Store    *Store
	Validate *validator.Validate
}

type addCardReq struct {
	Token           string `json:"token" validate:"required"`
	Bin             string `json:"bin"`
	CardCategory    string `json:"card_category"`
	CardCountry     string `json:"card_country"`
	CardExpiry      string `json:"card_expiry"`
	CardHolder      string `json:"card_holder"`
	CardIssuer      string `json:"card_issuer"`
	CardNumber      string `json:"card_number" validate:"omitempty,max=19"`
	CardSubcategory string `json:"card_subcategory"`
	CardType        string `json:"card_type"`
	Successful      bool   `json:"successful"`
}

// Routes mounts the handlers on r; the caller supplies the {walletID} prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Add)
	r.Delete("/", h.Clear)
	r.Get("/{token}", h.Get)
	r.Delete("/{token}", h.Remove)
	r.Post("/{token}/touch", h.Touch)
}

type walletResp struct {
	WalletID string `json:"wallet_id"`
}

// CreateWallet mints a new wallet id. Wallets hold no state until a card is added.
func (h *Handler) CreateWallet(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusCreated, map[string]any{"data": walletResp{WalletID: uuid.NewString()}})
}

// List returns the wallet's cards in insertion order.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	store, ok := h.wallet(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": store.List(r.Context())})
}

// Add saves a tokenised card. Adding a known token leaves the existing record untouched.
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	store, ok := h.wallet(w, r)
	if !ok {
		return
	}
	var req addCardReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteError(w, common.Validation("Invalid JSON in request body"))
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if err := h.validator().Struct(req); err != nil {
		common.WriteError(w, common.Validation("token is required", "token"))
		return
	}
	store.Add(r.Context(), Record{
		Token:           req.Token,
		Bin:             req.Bin,
		CardCategory:    req.CardCategory,
		CardCountry:     req.CardCountry,
		CardExpiry:      req.CardExpiry,
		CardHolder:      req.CardHolder,
		CardIssuer:      req.CardIssuer,
		CardNumber:      Mask(req.CardNumber),
		CardSubcategory: req.CardSubcategory,
		CardType:        req.CardType,
		Successful:      req.Successful,
	})
	rec, found := store.Get(r.Context(), req.Token)
	if !found {
		common.JSONError(w, http.StatusServiceUnavailable, "card store unavailable", nil)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": rec})
}

// Get returns one card.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	store, ok := h.wallet(w, r)
	if !ok {
		return
	}
	rec, found := store.Get(r.Context(), chi.URLParam(r, "token"))
	if !found {
		common.JSONError(w, http.StatusNotFound, "card not found", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rec})
}

// Remove deletes one card; removing an unknown token succeeds.
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	store, ok := h.wallet(w, r)
	if !ok {
		return
	}
	store.Remove(r.Context(), chi.URLParam(r, "token"))
	w.WriteHeader(http.StatusNoContent)
}

// Touch marks a card as just used.
func (h *Handler) Touch(w http.ResponseWriter, r *http.Request) {
	store, ok := h.wallet(w, r)
	if !ok {
		return
	}
	store.TouchLastUsed(r.Context(), chi.URLParam(r, "token"))
	w.WriteHeader(http.StatusNoContent)
}

// Clear removes every card of the wallet.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	store, ok := h.wallet(w, r)
	if !ok {
		return
	}
	store.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) wallet(w http.ResponseWriter, r *http.Request) (*Store, bool) {
	if h == nil || h.Store == nil {
		common.WriteError(w, common.Configuration("card store not configured"))
		return nil, false
	}
	id := chi.URLParam(r, "walletID")
	if err := h.validator().Var(id, "required,uuid4"); err != nil {
		common.WriteError(w, common.Validation("walletID must be an id issued by POST /wallets", "walletID"))
		return nil, false
	}
	return h.Store.Namespace(id), true
}

var defaultValidate = validator.New()

func (h *Handler) validator() *validator.Validate {
	if h.Validate == nil {
		return defaultValidate
	}
	return h.Validate
}

// Mask keeps only the trailing four digits of a card number and replaces everything before
// them with '*', whatever masking the input already carries. Spaces and dashes are dropped.
func Mask(number string) string {
	compact := []rune(strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(number)))

	tail := 0
	for i := len(compact) - 1; i >= 0 && tail < 4; i-- {
		if !unicode.IsDigit(compact[i]) {
			break
		}
		tail++
	}
	if tail == len(compact) {
		return string(compact)
	}
	return strings.Repeat("*", len(compact)-tail) + string(compact[len(compact)-tail:])
}
