package cards_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-relay/internal/cards"
)

type cardsResponse struct {
	Data []cards.Record `json:"data"`
}

type cardResponse struct {
	Data cards.Record `json:"data"`
}

type walletResponse struct {
	Data struct {
		WalletID string `json:"wallet_id"`
	} `json:"data"`
}

func newCardsRouter() http.Handler {
	handler := &cards.Handler{Store: cards.NewStore(cards.NewMemoryBackend(), "", zerolog.Nop())}
	r := chi.NewRouter()
	r.Post("/wallets", handler.CreateWallet)
	r.Route("/wallets/{walletID}/cards", handler.Routes)
	return r
}

func TestCardHandlersLifecycle(t *testing.T) {
	router := newCardsRouter()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	newWallet := func() string {
		rec := do(http.MethodPost, "/wallets", "")
		require.Equal(t, http.StatusCreated, rec.Code)
		var resp walletResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`, resp.Data.WalletID)
		return "/wallets/" + resp.Data.WalletID + "/cards"
	}
	w1, w2 := newWallet(), newWallet()
	require.NotEqual(t, w1, w2)

	rec := do(http.MethodPost, w1, `{"token":"tok_1","card_number":"411111XXXXXX1111","card_holder":"Jane"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created cardResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "************1111", created.Data.CardNumber)
	require.NotNil(t, created.Data.LastUsed)

	rec = do(http.MethodPost, w1, `{"card_holder":"Jane"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodGet, w1, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list cardsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)

	rec = do(http.MethodGet, w2, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Empty(t, list.Data)

	rec = do(http.MethodPost, w1+"/tok_1/touch", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(http.MethodGet, w1+"/tok_1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(http.MethodDelete, w1+"/tok_1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(http.MethodGet, w1+"/tok_1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	do(http.MethodPost, w1, `{"token":"tok_2"}`)
	rec = do(http.MethodDelete, w1, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(http.MethodGet, w1, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Empty(t, list.Data)
}

func TestCardHandlersRejectGuessableWallets(t *testing.T) {
	router := newCardsRouter()

	for _, id := range []string{
		"w1",
		"1",
		"00000000-0000-1000-8000-000000000000",
		"3F2504E0-4F89-41D3-9A0C-0305E82C3301",
	} {
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			req := httptest.NewRequest(method, "/wallets/"+id+"/cards", strings.NewReader(`{"token":"tok_1"}`))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", method, id)
		}
	}
}
