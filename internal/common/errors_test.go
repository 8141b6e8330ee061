package common_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-relay/internal/common"
)

func TestErrorKinds(t *testing.T) {
	validation := common.Validation("Missing required fields", "accessToken", "amount")
	require.True(t, common.IsValidation(validation))
	require.False(t, common.IsUpstream(validation))
	require.Equal(t, http.StatusBadRequest, validation.HTTPStatus)

	wrapped := fmt.Errorf("relay: %w", common.Configuration("Missing SHARED_SECRET"))
	require.True(t, common.IsConfiguration(wrapped))

	upstream := common.Upstream("Payment failed", 0, nil, nil)
	require.Equal(t, http.StatusBadGateway, upstream.HTTPStatus)

	plain := errors.New("boom")
	converted := common.AsAppError(plain)
	require.Equal(t, common.CodeInternal, converted.Code)
	require.ErrorIs(t, converted, plain)
}

func TestWriteErrorShapes(t *testing.T) {
	t.Run("validation lists required fields", func(t *testing.T) {
		rec := httptest.NewRecorder()
		common.WriteError(rec, common.Validation("Missing required fields", "token", "cardholder"))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body common.ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "Missing required fields", body.Error)
		require.Equal(t, []string{"token", "cardholder"}, body.Required)
	})

	t.Run("upstream keeps status and details", func(t *testing.T) {
		appErr := common.Upstream("Payment failed", http.StatusUnprocessableEntity, map[string]any{"errors": []string{"declined"}}, nil)
		appErr.Type = "payment_error"
		rec := httptest.NewRecorder()
		common.WriteError(rec, appErr)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "payment_error", body["type"])
		require.NotNil(t, body["details"])
	})

	t.Run("internal hides cause", func(t *testing.T) {
		rec := httptest.NewRecorder()
		common.WriteError(rec, errors.New("database password is hunter2"))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.NotContains(t, rec.Body.String(), "hunter2")
	})
}
