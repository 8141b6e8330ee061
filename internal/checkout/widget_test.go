package checkout_test

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-relay/internal/checkout"
)

func TestParseEventTokenisation(t *testing.T) {
	ev, err := checkout.ParseEvent(json.RawMessage(`{"data":{
		"token":"tok_123","bin":"411111","card_category":"Credit","card_holder":"Jane Doe",
		"card_number":"411111******1111","card_type":"VISA","successful":true}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Card)
	require.Equal(t, "tok_123", ev.Card.Token)
	require.Equal(t, "411111", ev.Card.Bin)
	require.Equal(t, "Jane Doe", ev.Card.CardHolder)
	require.True(t, ev.Card.Successful)
}

func TestParseEventVerification(t *testing.T) {
	ev, err := checkout.ParseEvent(json.RawMessage(`{"card_token":" tok_9 ","card_holder_name":"Sam"}`))
	require.NoError(t, err)
	require.Nil(t, ev.Card)
	require.Equal(t, "tok_9", ev.CardToken)
	require.Equal(t, "Sam", ev.CardHolder)

	ev, err = checkout.ParseEvent(json.RawMessage(`{"card_holder":"Primary","card_holder_name":"Secondary"}`))
	require.NoError(t, err)
	require.Equal(t, "Primary", ev.CardHolder)
}

func TestParseEventEdgeCases(t *testing.T) {
	ev, err := checkout.ParseEvent(nil)
	require.NoError(t, err)
	require.Equal(t, checkout.Event{}, ev)

	ev, err = checkout.ParseEvent(json.RawMessage(`{"data":{"token":"  "},"message":"declined"}`))
	require.NoError(t, err)
	require.Nil(t, ev.Card, "a card without token is dropped")
	require.Equal(t, "declined", ev.Message)

	_, err = checkout.ParseEvent(json.RawMessage(`{"data":`))
	require.Error(t, err)
}

func TestWidgetConfigJSON(t *testing.T) {
	cfg := checkout.WidgetConfig{
		Username:    "TEST",
		AccessToken: "at",
		Environment: "sandbox",
		Options:     checkout.WidgetOptions{SCAEnabled: true},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotContains(t, decoded, "cardToken")
	require.Equal(t, map[string]any{"sca_enabled": true}, decoded["options"])
}

func TestNewReference(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	pattern := regexp.MustCompile(`^payment_1700000000123_[0-9a-z]{9}$`)

	a := checkout.NewReference(now)
	b := checkout.NewReference(now)
	require.Regexp(t, pattern, a)
	require.Regexp(t, pattern, b)
	require.NotEqual(t, a, b)
}
