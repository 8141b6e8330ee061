package checkout

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/noah-isme/checkout-relay/internal/cards"
	"github.com/noah-isme/checkout-relay/internal/verification"
)

// Widget is the hosted card-capture component. Open mounts it for one attempt; the widget
// reports back only through the handlers it was given.
type Widget interface {
	Open(ctx context.Context, cfg WidgetConfig, h Handlers) error
	Close()
}

// Handlers receive widget events for a single attempt. Events delivered after the attempt
// ended are ignored.
type Handlers struct {
	OnTokenizationSuccess func(Event)
	OnTokenizationError   func(Event)
	OnVerificationSuccess func(Event)
	OnVerificationError   func(Event)
}

// Event is the detail carried by a widget event.
type Event struct {
	// Card is filled on tokenisation success.
	Card *cards.Record
	// CardToken and CardHolder may accompany a 3-D Secure outcome.
	CardToken  string
	CardHolder string
	Message    string
}

// ParseEvent decodes the detail of a widget event. Both the flat shape
// {card_token, card_holder} and the nested {data:{token, card_holder, ...}} are accepted.
func ParseEvent(raw json.RawMessage) (Event, error) {
	var detail struct {
		Data           *cards.Record `json:"data"`
		CardToken      string        `json:"card_token"`
		CardHolder     string        `json:"card_holder"`
		CardHolderName string        `json:"card_holder_name"`
		Message        string        `json:"message"`
	}
	if len(raw) == 0 {
		return Event{}, nil
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return Event{}, err
	}
	ev := Event{
		CardToken:  strings.TrimSpace(detail.CardToken),
		CardHolder: firstNonEmpty(detail.CardHolder, detail.CardHolderName),
		Message:    detail.Message,
	}
	if detail.Data != nil && strings.TrimSpace(detail.Data.Token) != "" {
		ev.Card = detail.Data
	}
	return ev, nil
}

func (e Event) token() string {
	if e.CardToken != "" {
		return e.CardToken
	}
	if e.Card != nil {
		return strings.TrimSpace(e.Card.Token)
	}
	return ""
}

func (e Event) holder() string {
	if e.CardHolder != "" {
		return e.CardHolder
	}
	if e.Card != nil {
		return strings.TrimSpace(e.Card.CardHolder)
	}
	return ""
}

// WidgetConfig is what the widget is mounted with.
type WidgetConfig struct {
	Username      string        `json:"username"`
	AccessToken   string        `json:"accessToken"`
	Environment   string        `json:"environment"`
	PaymentIntent PaymentIntent `json:"paymentIntent"`
	Options       WidgetOptions `json:"options"`
	// CardToken is set when verifying a saved card.
	CardToken string `json:"cardToken,omitempty"`
}

// PaymentIntent pairs the intent with its verification hash.
type PaymentIntent struct {
	Payment      verification.Intent `json:"payment"`
	Verification string              `json:"verification"`
}

// WidgetOptions toggles widget behaviour.
type WidgetOptions struct {
	SCAEnabled bool `json:"sca_enabled"`
	IFrame     bool `json:"iframe,omitempty"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
