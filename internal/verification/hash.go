// Package verification computes the integrity hash the hosted card widget expects alongside a
// payment intent or an existing card token.
package verification

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // fixed by the gateway contract
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/noah-isme/checkout-relay/internal/common"
)

// Input is the value a verification hash binds to. It is either a CardToken or an Intent.
type Input interface {
	message() (string, error)
}

// CardToken selects the existing-card path: the hash covers the token bytes exactly as given.
type CardToken string

func (t CardToken) message() (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", common.Validation("Either payment or cardToken must be provided")
	}
	return string(t), nil
}

// Intent selects the new-card path: the hash covers reference, amount and currency.
type Intent struct {
	Reference string  `json:"reference"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// Complete reports whether every field of the intent is usable.
func (i Intent) Complete() bool {
	return strings.TrimSpace(i.Reference) != "" && i.Amount > 0 && strings.TrimSpace(i.Currency) != ""
}

func (i Intent) message() (string, error) {
	if !i.Complete() {
		return "", common.Validation("payment requires reference, a positive amount and currency")
	}
	return i.Reference + ":" + FormatAmount(i.Amount) + ":" + i.Currency, nil
}

// FormatAmount renders the amount as its shortest decimal form, without currency formatting.
func FormatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

// Hasher signs inputs with the shared secret issued by the gateway.
type Hasher struct {
	Secret string
}

// Compute returns the lowercase hex HMAC-MD5 of the input.
func (h Hasher) Compute(input Input) (string, error) {
	if h.Secret == "" {
		return "", common.Configuration("Missing SHARED_SECRET in environment variables")
	}
	if input == nil {
		return "", common.Validation("Either payment or cardToken must be provided")
	}
	msg, err := input.message()
	if err != nil {
		return "", err
	}
	mac := hmac.New(md5.New, []byte(h.Secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// IntentPayload is the wire form of an intent; pointers distinguish absent from zero.
type IntentPayload struct {
	Reference *string  `json:"reference"`
	Amount    *float64 `json:"amount"`
	Currency  *string  `json:"currency"`
}

// UnmarshalJSON accepts the amount as a JSON number or a numeric string. Any other amount
// decodes as absent and fails validation.
func (p *IntentPayload) UnmarshalJSON(data []byte) error {
	var wire struct {
		Reference *string         `json:"reference"`
		Amount    json.RawMessage `json:"amount"`
		Currency  *string         `json:"currency"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*p = IntentPayload{Reference: wire.Reference, Currency: wire.Currency, Amount: parseAmount(wire.Amount)}
	return nil
}

func parseAmount(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return nil
		}
		v = parsed
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func (p *IntentPayload) intent() (Intent, bool) {
	if p == nil || p.Reference == nil || p.Amount == nil || p.Currency == nil {
		return Intent{}, false
	}
	in := Intent{Reference: *p.Reference, Amount: *p.Amount, Currency: *p.Currency}
	return in, in.Complete()
}

// ParseRequest builds an Input from the request shape {payment?, cardToken?}. A supplied but
// incomplete payment is rejected even when a card token accompanies it.
func ParseRequest(payment *IntentPayload, cardToken string) (Input, error) {
	hasToken := strings.TrimSpace(cardToken) != ""
	if payment == nil && !hasToken {
		return nil, common.Validation("Either payment or cardToken must be provided")
	}
	var intent Intent
	if payment != nil {
		var ok bool
		intent, ok = payment.intent()
		if !ok {
			return nil, common.Validation("payment requires reference, a positive amount and currency")
		}
	}
	if hasToken {
		return CardToken(cardToken), nil
	}
	return intent, nil
}
