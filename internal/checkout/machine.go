// Package checkout drives a shopper through amount entry, card selection, hosted-widget
// verification and payment submission.
//
// A Machine owns one checkout session. Each trip through the widget is an attempt with its own
// id; widget events and upstream answers that belong to an attempt which is no longer current
// are dropped, so a cancelled or superseded attempt can never submit a payment.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-relay/internal/cards"
	"github.com/noah-isme/checkout-relay/internal/common"
	"github.com/noah-isme/checkout-relay/internal/config"
	"github.com/noah-isme/checkout-relay/internal/gateway"
	"github.com/noah-isme/checkout-relay/internal/obs"
	"github.com/noah-isme/checkout-relay/internal/relay"
	"github.com/noah-isme/checkout-relay/internal/verification"
)

// State is a step of the checkout flow.
type State string

// Checkout states.
const (
	AmountEntry   State = "amount_entry"
	CardSelection State = "card_selection"
	CardCapture   State = "card_capture"
	Processing    State = "processing"
	Complete      State = "complete"
	// Failed is passed through on the way back to CardSelection.
	Failed State = "failed"
)

var (
	// ErrInvalidState is returned when an operation does not apply to the current state.
	ErrInvalidState = errors.New("checkout: operation not allowed in current state")
	// ErrBusy is returned while an attempt is still being prepared.
	ErrBusy = errors.New("checkout: a step is already in progress")
	// ErrStaleAttempt is returned when the attempt was cancelled or replaced mid-flight.
	ErrStaleAttempt = errors.New("checkout: attempt is no longer current")
)

// DefaultStepTimeout bounds each upstream call.
const DefaultStepTimeout = 30 * time.Second

// DefaultCardholder is used when no cardholder name is known.
const DefaultCardholder = "Customer"

const (
	msgInvalidAmount      = "Please enter a valid amount"
	msgSelectCard         = "Please select a card"
	msgCardNotFound       = "Selected card is no longer saved"
	msgTokenFailed        = "Failed to obtain access token"
	msgHashFailed         = "Failed to get verification hash"
	msgWidgetFailed       = "Unable to load the card form"
	msgTokenizationFailed = "Card tokenization failed. Please try again."
	msg3DSFailed          = "3DS authentication failed. Please try again."
	msgMissingCardToken   = "Card token missing from verification result"
	msgPaymentFailed      = "Payment failed"
	msgTimeout            = "Request timed out"
)

// Callbacks report machine outcomes to the host. They run outside the machine lock.
type Callbacks struct {
	OnError      func(message string)
	OnComplete   func(result json.RawMessage)
	OnTransition func(from, to State)
}

// Options configures a Machine.
type Options struct {
	Relay       Relay
	Store       *cards.Store
	Widget      Widget
	Username    string
	Environment string
	StepTimeout time.Duration
	Callbacks   Callbacks
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Snapshot is a point-in-time copy of the machine's session.
type Snapshot struct {
	State        State         `json:"state"`
	Amount       float64       `json:"amount"`
	SelectedCard *cards.Record `json:"selectedCard,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
	AttemptID    string        `json:"attemptId,omitempty"`
	Widget       *WidgetConfig `json:"widget,omitempty"`
}

type captureMode int

const (
	modeNone captureMode = iota
	modeNewCard
	modeSavedCard
)

// Machine is the checkout state machine. It is safe for concurrent use; upstream calls run
// without holding the lock.
type Machine struct {
	opts Options

	mu          sync.Mutex
	state       State
	amount      float64
	selected    *cards.Record
	lastErr     string
	attempt     string
	preparing   bool
	mode        captureMode
	accessToken string
	widgetCfg   *WidgetConfig
	tokenised   *cards.Record
}

// New returns a machine in AmountEntry.
func New(opts Options) *Machine {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.Environment == "" {
		opts.Environment = config.EnvironmentSandbox
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{opts: opts, state: AmountEntry}
}

type effects []func()

func (fx *effects) add(fn func()) { *fx = append(*fx, fn) }

func (fx effects) run() {
	for _, fn := range fx {
		fn()
	}
}

// locked runs fn under the lock and then the side effects it queued.
func (m *Machine) locked(fn func(fx *effects) error) error {
	var fx effects
	m.mu.Lock()
	err := fn(&fx)
	m.mu.Unlock()
	fx.run()
	return err
}

// Snapshot returns a copy of the session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{State: m.state, Amount: m.amount, LastError: m.lastErr, AttemptID: m.attempt}
	if m.selected != nil {
		c := *m.selected
		snap.SelectedCard = &c
	}
	if m.widgetCfg != nil {
		c := *m.widgetCfg
		snap.Widget = &c
	}
	return snap
}

// SavedCards lists the cards the shopper can pick from.
func (m *Machine) SavedCards(ctx context.Context) []cards.Record {
	return m.opts.Store.List(ctx)
}

// SubmitAmount accepts the amount typed by the shopper and moves to card selection.
func (m *Machine) SubmitAmount(raw string) error {
	return m.locked(func(fx *effects) error {
		if m.state != AmountEntry {
			return invalidState("submit amount", m.state)
		}
		amount, err := parseAmount(raw)
		if err != nil {
			m.reportLocked(msgInvalidAmount, fx)
			return err
		}
		m.amount = amount
		m.lastErr = ""
		m.transitionLocked(CardSelection, fx)
		return nil
	})
}

// ChangeAmount returns to amount entry.
func (m *Machine) ChangeAmount() error {
	return m.locked(func(fx *effects) error {
		if m.state != CardSelection {
			return invalidState("change amount", m.state)
		}
		if m.preparing {
			return ErrBusy
		}
		m.selected = nil
		m.transitionLocked(AmountEntry, fx)
		return nil
	})
}

// SelectSavedCard marks a saved card for payment.
func (m *Machine) SelectSavedCard(ctx context.Context, token string) error {
	if err := m.locked(func(*effects) error { return m.selectableLocked() }); err != nil {
		return err
	}
	rec, ok := m.opts.Store.Get(ctx, strings.TrimSpace(token))
	return m.locked(func(fx *effects) error {
		if err := m.selectableLocked(); err != nil {
			return err
		}
		if !ok {
			m.reportLocked(msgCardNotFound, fx)
			return common.Validation(msgCardNotFound)
		}
		m.selected = &rec
		m.lastErr = ""
		return nil
	})
}

func (m *Machine) selectableLocked() error {
	if m.state != CardSelection {
		return invalidState("select card", m.state)
	}
	if m.preparing {
		return ErrBusy
	}
	return nil
}

// ChooseNewCard prepares an attempt with a fresh payment intent and opens the widget for card
// entry. The token and hash steps must both succeed before the widget opens.
func (m *Machine) ChooseNewCard(ctx context.Context) error {
	start, err := m.beginAttempt("choose new card", modeNewCard)
	if err != nil {
		return err
	}
	ctx = obs.WithAttemptID(ctx, start.id)

	accessToken, err := m.acquireToken(ctx, start.id)
	if err != nil {
		return err
	}
	intent := verification.Intent{
		Reference: NewReference(m.opts.Now()),
		Amount:    start.amount,
		Currency:  gateway.Currency,
	}
	hash, err := m.computeHash(ctx, start.id, relay.HashRequest{Payment: intentPayload(intent)})
	if err != nil {
		return err
	}
	return m.enterCapture(ctx, start.id, WidgetConfig{
		Username:      m.opts.Username,
		AccessToken:   accessToken,
		Environment:   m.opts.Environment,
		PaymentIntent: PaymentIntent{Payment: intent, Verification: hash},
		Options:       WidgetOptions{SCAEnabled: true},
	})
}

// PayWithSelected prepares an attempt for the selected saved card and opens the widget for
// 3-D Secure verification. The hash covers the card token only.
func (m *Machine) PayWithSelected(ctx context.Context) error {
	start, err := m.beginAttempt("pay with selected card", modeSavedCard)
	if err != nil {
		return err
	}
	ctx = obs.WithAttemptID(ctx, start.id)

	accessToken, err := m.acquireToken(ctx, start.id)
	if err != nil {
		return err
	}
	hash, err := m.computeHash(ctx, start.id, relay.HashRequest{CardToken: start.card.Token})
	if err != nil {
		return err
	}
	return m.enterCapture(ctx, start.id, WidgetConfig{
		Username:    m.opts.Username,
		AccessToken: accessToken,
		Environment: m.opts.Environment,
		PaymentIntent: PaymentIntent{
			Payment: verification.Intent{
				Reference: NewReference(m.opts.Now()),
				Amount:    start.amount,
				Currency:  gateway.Currency,
			},
			Verification: hash,
		},
		Options:   WidgetOptions{SCAEnabled: true, IFrame: true},
		CardToken: start.card.Token,
	})
}

// Cancel leaves the widget and discards the attempt. Answers still in flight for it are
// ignored when they arrive.
func (m *Machine) Cancel() error {
	return m.locked(func(fx *effects) error {
		switch {
		case m.state == CardCapture:
			m.closeWidget(fx)
			m.logger().Info().Msg("checkout_attempt_cancelled")
			m.discardLocked()
			m.transitionLocked(CardSelection, fx)
		case m.state == CardSelection && m.preparing:
			m.logger().Info().Msg("checkout_attempt_cancelled")
			m.discardLocked()
		default:
			return invalidState("cancel", m.state)
		}
		return nil
	})
}

// Reset starts a new checkout after a completed payment.
func (m *Machine) Reset() error {
	return m.locked(func(fx *effects) error {
		if m.state != Complete {
			return invalidState("reset", m.state)
		}
		m.amount = 0
		m.selected = nil
		m.lastErr = ""
		m.discardLocked()
		m.transitionLocked(AmountEntry, fx)
		return nil
	})
}

type attemptStart struct {
	id     string
	amount float64
	card   *cards.Record
}

func (m *Machine) beginAttempt(op string, mode captureMode) (attemptStart, error) {
	var start attemptStart
	err := m.locked(func(fx *effects) error {
		if m.state != CardSelection {
			return invalidState(op, m.state)
		}
		if m.preparing {
			return ErrBusy
		}
		if mode == modeNewCard {
			m.selected = nil
		}
		if mode == modeSavedCard && m.selected == nil {
			m.reportLocked(msgSelectCard, fx)
			return common.Validation(msgSelectCard)
		}
		if m.opts.Relay == nil {
			return common.Configuration("checkout relay not configured")
		}
		m.discardLocked()
		m.attempt = uuid.NewString()
		m.preparing = true
		m.mode = mode
		m.lastErr = ""
		start = attemptStart{id: m.attempt, amount: m.amount}
		if m.selected != nil {
			c := *m.selected
			start.card = &c
		}
		m.logger().Info().Str("op", op).Msg("checkout_attempt_started")
		return nil
	})
	return start, err
}

func (m *Machine) acquireToken(ctx context.Context, attempt string) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, m.opts.StepTimeout)
	token, err := m.opts.Relay.AcquireAccessToken(stepCtx)
	cancel()
	if err != nil {
		return "", m.abortPreparation(attempt, msgTokenFailed, err)
	}
	if !m.isCurrent(attempt) {
		return "", ErrStaleAttempt
	}
	return token, nil
}

func (m *Machine) computeHash(ctx context.Context, attempt string, req relay.HashRequest) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, m.opts.StepTimeout)
	hash, err := m.opts.Relay.ComputeVerification(stepCtx, req)
	cancel()
	if err != nil {
		return "", m.abortPreparation(attempt, msgHashFailed, err)
	}
	if !m.isCurrent(attempt) {
		return "", ErrStaleAttempt
	}
	return hash, nil
}

func (m *Machine) isCurrent(attempt string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return attempt != "" && m.attempt == attempt
}

// abortPreparation ends an attempt that failed before the widget opened. The machine stays in
// CardSelection.
func (m *Machine) abortPreparation(attempt, msg string, cause error) error {
	return m.locked(func(fx *effects) error {
		if m.attempt != attempt {
			return ErrStaleAttempt
		}
		m.logger().Warn().Err(cause).Msg(msg)
		m.discardLocked()
		m.reportLocked(failureMessage(msg, cause), fx)
		return cause
	})
}

func (m *Machine) enterCapture(ctx context.Context, attempt string, cfg WidgetConfig) error {
	var handlers Handlers
	err := m.locked(func(fx *effects) error {
		if m.attempt != attempt || m.state != CardSelection {
			return ErrStaleAttempt
		}
		m.preparing = false
		m.accessToken = cfg.AccessToken
		m.widgetCfg = &cfg
		m.transitionLocked(CardCapture, fx)
		handlers = m.handlersFor(attempt)
		return nil
	})
	if err != nil || m.opts.Widget == nil {
		return err
	}
	if err := m.opts.Widget.Open(ctx, cfg, handlers); err != nil {
		m.failAttempt(attempt, CardCapture, msgWidgetFailed, err)
		return err
	}
	return nil
}

func (m *Machine) handlersFor(attempt string) Handlers {
	return Handlers{
		OnTokenizationSuccess: func(ev Event) { m.onTokenized(attempt, ev) },
		OnTokenizationError: func(ev Event) {
			m.failAttempt(attempt, CardCapture, msgTokenizationFailed, eventError("tokenization", ev))
		},
		OnVerificationSuccess: func(ev Event) { m.onVerified(attempt, ev) },
		OnVerificationError: func(ev Event) {
			m.failAttempt(attempt, CardCapture, msg3DSFailed, eventError("3ds", ev))
		},
	}
}

// onTokenized saves the card the widget just tokenised. The machine keeps waiting for the
// 3-D Secure outcome.
func (m *Machine) onTokenized(attempt string, ev Event) {
	var rec cards.Record
	save := false
	_ = m.locked(func(*effects) error {
		if m.attempt != attempt || m.state != CardCapture || m.mode != modeNewCard {
			m.logger().Debug().Str("event_attempt", attempt).Msg("stale tokenization event ignored")
			return nil
		}
		if ev.Card == nil || strings.TrimSpace(ev.Card.Token) == "" {
			m.logger().Warn().Msg("tokenization event without card token")
			return nil
		}
		rec = *ev.Card
		rec.CardNumber = cards.Mask(rec.CardNumber)
		rec.LastUsed = nil
		m.tokenised = &rec
		save = true
		return nil
	})
	if !save {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StepTimeout)
	defer cancel()
	m.opts.Store.Add(ctx, rec)
}

// onVerified submits the payment once per attempt. Leaving CardCapture before the call is what
// turns a repeated success event into a no-op.
func (m *Machine) onVerified(attempt string, ev Event) {
	var (
		in      relay.PaymentInput
		saved   bool
		proceed bool
	)
	_ = m.locked(func(fx *effects) error {
		if m.attempt != attempt || m.state != CardCapture {
			m.logger().Debug().Str("event_attempt", attempt).Msg("stale verification event ignored")
			return nil
		}
		token, holder := m.resolveCardLocked(ev)
		if token == "" {
			m.failLocked(msgMissingCardToken, fx)
			return nil
		}
		in = relay.PaymentInput{
			AccessToken: m.accessToken,
			Amount:      relay.NewAmount(m.amount),
			Token:       token,
			Cardholder:  holder,
		}
		saved = m.mode == modeSavedCard
		m.transitionLocked(Processing, fx)
		proceed = true
		return nil
	})
	if !proceed {
		return
	}

	ctx, cancel := context.WithTimeout(obs.WithAttemptID(context.Background(), attempt), m.opts.StepTimeout)
	result, err := m.opts.Relay.SubmitPayment(ctx, in)
	cancel()
	if err != nil {
		m.failAttempt(attempt, Processing, paymentMessage(err), err)
		return
	}

	completed := false
	_ = m.locked(func(fx *effects) error {
		if m.attempt != attempt || m.state != Processing {
			return nil
		}
		m.closeWidget(fx)
		m.transitionLocked(Complete, fx)
		m.accessToken = ""
		m.widgetCfg = nil
		m.logger().Info().Float64("amount", in.Amount.Value).Bool("saved_card", saved).Msg("checkout_payment_complete")
		if cb := m.opts.Callbacks.OnComplete; cb != nil {
			fx.add(func() { cb(result) })
		}
		completed = true
		return nil
	})
	if completed && saved {
		tctx, tcancel := context.WithTimeout(context.Background(), m.opts.StepTimeout)
		defer tcancel()
		m.opts.Store.TouchLastUsed(tctx, in.Token)
	}
}

// resolveCardLocked picks the card token and cardholder name for submission. The holder falls
// back from the saved card to the event, then to the tokenised record, then to a placeholder.
func (m *Machine) resolveCardLocked(ev Event) (token, holder string) {
	var savedToken, savedHolder, tokToken, tokHolder string
	if m.mode == modeSavedCard && m.selected != nil {
		savedToken, savedHolder = m.selected.Token, m.selected.CardHolder
	}
	if m.tokenised != nil {
		tokToken, tokHolder = m.tokenised.Token, m.tokenised.CardHolder
	}
	token = firstNonEmpty(savedToken, ev.token(), tokToken)
	holder = firstNonEmpty(savedHolder, ev.holder(), tokHolder, DefaultCardholder)
	return token, holder
}

// failAttempt returns a live attempt to CardSelection with an error, provided the machine is
// still in the expected state for it.
func (m *Machine) failAttempt(attempt string, from State, msg string, cause error) {
	_ = m.locked(func(fx *effects) error {
		if m.attempt != attempt || m.state != from {
			return nil
		}
		m.logger().Warn().Err(cause).Str("state", string(from)).Msg(msg)
		m.failLocked(msg, fx)
		return nil
	})
}

func (m *Machine) failLocked(msg string, fx *effects) {
	m.closeWidget(fx)
	m.transitionLocked(Failed, fx)
	m.discardLocked()
	m.reportLocked(msg, fx)
	m.transitionLocked(CardSelection, fx)
}

func (m *Machine) discardLocked() {
	m.attempt = ""
	m.preparing = false
	m.mode = modeNone
	m.accessToken = ""
	m.widgetCfg = nil
	m.tokenised = nil
}

func (m *Machine) closeWidget(fx *effects) {
	if w := m.opts.Widget; w != nil {
		fx.add(w.Close)
	}
}

func (m *Machine) transitionLocked(to State, fx *effects) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	obs.ObserveCheckoutTransition(string(from), string(to))
	m.logger().Debug().Str("from", string(from)).Str("to", string(to)).Msg("checkout_transition")
	if cb := m.opts.Callbacks.OnTransition; cb != nil {
		fx.add(func() { cb(from, to) })
	}
}

func (m *Machine) reportLocked(msg string, fx *effects) {
	m.lastErr = msg
	if cb := m.opts.Callbacks.OnError; cb != nil {
		fx.add(func() { cb(msg) })
	}
}

func (m *Machine) logger() *zerolog.Logger {
	l := m.opts.Logger.With().Str("attempt_id", m.attempt).Str("state", string(m.state)).Logger()
	return &l
}

func parseAmount(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, common.Validation(msgInvalidAmount)
	}
	return v, nil
}

func intentPayload(in verification.Intent) *verification.IntentPayload {
	return &verification.IntentPayload{Reference: &in.Reference, Amount: &in.Amount, Currency: &in.Currency}
}

func invalidState(op string, s State) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidState, op, s)
}

func eventError(kind string, ev Event) error {
	if ev.Message != "" {
		return fmt.Errorf("%s error: %s", kind, ev.Message)
	}
	return fmt.Errorf("%s error", kind)
}

// failureMessage prefixes the step message with the reason a shopper can act on.
func failureMessage(step string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return step + ": " + msgTimeout
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) && appErr.Code != common.CodeInternal && appErr.Message != "" {
		return step + ": " + appErr.Message
	}
	return step
}

func paymentMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return msgTimeout
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) && appErr.Code != common.CodeInternal && appErr.Message != "" {
		return appErr.Message
	}
	return msgPaymentFailed
}
