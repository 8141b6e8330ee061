package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-relay/internal/cards"
	"github.com/noah-isme/checkout-relay/internal/checkout"
	"github.com/noah-isme/checkout-relay/internal/config"
	"github.com/noah-isme/checkout-relay/internal/obs"
)

// checkout_probe drives one checkout against a running relay. The hosted widget cannot run in
// a terminal, so the probe prints the widget configuration and, when -card-token is given,
// plays back a successful 3-D Secure outcome for that sandbox token. Without a token the
// attempt is cancelled after the widget config is printed.
// Exit code 0 = ok, 1 = checkout failed, 2 = usage or setup error.
func main() {
	_ = godotenv.Load()

	relayURL := flag.String("relay", envOr("CHECKOUT_RELAY_URL", "http://localhost:8080/api"), "relay base URL")
	amount := flag.String("amount", "10.00", "amount to charge (AUD)")
	cardToken := flag.String("card-token", "", "sandbox card token to submit after the widget opens")
	holder := flag.String("holder", "", "cardholder name reported by the simulated widget")
	timeout := flag.Duration("timeout", 30*time.Second, "per-step timeout")
	flag.Parse()

	// stdout carries the widget config and payment result
	logger := obs.NewLoggerTo(os.Stderr, envOr("OBS_LOG_FORMAT", "console"), envOr("OBS_LOG_LEVEL", "info")).
		With().Str("tool", "checkout_probe").Logger()
	widget := &printWidget{}
	var result json.RawMessage

	machine := checkout.New(checkout.Options{
		Relay:       checkout.NewHTTPRelay(*relayURL, nil, *timeout),
		Store:       cards.NewStore(cards.NewMemoryBackend(), "", logger),
		Widget:      widget,
		Username:    os.Getenv("FAT_ZEBRA_USERNAME"),
		Environment: envOr("FAT_ZEBRA_ENVIRONMENT", config.EnvironmentSandbox),
		StepTimeout: *timeout,
		Logger:      logger,
		Callbacks: checkout.Callbacks{
			OnError: func(msg string) { fmt.Fprintf(os.Stderr, "checkout error: %s\n", msg) },
			OnComplete: func(r json.RawMessage) {
				result = r
			},
			OnTransition: func(from, to checkout.State) {
				logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("transition")
			},
		},
	})

	if err := machine.SubmitAmount(*amount); err != nil {
		fail(2, logger, err, "invalid amount")
	}
	if err := machine.ChooseNewCard(context.Background()); err != nil {
		fail(1, logger, err, "prepare checkout")
	}

	if *cardToken == "" {
		if err := machine.Cancel(); err != nil {
			fail(1, logger, err, "cancel checkout")
		}
		fmt.Fprintln(os.Stderr, "no -card-token given; attempt cancelled")
		return
	}

	widget.handlers.OnVerificationSuccess(checkout.Event{CardToken: *cardToken, CardHolder: *holder})

	snap := machine.Snapshot()
	if snap.State != checkout.Complete {
		fmt.Fprintf(os.Stderr, "checkout ended in %s: %s\n", snap.State, snap.LastError)
		os.Exit(1)
	}
	fmt.Println(string(result))
}

// printWidget writes the widget configuration to stdout and keeps the handlers for playback.
type printWidget struct {
	handlers checkout.Handlers
}

func (w *printWidget) Open(_ context.Context, cfg checkout.WidgetConfig, h checkout.Handlers) error {
	w.handlers = h
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func (w *printWidget) Close() {}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(code int, logger zerolog.Logger, err error, msg string) {
	logger.Error().Err(err).Msg(msg)
	os.Exit(code)
}
