package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Widget environments understood by the hosted card-capture widget.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// Gateway groups the payment gateway credentials. Every field is optional at load time; the
// operation that needs a missing value reports it.
type Gateway struct {
	ClientID     string
	ClientSecret string
	OAuthURL     string
	BaseURL      string
	SharedSecret string
	Username     string
	Environment  string
	Timeout      time.Duration
	// OAuthMaxAttempts bounds retries of the token request. Payments are never retried.
	OAuthMaxAttempts int
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string
	Gateway            Gateway
	CardStoreKey       string
	RateLimitMax       int
	RateLimitWindow    time.Duration
	// PaymentRateLimitMax caps payment submissions per client within RateLimitWindow.
	PaymentRateLimitMax  int
	IdempotencyTTL       time.Duration
	BodyLimitBytes       int64
	SecurityHeaders      bool
	EnableHSTS           bool
	HealthRedisTimeout   time.Duration
	LogFormat            string
	LogLevel             string
	MetricsEnabled       bool
	MetricsNamespace     string
	TracingEnabled       bool
	TracingSamplingRatio float64
	OTLPEndpoint         string
	PprofEnabled         bool
	PprofUser            string
	PprofPass            string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		Gateway: Gateway{
			ClientID:         strings.TrimSpace(k.String("FAT_ZEBRA_CLIENT_ID")),
			ClientSecret:     strings.TrimSpace(k.String("FAT_ZEBRA_CLIENT_SECRET")),
			OAuthURL:         strings.TrimSpace(k.String("FAT_ZEBRA_OAUTH_URL")),
			BaseURL:          strings.TrimRight(strings.TrimSpace(k.String("FAT_ZEBRA_BASE_URL")), "/"),
			SharedSecret:     k.String("FAT_ZEBRA_SHARED_SECRET"),
			Username:         strings.TrimSpace(k.String("FAT_ZEBRA_USERNAME")),
			Environment:      parseEnvironment(k.String("FAT_ZEBRA_ENVIRONMENT")),
			Timeout:          parseDuration(k.String("GATEWAY_TIMEOUT"), "30s"),
			OAuthMaxAttempts: parseInt(k.String("GATEWAY_OAUTH_MAX_ATTEMPTS"), 2),
		},
		CardStoreKey:         valueOrDefault(k.String("CARD_STORE_KEY"), "fatzebra_saved_cards"),
		RateLimitMax:         parseInt(k.String("RATE_LIMIT_MAX"), 60),
		RateLimitWindow:      parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		PaymentRateLimitMax:  parseInt(k.String("PAYMENT_RATE_LIMIT_MAX"), 10),
		IdempotencyTTL:       parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),
		BodyLimitBytes:       int64(parseInt(k.String("BODY_LIMIT_BYTES"), 64<<10)),
		SecurityHeaders:      parseBool(k.String("SECURE_HEADERS_ENABLED"), true),
		EnableHSTS:           parseBool(k.String("SECURE_HSTS_ENABLED"), false),
		HealthRedisTimeout:   parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),
		LogFormat:            valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:             valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsEnabled:       parseBool(k.String("OBS_ENABLE_PROMETHEUS"), true),
		MetricsNamespace:     valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "checkout"),
		TracingEnabled:       parseBool(k.String("OBS_ENABLE_TRACING"), false),
		TracingSamplingRatio: parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		OTLPEndpoint:         strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		PprofEnabled:         parseBool(k.String("OBS_ENABLE_PPROF"), false),
		PprofUser:            strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
		PprofPass:            strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
	}

	if cfg.Gateway.Environment == "" {
		return nil, fmt.Errorf("FAT_ZEBRA_ENVIRONMENT must be %q or %q", EnvironmentSandbox, EnvironmentProduction)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// OAuthConfigured reports whether the token request can be sent.
func (g Gateway) OAuthConfigured() bool {
	return g.ClientID != "" && g.ClientSecret != "" && g.OAuthURL != ""
}

// PaymentURL returns the payment endpoint derived from the base URL, or "" when unset.
func (g Gateway) PaymentURL() string {
	if g.BaseURL == "" {
		return ""
	}
	return g.BaseURL + "/v1.0/payments"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseEnvironment(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", EnvironmentSandbox:
		return EnvironmentSandbox
	case EnvironmentProduction:
		return EnvironmentProduction
	default:
		return ""
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
