package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-relay/internal/cards"
	"github.com/noah-isme/checkout-relay/internal/common"
	"github.com/noah-isme/checkout-relay/internal/config"
	"github.com/noah-isme/checkout-relay/internal/gateway"
	"github.com/noah-isme/checkout-relay/internal/health"
	"github.com/noah-isme/checkout-relay/internal/lock"
	"github.com/noah-isme/checkout-relay/internal/obs"
	"github.com/noah-isme/checkout-relay/internal/ratelimit"
	"github.com/noah-isme/checkout-relay/internal/relay"
	"github.com/noah-isme/checkout-relay/internal/security"
	"github.com/noah-isme/checkout-relay/internal/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	if cfg.MetricsEnabled {
		obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	}

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		Enabled:       cfg.TracingEnabled,
		ServiceName:   "checkout-relay",
		Endpoint:      cfg.OTLPEndpoint,
		SamplingRatio: cfg.TracingSamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		cfg.TracingEnabled = false
	}
	defer func() {
		if shutdownTracer == nil {
			return
		}
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	if !cfg.Gateway.OAuthConfigured() {
		logger.Warn().Msg("gateway OAuth credentials missing; /oauth will answer 500")
	}
	if cfg.Gateway.SharedSecret == "" {
		logger.Warn().Msg("FAT_ZEBRA_SHARED_SECRET missing; /verification-hash will answer 500")
	}

	redisClient := connectRedis(cfg, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	var cardStore *cards.Store
	if redisClient != nil {
		cardStore = cards.NewStore(cards.RedisBackend{Client: redisClient}, cfg.CardStoreKey, logger)
		cardStore.Locker = lock.Locker{R: redisClient, Prefix: "lock:"}
	} else {
		logger.Warn().Msg("REDIS_URL not set; saved cards, rate limits and idempotency keys are kept in memory")
		cardStore = cards.NewStore(cards.NewMemoryBackend(), cfg.CardStoreKey, logger)
	}
	cardsHandler := &cards.Handler{Store: cardStore}

	gatewayClient := gateway.NewClient(cfg.Gateway, nil).WithLogger(logger)
	relayService := relay.NewService(gatewayClient, verification.Hasher{Secret: cfg.Gateway.SharedSecret}, logger)

	limiterStore, err := ratelimit.NewStore(redisClient, "ratelimit:relay:")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter store")
	}
	relayLimit := ratelimit.Handler{
		Limiter: ratelimit.NewFixed(limiterStore, cfg.RateLimitWindow, cfg.RateLimitMax),
		Scope:   "relay",
	}
	var paymentLimiter ratelimit.Limiter = ratelimit.NewFixed(limiterStore, cfg.RateLimitWindow, cfg.PaymentRateLimitMax)
	if redisClient != nil {
		paymentLimiter = ratelimit.SlidingWindow{
			Client: redisClient,
			Prefix: "ratelimit:payment:",
			Window: cfg.RateLimitWindow,
			Max:    cfg.PaymentRateLimitMax,
		}
	}
	paymentLimit := ratelimit.Handler{Limiter: paymentLimiter, Scope: "payment"}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	relayHandler := &relay.Handler{
		Service:  relayService,
		Settings: cfg.Gateway,
		PaymentGuard: func(next http.Handler) http.Handler {
			return paymentLimit.Middleware(idem.Middleware(next))
		},
	}

	var httpMetrics *obs.HTTPMetrics
	if cfg.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: cfg.SecurityHeaders, EnableHSTS: cfg.EnableHSTS}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", common.IdempotencyHeader, obs.AttemptHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Retry-After", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.PprofUser, cfg.PprofPass))
	}

	healthHandler := health.Handler{Gateway: gatewayClient, RedisTimeout: cfg.HealthRedisTimeout}
	if redisClient != nil {
		healthHandler.Checker = readinessChecker{redis: redisClient}
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	mountAPI := func(api chi.Router) {
		api.Group(func(g chi.Router) {
			g.Use(relayLimit.Middleware)
			relayHandler.Routes(g)
		})
		api.Post("/wallets", cardsHandler.CreateWallet)
		api.Route("/wallets/{walletID}/cards", cardsHandler.Routes)
	}
	mountAPI(r)
	r.Route("/api", mountAPI)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// a payment may wait the full gateway timeout
		WriteTimeout: cfg.Gateway.Timeout + 10*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("gateway_env", cfg.Gateway.Environment).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		health.SetReady(false)
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.Timeout+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}
}

func connectRedis(cfg *config.Config, logger zerolog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	redis *redis.Client
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

// newPprofMux registers the full /debug/pprof paths; chi's Mount keeps the prefix in the URL.
func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
