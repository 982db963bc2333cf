package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/config"
	"github.com/streamparty/watchparty-server/internal/database"
	"github.com/streamparty/watchparty-server/internal/fanout"
	"github.com/streamparty/watchparty-server/internal/handler"
	"github.com/streamparty/watchparty-server/internal/jobs"
	"github.com/streamparty/watchparty-server/internal/metrics"
	"github.com/streamparty/watchparty-server/internal/middleware"
	"github.com/streamparty/watchparty-server/internal/redis"
	"github.com/streamparty/watchparty-server/internal/repository"
	"github.com/streamparty/watchparty-server/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if cfg.RunMigrations {
		ctx, cancel := context.WithTimeout(context.Background(), config.CleanupJobTimeout)
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		cancel()
		log.Info().Msg("schema applied")
	}

	var (
		transport fanout.Transport
		limiter   middleware.Limiter
	)
	if cfg.UsesRedis() {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		transport = fanout.NewRedisTransport(redisClient)
		limiter = middleware.NewRedisRateLimiter(redisClient)
	} else {
		log.Warn().Msg("REDIS_URL not set: using in-process fan-out and rate limiting")
		transport = fanout.NewLocalTransport()
		limiter = middleware.NewRateLimiter()
	}

	sessionRepo := repository.NewSessionRepository(db.DB)
	participantRepo := repository.NewParticipantRepository(db.DB)
	messageRepo := repository.NewMessageRepository(db.DB)

	broker := fanout.NewBroker(transport)
	defer broker.Close()

	partyService := service.NewPartyService(
		db, sessionRepo, participantRepo, messageRepo, broker,
		service.PartyConfigFrom(cfg),
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthJWTSecret)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(limiter, config.DefaultRateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	eventsHandler := handler.NewEventsHandler(broker, partyService)
	socketHandler := handler.NewSocketHandler(broker, partyService, handler.DefaultSocketConfig(cfg.CORSAllowedOrigins))
	partyHandler := handler.NewPartyHandler(partyService, eventsHandler, socketHandler)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
			"clients":   broker.TotalClients(),
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/parties", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(authMiddleware.Handler)
		r.Mount("/", partyHandler.Routes(
			chimiddleware.Timeout(config.ServerRequestTimeout),
			rateLimitMiddleware.Handler,
		))
	})

	cleanupJob := jobs.NewCleanupJob(partyService, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Bool("redis", cfg.UsesRedis()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Closing the broker ends open streams so Shutdown does not wait on them.
	broker.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
