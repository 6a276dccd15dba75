package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"inkstudio/internal/adapters/events"
	server "inkstudio/internal/adapters/http_server"
	"inkstudio/internal/adapters/llm"
	"inkstudio/internal/adapters/observability"
	redisad "inkstudio/internal/adapters/redis"
	"inkstudio/internal/app"
	"inkstudio/internal/domain"
	"inkstudio/internal/shared"
	mysqlrepo "inkstudio/internal/storage/mysql"
)

func main() {
	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, "api", cfg.LogLevel)

	metricsSrv, err := observability.Serve(cfg.MetricsAddr)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// db
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("database connection ok")

	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		// rule lookups fall through to MySQL on cache errors
		log.Warn().Err(err).Msg("redis unreachable, continuing without warm cache")
	}

	var pub domain.EventPublisher = events.Nop{}
	if cfg.AMQPURL != "" {
		p := events.NewPublisher(cfg.AMQPURL)
		defer p.Close()
		pub = p
	} else {
		log.Warn().Msg("AMQP_URL is empty; events are not published")
	}

	gw, err := llm.New(cfg.LLMBase, cfg.LLMKey, cfg.LLMModel, cfg.LLMRPS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize LLM client")
	}

	// deps
	repo := mysqlrepo.New(db)
	policy := app.NewPolicyService(repo, cache, pub, cfg.CacheTTL)
	chat := app.NewChatService(repo, gw, policy, pub, app.ChatConfig{
		SystemPrompt:  cfg.SystemPrompt,
		StreamTimeout: cfg.StreamTimeout,
	})

	// http
	srv := server.New()
	srv.Mount("/metrics", observability.MetricsHandler(observability.InitRegistry()))
	srv.MountHandlers(&server.Handlers{
		Policy:    policy,
		Chat:      chat,
		JWTSecret: cfg.JWTSecret,
		Heartbeat: cfg.Heartbeat,
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}
