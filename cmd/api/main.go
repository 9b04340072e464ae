package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-orchestrator/internal/auth"
	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/config"
	"voice-orchestrator/internal/conversation"
	"voice-orchestrator/internal/credits"
	"voice-orchestrator/internal/llm"
	"voice-orchestrator/internal/orchestrator"
	"voice-orchestrator/internal/prompt"
	"voice-orchestrator/internal/routing"
	"voice-orchestrator/internal/tenant"
	"voice-orchestrator/internal/tools"
	"voice-orchestrator/internal/usage"
	"voice-orchestrator/pkg/logger"
	"voice-orchestrator/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"
)

const (
	tenantCacheTTL      = 5 * time.Minute
	callCapTTL          = 2 * time.Hour
	reservationCapacity = 10
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, log)
	if err != nil {
		log.Error("llm init failed", "err", err)
		os.Exit(1)
	}

	tenants := tenant.NewCachedStore(tenant.NewPostgresStore(db), rdb, tenantCacheTTL, log)

	toolRegistry := tools.NewRegistry(log)
	toolRegistry.Observe(orchestrator.ObserveTool)
	if err := tools.RegisterBuiltins(toolRegistry, tools.Deps{
		Backend:  tools.NewPostgresBackend(db, reservationCapacity),
		Tenants:  tenants,
		Selector: routing.NewSelector(nil),
	}); err != nil {
		log.Error("tool registration failed", "err", err)
		os.Exit(1)
	}

	sessions := calls.NewRegistry()
	meter := credits.NewMeter(credits.NewPostgresStore(db))
	usageSvc := usage.NewService(usage.NewPostgresRepo(db))

	orch, err := orchestrator.New(orchestrator.Deps{
		Tenants:         tenants,
		Credits:         meter,
		Usage:           usageSvc,
		Prompts:         prompt.NewBuilder(tenants, toolRegistry, cfg.Voice.DefaultLanguage),
		Engine:          conversation.NewEngine(provider, toolRegistry, log),
		Registry:        sessions,
		CallCap:         utils.NewCallCap(rdb, cfg.Voice.MaxConcurrentCalls, callCapTTL),
		DefaultLanguage: cfg.Voice.DefaultLanguage,
		Log:             log,
	})
	if err != nil {
		log.Error("orchestrator init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:      cfg,
		log:      log,
		ctx:      rootCtx,
		db:       db,
		rdb:      rdb,
		auth:     authManager,
		tenants:  tenants,
		sessions: sessions,
		usage:    usageSvc,
		credits:  meter,
		calls:    orch,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated", "active_calls", sessions.Len())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("http server failed", "err", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = logger.ShutdownFlush(flushCtx, 2*time.Second)
}
