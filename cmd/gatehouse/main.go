package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-hq/gatehouse/internal/app"
	"github.com/gatehouse-hq/gatehouse/internal/auth"
	"github.com/gatehouse-hq/gatehouse/internal/guard"
	"github.com/gatehouse-hq/gatehouse/internal/identity"
	"github.com/gatehouse-hq/gatehouse/internal/observability"
	"github.com/gatehouse-hq/gatehouse/internal/permissions"
	"github.com/gatehouse-hq/gatehouse/internal/platform/cache"
	"github.com/gatehouse-hq/gatehouse/internal/platform/db"
	"github.com/gatehouse-hq/gatehouse/internal/rbac"
	"github.com/gatehouse-hq/gatehouse/internal/roles"
	"github.com/gatehouse-hq/gatehouse/internal/session"
	"github.com/gatehouse-hq/gatehouse/internal/users"
	"github.com/gatehouse-hq/gatehouse/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	decisions := rbac.NewDecisionCache(cfg.DecisionCacheTTL, metrics)

	provider := identity.NewPGProvider(pool)
	profiles := identity.NewPGProfileStore(pool)
	store := session.NewStore(redisClient, cfg.SessionTTL)
	sessions := session.NewManager(logger, provider, profiles, store, decisions, session.Config{
		IdleTimeout:    cfg.SessionIdleTimeout,
		ProfileTimeout: cfg.ProfileTimeout,
	})

	routeGuard := &guard.Guard{Sessions: sessions, Decisions: decisions, Logger: logger}

	jobClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	authHandler := auth.NewHandler(logger, sessions, decisions, jobClient, cfg.RecoveryURL)

	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo, sessions, jobClient, cfg.RecoveryURL)
	usersHandler := users.NewHandler(logger, usersService)

	rolesRepo := roles.NewRepository(pool)
	rolesService := roles.NewService(rolesRepo, sessions)
	rolesHandler := roles.NewHandler(logger, rolesService)

	permsRepo := permissions.NewRepository(pool)
	permsService := permissions.NewService(permsRepo)
	permsHandler := permissions.NewHandler(logger, permsService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Guard:              routeGuard,
		AuthHandler:        authHandler,
		UsersHandler:       usersHandler,
		RolesHandler:       rolesHandler,
		PermissionsHandler: permsHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	go decisions.Run(ctx, time.Minute)
	go sessions.Run(ctx, cfg.SessionSweepInterval)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := store.Count(ctx); err == nil {
					metrics.SetActiveSessions(n)
				}
			}
		}
	}()
	go func() {
		for evt := range sessions.Events() {
			logger.Info("session event",
				slog.String("kind", evt.Kind.String()),
				slog.Int64("principal_id", evt.PrincipalID))
		}
	}()

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", slog.Any("error", err))
	}
}
