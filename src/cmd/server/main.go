package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ce-fello/appraisal-service/src/internal/api"
	"github.com/ce-fello/appraisal-service/src/internal/config"
	"github.com/ce-fello/appraisal-service/src/internal/metrics"
	"github.com/ce-fello/appraisal-service/src/internal/scheduler"
	"github.com/ce-fello/appraisal-service/src/internal/service"
	"github.com/ce-fello/appraisal-service/src/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	migDir := flag.String("migrations", cfg.MigrationsDir, "migrations directory")
	flag.Parse()

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.ConnectWithRetry(ctx, cfg.DatabaseURL, cfg.DBConnectAttempts, 2*time.Second, logger)
	if err != nil {
		sugar.Fatalf("failed to connect to db: %v", err)
	}
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			sugar.Errorf("failed to close db: %v", err)
		}
	}(db)

	if _, err := store.RunMigrations(db, *migDir, logger); err != nil {
		sugar.Fatalf("migrations failed: %v", err)
	}
	sugar.Info("migrations applied")

	repos := store.NewRepositories(db, logger)
	svc := service.NewService(repos, logger,
		service.WithNotifier(service.NewLogNotifier(logger)),
		service.WithForceExpiry(cfg.CloseExpiredForce),
	)
	h := api.NewHandler(svc, logger)

	sched := scheduler.NewExpiryScheduler(svc, logger, cfg.ExpiryCron)
	if err := sched.Start(); err != nil {
		sugar.Fatalf("scheduler: %v", err)
	}

	limiter := api.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
	limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)

	r := chi.NewRouter()
	r.Use(
		api.RequestIDMiddleware,
		api.LoggerMiddleware(logger),
		api.Recoverer(logger),
		metrics.InstrumentHandler,
	)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		api.RegisterRoutes(r, h)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sugar.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down server")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorf("server forced to shutdown: %v", err)
	}
	sugar.Info("server stopped")
}
