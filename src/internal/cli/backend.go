package cli

import (
	"context"
	"database/sql"
	"time"

	"github.com/ce-fello/appraisal-service/src/internal/config"
	"github.com/ce-fello/appraisal-service/src/internal/model"
	"github.com/ce-fello/appraisal-service/src/internal/service"
	"github.com/ce-fello/appraisal-service/src/internal/store"

	"go.uber.org/zap"
)

// CycleService is the part of the service the cycles commands drive.
type CycleService interface {
	CloseExpiredCycles(ctx context.Context) (int, error)
	CanCloseCycle(ctx context.Context, id string) (model.CloseCheck, error)
	ListCycles(ctx context.Context, f model.CycleFilter) ([]model.Cycle, error)
}

// Backend opens what a command needs and returns a release func.
type Backend interface {
	Cycles(ctx context.Context, force *bool) (CycleService, func(), error)
	Migrate(ctx context.Context, dir string) (bool, error)
}

type postgresBackend struct{}

// NewPostgresBackend returns a Backend configured from the environment.
func NewPostgresBackend() Backend { return postgresBackend{} }

func (postgresBackend) open(ctx context.Context) (*config.AppConfig, *zap.Logger, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := store.ConnectWithRetry(ctx, cfg.DatabaseURL, cfg.DBConnectAttempts, time.Second, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	return cfg, logger, db, nil
}

func (b postgresBackend) Cycles(ctx context.Context, force *bool) (CycleService, func(), error) {
	cfg, logger, db, err := b.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	expiryForce := cfg.CloseExpiredForce
	if force != nil {
		expiryForce = *force
	}
	svc := service.NewService(store.NewRepositories(db, logger), logger,
		service.WithNotifier(service.NewLogNotifier(logger)),
		service.WithForceExpiry(expiryForce),
	)
	release := func() {
		_ = db.Close()
		_ = logger.Sync()
	}
	return svc, release, nil
}

func (b postgresBackend) Migrate(ctx context.Context, dir string) (bool, error) {
	cfg, logger, db, err := b.open(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = db.Close()
		_ = logger.Sync()
	}()
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	return store.RunMigrations(db, dir, logger)
}
