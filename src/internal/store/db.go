package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// ConnectWithRetry opens a postgres pool and pings it until it answers or attempts run out.
func ConnectWithRetry(ctx context.Context, dsn string, attempts int, delay time.Duration, logger *zap.Logger) (*sql.DB, error) {
	sugar := logger.Sugar()
	var err error

	for i := 0; i < attempts; i++ {
		var db *sql.DB
		db, err = sql.Open("postgres", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				db.SetMaxOpenConns(20)
				db.SetMaxIdleConns(5)
				db.SetConnMaxLifetime(30 * time.Minute)
				return db, nil
			}
			_ = db.Close()
		}
		sugar.Warnf("db ping error: %v (attempt %d/%d)", err, i+1, attempts)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("db connect failed: %w", err)
}

// RunMigrations applies every pending up migration found in migrationsDir.
// It reports whether anything was applied.
func RunMigrations(db *sql.DB, migrationsDir string, logger *zap.Logger) (bool, error) {
	sugar := logger.Sugar()
	sugar.Infof("running migrations from %s", migrationsDir)

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return false, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		return false, fmt.Errorf("migration init: %w", err)
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		sugar.Info("no new migrations, schema is up to date")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migration up: %w", err)
	}
	return true, nil
}
