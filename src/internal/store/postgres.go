package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ce-fello/appraisal-service/src/internal/model"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	pqUniqueViolation    = "23505"
	pqExclusionViolation = "23P01"

	// cyclesLockKey serializes every transaction that checks cycle ranges before writing them.
	cyclesLockKey = 0x63796373
)

type Repository interface {
	InTx(ctx context.Context, fn func(repo Repository) error) error

	GetUser(ctx context.Context, userID string) (model.User, error)
	UpsertUser(ctx context.Context, u model.User) (model.User, error)
	SetUserIsActive(ctx context.Context, userID string, isActive bool) (model.User, error)
	ListActiveUsersWithoutManager(ctx context.Context) ([]model.User, error)
	ListActiveUsersWithManager(ctx context.Context) ([]model.ManagedUser, error)
	IsManagerOf(ctx context.Context, managerID, userID string) (bool, error)
	ListNotificationRecipients(ctx context.Context) ([]model.User, error)

	LockCycles(ctx context.Context) error
	CreateCycle(ctx context.Context, c model.Cycle) (model.Cycle, error)
	GetCycle(ctx context.Context, cycleID string) (model.Cycle, error)
	GetCycleForUpdate(ctx context.Context, cycleID string) (model.Cycle, error)
	ListCycles(ctx context.Context, f model.CycleFilter) ([]model.Cycle, error)
	FindOverlappingCycles(ctx context.Context, start, end time.Time) ([]model.Cycle, error)
	ListExpiredOpenCycles(ctx context.Context, today time.Time) ([]model.Cycle, error)
	UpdateCycle(ctx context.Context, c model.Cycle) error
	SetCycleState(ctx context.Context, cycleID string, state model.CycleState) error
	DeleteCycle(ctx context.Context, cycleID string) error

	CreateAppraisal(ctx context.Context, a model.Appraisal) (model.Appraisal, error)
	InsertAppraisalIfAbsent(ctx context.Context, a model.Appraisal) (bool, error)
	GetAppraisal(ctx context.Context, appraisalID string) (model.Appraisal, error)
	GetAppraisalForUpdate(ctx context.Context, appraisalID string) (model.Appraisal, error)
	FindAppraisal(ctx context.Context, appraisedUserID, appraisingUserID, cycleID string) (model.Appraisal, error)
	ListAppraisals(ctx context.Context, f model.AppraisalFilter) ([]model.Appraisal, error)
	UpdateAppraisal(ctx context.Context, a model.Appraisal) error
	CloseCompletedAppraisals(ctx context.Context, f model.AppraisalFilter, ids []string, at time.Time) (int, error)
	DeleteAppraisal(ctx context.Context, appraisalID string) error
	DeleteAppraisalsByCycle(ctx context.Context, cycleID string) (int, error)

	GetUserStats(ctx context.Context, userID string) (model.UserStats, error)
	CountAppraisalsByState(ctx context.Context, cycleID string) (map[string]int, error)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repositories struct {
	DB  *sql.DB
	Log *zap.Logger
	q   querier
	tx  *sql.Tx
}

var _ Repository = (*Repositories)(nil)

func NewRepositories(db *sql.DB, logger *zap.Logger) *Repositories {
	return &Repositories{
		DB:  db,
		Log: logger,
		q:   db,
	}
}

func (r *Repositories) BeginTx(ctx context.Context) (*sql.Tx, error) {
	r.Log.Debug("BeginTx called")
	return r.DB.BeginTx(ctx, &sql.TxOptions{})
}

// InTx runs fn against a repository bound to a single transaction. The transaction
// commits when fn returns nil and rolls back otherwise. Calls nested inside an
// existing transaction reuse it.
func (r *Repositories) InTx(ctx context.Context, fn func(repo Repository) error) error {
	if r.tx != nil {
		return fn(r)
	}

	tx, err := r.BeginTx(ctx)
	if err != nil {
		r.Log.Error("InTx: begin tx failed", zap.Error(err))
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.Log.Warn("InTx: rollback failed", zap.Error(err))
		}
	}()

	if err := fn(&Repositories{DB: r.DB, Log: r.Log, q: tx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		r.Log.Error("InTx: commit failed", zap.Error(err))
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// mapError converts driver errors into model sentinels where the caller can act on them.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return model.ErrDuplicate
		case pqExclusionViolation:
			return model.ErrOverlap
		}
	}
	return err
}

func closeRows(log *zap.Logger, prefix string, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log.Error(prefix+": close rows failed", zap.Error(err))
	}
}
