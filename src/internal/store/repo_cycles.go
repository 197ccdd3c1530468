package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ce-fello/appraisal-service/src/internal/model"
	"github.com/google/uuid"

	"go.uber.org/zap"
)

const cycleColumns = `cycle_id, start_date, end_date, state, admin_id, created_at`

func scanCycle(s rowScanner) (model.Cycle, error) {
	var c model.Cycle
	if err := s.Scan(&c.CycleID, &c.StartDate, &c.EndDate, &c.State, &c.AdminID, &c.CreatedAt); err != nil {
		return model.Cycle{}, err
	}
	c.StartDate = model.DateOf(c.StartDate)
	c.EndDate = model.DateOf(c.EndDate)
	return c, nil
}

func (r *Repositories) queryCycles(ctx context.Context, logPrefix, query string, args ...any) ([]model.Cycle, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		r.Log.Error(logPrefix+": query failed", zap.Error(err))
		return nil, err
	}
	defer closeRows(r.Log, logPrefix, rows)

	var out []model.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			r.Log.Error(logPrefix+": scan failed", zap.Error(err))
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		r.Log.Error(logPrefix+": rows error", zap.Error(err))
		return nil, err
	}
	r.Log.Debug(logPrefix+": success", zap.Int("count", len(out)))
	return out, nil
}

// LockCycles takes a transaction-scoped advisory lock shared by every writer that
// validates cycle date ranges. It must run inside InTx.
func (r *Repositories) LockCycles(ctx context.Context) error {
	if r.tx == nil {
		return errors.New("LockCycles requires a transaction")
	}
	if _, err := r.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, cyclesLockKey); err != nil {
		r.Log.Error("LockCycles: lock failed", zap.Error(err))
		return err
	}
	return nil
}

func (r *Repositories) CreateCycle(ctx context.Context, c model.Cycle) (model.Cycle, error) {
	if c.CycleID == "" {
		c.CycleID = uuid.New().String()
	}
	r.Log.Debug("CreateCycle: start", zap.String("cycle_id", c.CycleID), zap.String("admin", c.AdminID))
	out, err := scanCycle(r.q.QueryRowContext(ctx, `
		INSERT INTO cycles(cycle_id, start_date, end_date, state, admin_id, created_at)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING `+cycleColumns,
		c.CycleID, c.StartDate, c.EndDate, c.State, c.AdminID, c.CreatedAt))
	if err != nil {
		r.Log.Error("CreateCycle: insert failed", zap.String("cycle_id", c.CycleID), zap.Error(err))
		return model.Cycle{}, mapError(err)
	}
	r.Log.Info("CreateCycle: success", zap.String("cycle_id", out.CycleID))
	return out, nil
}

func (r *Repositories) GetCycle(ctx context.Context, cycleID string) (model.Cycle, error) {
	return r.getCycle(ctx, "GetCycle", cycleID, "")
}

// GetCycleForUpdate row-locks the cycle until the surrounding transaction ends.
func (r *Repositories) GetCycleForUpdate(ctx context.Context, cycleID string) (model.Cycle, error) {
	return r.getCycle(ctx, "GetCycleForUpdate", cycleID, " FOR UPDATE")
}

func (r *Repositories) getCycle(ctx context.Context, logPrefix, cycleID, lock string) (model.Cycle, error) {
	r.Log.Debug(logPrefix+": start", zap.String("cycle_id", cycleID))
	if _, err := uuid.Parse(cycleID); err != nil {
		return model.Cycle{}, model.ErrNotFound
	}
	c, err := scanCycle(r.q.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE cycle_id=$1`+lock, cycleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.Log.Debug(logPrefix+": not found", zap.String("cycle_id", cycleID))
			return model.Cycle{}, model.ErrNotFound
		}
		r.Log.Error(logPrefix+": query failed", zap.String("cycle_id", cycleID), zap.Error(err))
		return model.Cycle{}, err
	}
	return c, nil
}

func (r *Repositories) ListCycles(ctx context.Context, f model.CycleFilter) ([]model.Cycle, error) {
	r.Log.Debug("ListCycles: start", zap.String("state", string(f.State)), zap.String("admin", f.AdminID))
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.State != "" {
		add("state=$%d", f.State)
	}
	if f.AdminID != "" {
		add("admin_id=$%d", f.AdminID)
	}
	if f.From != nil {
		add("end_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("start_date <= $%d", *f.To)
	}
	query := `SELECT ` + cycleColumns + ` FROM cycles`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_date`
	return r.queryCycles(ctx, "ListCycles", query, args...)
}

// FindOverlappingCycles returns cycles of any state whose inclusive range intersects [start, end].
func (r *Repositories) FindOverlappingCycles(ctx context.Context, start, end time.Time) ([]model.Cycle, error) {
	r.Log.Debug("FindOverlappingCycles: start", zap.Time("start", start), zap.Time("end", end))
	return r.queryCycles(ctx, "FindOverlappingCycles", `
		SELECT `+cycleColumns+` FROM cycles
		WHERE start_date <= $2 AND end_date >= $1
		ORDER BY start_date`, start, end)
}

func (r *Repositories) ListExpiredOpenCycles(ctx context.Context, today time.Time) ([]model.Cycle, error) {
	r.Log.Debug("ListExpiredOpenCycles: start", zap.Time("today", today))
	return r.queryCycles(ctx, "ListExpiredOpenCycles", `
		SELECT `+cycleColumns+` FROM cycles
		WHERE state='OPEN' AND end_date < $1
		ORDER BY end_date`, today)
}

func (r *Repositories) UpdateCycle(ctx context.Context, c model.Cycle) error {
	r.Log.Debug("UpdateCycle: start", zap.String("cycle_id", c.CycleID))
	res, err := r.q.ExecContext(ctx,
		`UPDATE cycles SET start_date=$2, end_date=$3, admin_id=$4 WHERE cycle_id=$1`,
		c.CycleID, c.StartDate, c.EndDate, c.AdminID)
	if err != nil {
		r.Log.Error("UpdateCycle: update failed", zap.String("cycle_id", c.CycleID), zap.Error(err))
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	r.Log.Info("UpdateCycle: success", zap.String("cycle_id", c.CycleID))
	return nil
}

func (r *Repositories) SetCycleState(ctx context.Context, cycleID string, state model.CycleState) error {
	r.Log.Debug("SetCycleState: start", zap.String("cycle_id", cycleID), zap.String("state", string(state)))
	res, err := r.q.ExecContext(ctx, `UPDATE cycles SET state=$2 WHERE cycle_id=$1`, cycleID, state)
	if err != nil {
		r.Log.Error("SetCycleState: update failed", zap.String("cycle_id", cycleID), zap.Error(err))
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	r.Log.Info("SetCycleState: success", zap.String("cycle_id", cycleID), zap.String("state", string(state)))
	return nil
}

func (r *Repositories) DeleteCycle(ctx context.Context, cycleID string) error {
	r.Log.Debug("DeleteCycle: start", zap.String("cycle_id", cycleID))
	res, err := r.q.ExecContext(ctx, `DELETE FROM cycles WHERE cycle_id=$1`, cycleID)
	if err != nil {
		r.Log.Error("DeleteCycle: delete failed", zap.String("cycle_id", cycleID), zap.Error(err))
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	r.Log.Info("DeleteCycle: success", zap.String("cycle_id", cycleID))
	return nil
}
