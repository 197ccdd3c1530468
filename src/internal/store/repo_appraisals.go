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
	"github.com/lib/pq"

	"go.uber.org/zap"
)

const appraisalColumns = `appraisal_id, appraised_user_id, appraising_user_id, cycle_id, feedback, score, state, creation_date, edited_date`

func scanAppraisal(s rowScanner) (model.Appraisal, error) {
	var a model.Appraisal
	var score sql.NullInt64
	var edited sql.NullTime
	if err := s.Scan(&a.AppraisalID, &a.AppraisedUserID, &a.AppraisingUserID, &a.CycleID,
		&a.Feedback, &score, &a.State, &a.CreationDate, &edited); err != nil {
		return model.Appraisal{}, err
	}
	if score.Valid {
		v := int(score.Int64)
		a.Score = &v
	}
	if edited.Valid {
		t := edited.Time
		a.EditedDate = &t
	}
	return a, nil
}

func scoreArg(score *int) any {
	if score == nil {
		return nil
	}
	return *score
}

func (r *Repositories) CreateAppraisal(ctx context.Context, a model.Appraisal) (model.Appraisal, error) {
	if a.AppraisalID == "" {
		a.AppraisalID = uuid.New().String()
	}
	r.Log.Debug("CreateAppraisal: start", zap.String("appraisal_id", a.AppraisalID), zap.String("cycle_id", a.CycleID))
	out, err := scanAppraisal(r.q.QueryRowContext(ctx, `
		INSERT INTO appraisals(appraisal_id, appraised_user_id, appraising_user_id, cycle_id, feedback, score, state, creation_date)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+appraisalColumns,
		a.AppraisalID, a.AppraisedUserID, a.AppraisingUserID, a.CycleID, a.Feedback, scoreArg(a.Score), a.State, a.CreationDate))
	if err != nil {
		r.Log.Error("CreateAppraisal: insert failed", zap.String("appraisal_id", a.AppraisalID), zap.Error(err))
		return model.Appraisal{}, mapError(err)
	}
	r.Log.Info("CreateAppraisal: success", zap.String("appraisal_id", out.AppraisalID))
	return out, nil
}

// InsertAppraisalIfAbsent inserts a unless its (appraised, appraising, cycle) triple is
// already taken, and reports whether a row was written.
func (r *Repositories) InsertAppraisalIfAbsent(ctx context.Context, a model.Appraisal) (bool, error) {
	if a.AppraisalID == "" {
		a.AppraisalID = uuid.New().String()
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO appraisals(appraisal_id, appraised_user_id, appraising_user_id, cycle_id, feedback, score, state, creation_date)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT ON CONSTRAINT appraisals_triple_unique DO NOTHING`,
		a.AppraisalID, a.AppraisedUserID, a.AppraisingUserID, a.CycleID, a.Feedback, scoreArg(a.Score), a.State, a.CreationDate)
	if err != nil {
		r.Log.Error("InsertAppraisalIfAbsent: insert failed",
			zap.String("appraised", a.AppraisedUserID), zap.String("cycle_id", a.CycleID), zap.Error(err))
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		r.Log.Debug("InsertAppraisalIfAbsent: triple exists, skipped",
			zap.String("appraised", a.AppraisedUserID), zap.String("appraising", a.AppraisingUserID))
	}
	return n == 1, nil
}

func (r *Repositories) GetAppraisal(ctx context.Context, appraisalID string) (model.Appraisal, error) {
	return r.getAppraisal(ctx, "GetAppraisal", appraisalID, "")
}

func (r *Repositories) GetAppraisalForUpdate(ctx context.Context, appraisalID string) (model.Appraisal, error) {
	return r.getAppraisal(ctx, "GetAppraisalForUpdate", appraisalID, " FOR UPDATE")
}

func (r *Repositories) getAppraisal(ctx context.Context, logPrefix, appraisalID, lock string) (model.Appraisal, error) {
	r.Log.Debug(logPrefix+": start", zap.String("appraisal_id", appraisalID))
	if _, err := uuid.Parse(appraisalID); err != nil {
		return model.Appraisal{}, model.ErrNotFound
	}
	a, err := scanAppraisal(r.q.QueryRowContext(ctx,
		`SELECT `+appraisalColumns+` FROM appraisals WHERE appraisal_id=$1`+lock, appraisalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.Log.Debug(logPrefix+": not found", zap.String("appraisal_id", appraisalID))
			return model.Appraisal{}, model.ErrNotFound
		}
		r.Log.Error(logPrefix+": query failed", zap.String("appraisal_id", appraisalID), zap.Error(err))
		return model.Appraisal{}, err
	}
	return a, nil
}

func (r *Repositories) FindAppraisal(ctx context.Context, appraisedUserID, appraisingUserID, cycleID string) (model.Appraisal, error) {
	r.Log.Debug("FindAppraisal: start", zap.String("appraised", appraisedUserID),
		zap.String("appraising", appraisingUserID), zap.String("cycle_id", cycleID))
	a, err := scanAppraisal(r.q.QueryRowContext(ctx, `
		SELECT `+appraisalColumns+` FROM appraisals
		WHERE appraised_user_id=$1 AND appraising_user_id=$2 AND cycle_id=$3`,
		appraisedUserID, appraisingUserID, cycleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Appraisal{}, model.ErrNotFound
		}
		r.Log.Error("FindAppraisal: query failed", zap.Error(err))
		return model.Appraisal{}, err
	}
	return a, nil
}

// appraisalWhere renders f as SQL conditions on alias "a", numbering parameters after offset.
func appraisalWhere(f model.AppraisalFilter, offset int) ([]string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, offset+len(args)))
	}
	if f.CycleID != "" {
		add("a.cycle_id=$%d", f.CycleID)
	}
	if f.AppraisedUserID != "" {
		add("a.appraised_user_id=$%d", f.AppraisedUserID)
	}
	if f.AppraisingUserID != "" {
		add("a.appraising_user_id=$%d", f.AppraisingUserID)
	}
	if f.State != "" {
		add("a.state=$%d", f.State)
	}
	return where, args
}

func (r *Repositories) ListAppraisals(ctx context.Context, f model.AppraisalFilter) ([]model.Appraisal, error) {
	r.Log.Debug("ListAppraisals: start", zap.String("cycle_id", f.CycleID), zap.String("state", string(f.State)))
	if f.CycleID != "" {
		if _, err := uuid.Parse(f.CycleID); err != nil {
			return nil, nil
		}
	}
	where, args := appraisalWhere(f, 0)
	query := `SELECT ` + appraisalColumns + ` FROM appraisals a`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY a.creation_date, a.appraised_user_id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		r.Log.Error("ListAppraisals: query failed", zap.Error(err))
		return nil, err
	}
	defer closeRows(r.Log, "ListAppraisals", rows)

	var out []model.Appraisal
	for rows.Next() {
		a, err := scanAppraisal(rows)
		if err != nil {
			r.Log.Error("ListAppraisals: scan failed", zap.Error(err))
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	r.Log.Debug("ListAppraisals: success", zap.Int("count", len(out)))
	return out, nil
}

func (r *Repositories) UpdateAppraisal(ctx context.Context, a model.Appraisal) error {
	r.Log.Debug("UpdateAppraisal: start", zap.String("appraisal_id", a.AppraisalID))
	res, err := r.q.ExecContext(ctx, `
		UPDATE appraisals SET feedback=$2, score=$3, state=$4, edited_date=$5
		WHERE appraisal_id=$1`,
		a.AppraisalID, a.Feedback, scoreArg(a.Score), a.State, a.EditedDate)
	if err != nil {
		r.Log.Error("UpdateAppraisal: update failed", zap.String("appraisal_id", a.AppraisalID), zap.Error(err))
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	r.Log.Info("UpdateAppraisal: success", zap.String("appraisal_id", a.AppraisalID), zap.String("state", string(a.State)))
	return nil
}

// CloseCompletedAppraisals closes every COMPLETED appraisal of an OPEN cycle matching f
// and, when ids is non-nil, whose id is in ids. Anything else is left untouched.
// It returns the number of appraisals closed.
func (r *Repositories) CloseCompletedAppraisals(ctx context.Context, f model.AppraisalFilter, ids []string, at time.Time) (int, error) {
	r.Log.Debug("CloseCompletedAppraisals: start", zap.String("cycle_id", f.CycleID),
		zap.String("user", f.AppraisedUserID), zap.Int("ids", len(ids)))

	f.State = model.AppraisalCompleted
	where, args := appraisalWhere(f, 1)
	args = append([]any{at}, args...)
	where = append(where, "a.cycle_id = c.cycle_id", "c.state='OPEN'")

	if ids != nil {
		valid := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, err := uuid.Parse(id); err == nil {
				valid = append(valid, id)
			}
		}
		if len(valid) == 0 {
			return 0, nil
		}
		args = append(args, pq.Array(valid))
		where = append(where, fmt.Sprintf("a.appraisal_id = ANY($%d::uuid[])", len(args)))
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE appraisals a SET state='CLOSED', edited_date=$1
		FROM cycles c
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		r.Log.Error("CloseCompletedAppraisals: update failed", zap.Error(err))
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	r.Log.Info("CloseCompletedAppraisals: success", zap.Int64("closed", n))
	return int(n), nil
}

func (r *Repositories) DeleteAppraisal(ctx context.Context, appraisalID string) error {
	r.Log.Debug("DeleteAppraisal: start", zap.String("appraisal_id", appraisalID))
	res, err := r.q.ExecContext(ctx, `DELETE FROM appraisals WHERE appraisal_id=$1`, appraisalID)
	if err != nil {
		r.Log.Error("DeleteAppraisal: delete failed", zap.Error(err))
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	r.Log.Info("DeleteAppraisal: success", zap.String("appraisal_id", appraisalID))
	return nil
}

func (r *Repositories) DeleteAppraisalsByCycle(ctx context.Context, cycleID string) (int, error) {
	r.Log.Debug("DeleteAppraisalsByCycle: start", zap.String("cycle_id", cycleID))
	res, err := r.q.ExecContext(ctx, `DELETE FROM appraisals WHERE cycle_id=$1`, cycleID)
	if err != nil {
		r.Log.Error("DeleteAppraisalsByCycle: delete failed", zap.Error(err))
		return 0, err
	}
	n, _ := res.RowsAffected()
	r.Log.Info("DeleteAppraisalsByCycle: success", zap.String("cycle_id", cycleID), zap.Int64("deleted", n))
	return int(n), nil
}
