package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/ce-fello/appraisal-service/src/internal/model"
)

func (r *Repositories) queryCountMap(ctx context.Context, query string, args []any, scan func(*sql.Rows) (string, int, error), logPrefix string) (map[string]int, error) {
	r.Log.Debug(logPrefix + ": start")
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		r.Log.Error(logPrefix+": query failed", zap.Error(err))
		return nil, err
	}
	defer closeRows(r.Log, logPrefix, rows)

	result := make(map[string]int)
	for rows.Next() {
		key, count, err := scan(rows)
		if err != nil {
			r.Log.Error(logPrefix+": scan failed", zap.Error(err))
			return nil, err
		}
		result[key] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.Log.Debug(logPrefix+": success", zap.Int("items", len(result)))
	return result, nil
}

func scanKeyCount(rows *sql.Rows) (string, int, error) {
	var key string
	var count int
	if err := rows.Scan(&key, &count); err != nil {
		return "", 0, err
	}
	return key, count, nil
}

// GetUserStats counts appraisals received and given by userID. Unknown users get zeros.
func (r *Repositories) GetUserStats(ctx context.Context, userID string) (model.UserStats, error) {
	counts, err := r.queryCountMap(ctx, `
		SELECT 'received', COUNT(*) FROM appraisals WHERE appraised_user_id=$1
		UNION ALL
		SELECT 'given', COUNT(*) FROM appraisals WHERE appraising_user_id=$1
	`, []any{userID}, scanKeyCount, "GetUserStats")
	if err != nil {
		return model.UserStats{}, err
	}
	return model.UserStats{UserID: userID, Received: counts["received"], Given: counts["given"]}, nil
}

// CountAppraisalsByState returns the number of appraisals per state in a cycle.
func (r *Repositories) CountAppraisalsByState(ctx context.Context, cycleID string) (map[string]int, error) {
	return r.queryCountMap(ctx, `
		SELECT state, COUNT(*)
		FROM appraisals
		WHERE cycle_id=$1
		GROUP BY state
	`, []any{cycleID}, scanKeyCount, "CountAppraisalsByState")
}
