package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ce-fello/appraisal-service/src/internal/model"

	"go.uber.org/zap"
)

const userColumns = `user_id, username, role, manager_id, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (model.User, error) {
	var u model.User
	var managerID sql.NullString
	if err := s.Scan(&u.UserID, &u.Username, &u.Role, &managerID, &u.IsActive); err != nil {
		return model.User{}, err
	}
	if managerID.Valid {
		m := managerID.String
		u.ManagerID = &m
	}
	return u, nil
}

func (r *Repositories) GetUser(ctx context.Context, userID string) (model.User, error) {
	r.Log.Debug("GetUser: start", zap.String("user", userID))
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.Log.Debug("GetUser: not found", zap.String("user", userID))
			return model.User{}, model.ErrNotFound
		}
		r.Log.Error("GetUser: query failed", zap.Error(err))
		return model.User{}, err
	}
	r.Log.Debug("GetUser: success", zap.String("user", userID))
	return u, nil
}

func (r *Repositories) UpsertUser(ctx context.Context, u model.User) (model.User, error) {
	r.Log.Debug("UpsertUser: start", zap.String("user", u.UserID))
	if u.Role == "" {
		u.Role = model.RoleEmployee
	}
	out, err := scanUser(r.q.QueryRowContext(ctx, `
		INSERT INTO users(user_id, username, role, manager_id, is_active) VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (user_id) DO UPDATE
		SET username=EXCLUDED.username, role=EXCLUDED.role, manager_id=EXCLUDED.manager_id, is_active=EXCLUDED.is_active
		RETURNING `+userColumns,
		u.UserID, u.Username, u.Role, u.ManagerID, u.IsActive))
	if err != nil {
		r.Log.Error("UpsertUser: upsert failed", zap.String("user", u.UserID), zap.Error(err))
		return model.User{}, mapError(err)
	}
	r.Log.Info("UpsertUser: success", zap.String("user", u.UserID))
	return out, nil
}

func (r *Repositories) SetUserIsActive(ctx context.Context, userID string, isActive bool) (model.User, error) {
	r.Log.Debug("SetUserIsActive: start", zap.String("user", userID), zap.Bool("is_active", isActive))
	u, err := scanUser(r.q.QueryRowContext(ctx,
		`UPDATE users SET is_active=$2 WHERE user_id=$1 RETURNING `+userColumns, userID, isActive))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.Log.Debug("SetUserIsActive: user not found", zap.String("user", userID))
			return model.User{}, model.ErrNotFound
		}
		r.Log.Error("SetUserIsActive: update failed", zap.Error(err))
		return model.User{}, err
	}
	r.Log.Info("SetUserIsActive: success", zap.String("user", userID), zap.Bool("is_active", u.IsActive))
	return u, nil
}

// ListActiveUsersWithoutManager returns active non-admin users nobody appraises.
func (r *Repositories) ListActiveUsersWithoutManager(ctx context.Context) ([]model.User, error) {
	r.Log.Debug("ListActiveUsersWithoutManager: start")
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE is_active=true AND manager_id IS NULL AND role <> 'ADMIN'
		ORDER BY user_id`)
	if err != nil {
		r.Log.Error("ListActiveUsersWithoutManager: query failed", zap.Error(err))
		return nil, err
	}
	defer closeRows(r.Log, "ListActiveUsersWithoutManager", rows)

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			r.Log.Error("ListActiveUsersWithoutManager: scan failed", zap.Error(err))
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	r.Log.Debug("ListActiveUsersWithoutManager: success", zap.Int("count", len(users)))
	return users, nil
}

// ListActiveUsersWithManager returns every active user with a manager reference.
// The manager side is left zero when the reference does not resolve.
func (r *Repositories) ListActiveUsersWithManager(ctx context.Context) ([]model.ManagedUser, error) {
	r.Log.Debug("ListActiveUsersWithManager: start")
	rows, err := r.q.QueryContext(ctx, `
		SELECT u.user_id, u.username, u.role, u.manager_id, u.is_active,
		       m.user_id, m.username, m.role, m.manager_id, m.is_active
		FROM users u
		LEFT JOIN users m ON m.user_id = u.manager_id
		WHERE u.is_active=true AND u.manager_id IS NOT NULL
		ORDER BY u.user_id`)
	if err != nil {
		r.Log.Error("ListActiveUsersWithManager: query failed", zap.Error(err))
		return nil, err
	}
	defer closeRows(r.Log, "ListActiveUsersWithManager", rows)

	var out []model.ManagedUser
	for rows.Next() {
		var mu model.ManagedUser
		var managerID, mID, mName, mRole, mManagerID sql.NullString
		var mActive sql.NullBool
		if err := rows.Scan(&mu.User.UserID, &mu.User.Username, &mu.User.Role, &managerID, &mu.User.IsActive,
			&mID, &mName, &mRole, &mManagerID, &mActive); err != nil {
			r.Log.Error("ListActiveUsersWithManager: scan failed", zap.Error(err))
			return nil, err
		}
		if managerID.Valid {
			m := managerID.String
			mu.User.ManagerID = &m
		}
		if mID.Valid {
			mu.Manager = model.User{UserID: mID.String, Username: mName.String, Role: model.UserRole(mRole.String), IsActive: mActive.Bool}
			if mManagerID.Valid {
				m := mManagerID.String
				mu.Manager.ManagerID = &m
			}
		}
		out = append(out, mu)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	r.Log.Debug("ListActiveUsersWithManager: success", zap.Int("count", len(out)))
	return out, nil
}

func (r *Repositories) IsManagerOf(ctx context.Context, managerID, userID string) (bool, error) {
	r.Log.Debug("IsManagerOf: check", zap.String("manager", managerID), zap.String("user", userID))
	var ok bool
	if err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE user_id=$1 AND manager_id=$2)`, userID, managerID).Scan(&ok); err != nil {
		r.Log.Error("IsManagerOf: query failed", zap.Error(err))
		return false, err
	}
	return ok, nil
}

// ListNotificationRecipients returns active admins and everyone who manages an active user.
func (r *Repositories) ListNotificationRecipients(ctx context.Context) ([]model.User, error) {
	r.Log.Debug("ListNotificationRecipients: start")
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users u
		WHERE u.is_active=true AND (
			u.role='ADMIN' OR EXISTS(SELECT 1 FROM users s WHERE s.manager_id=u.user_id AND s.is_active=true)
		)
		ORDER BY u.user_id`)
	if err != nil {
		r.Log.Error("ListNotificationRecipients: query failed", zap.Error(err))
		return nil, err
	}
	defer closeRows(r.Log, "ListNotificationRecipients", rows)

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			r.Log.Error("ListNotificationRecipients: scan failed", zap.Error(err))
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
