package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ce-fello/appraisal-service/src/internal/api/apiErrors"
	"github.com/ce-fello/appraisal-service/src/internal/model"
	"github.com/ce-fello/appraisal-service/src/internal/store"

	"go.uber.org/zap"
)

type Service struct {
	repo        store.Repository
	log         *zap.Logger
	now         func() time.Time
	notifier    Notifier
	forceExpiry bool
}

type Option func(*Service)

// WithClock replaces the wall clock used for "now" and "today".
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithForceExpiry controls whether the expiry sweep closes cycles that still have
// IN_PROGRESS appraisals.
func WithForceExpiry(force bool) Option {
	return func(s *Service) { s.forceExpiry = force }
}

func NewService(repos store.Repository, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:        repos,
		log:         logger,
		now:         time.Now,
		forceExpiry: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) today() time.Time {
	return model.DateOf(s.now())
}

func (s *Service) AddUser(ctx context.Context, u model.User) (model.User, error) {
	if u.UserID == "" {
		return model.User{}, apiErrors.New(apiErrors.InvalidArgument, apiErrors.EntityUser, "", "user_id is required")
	}
	switch u.Role {
	case "", model.RoleAdmin, model.RoleManager, model.RoleEmployee:
	default:
		return model.User{}, apiErrors.New(apiErrors.InvalidArgument, apiErrors.EntityUser, u.UserID, "unknown role "+string(u.Role))
	}
	if u.ManagerID != nil {
		if *u.ManagerID == u.UserID {
			return model.User{}, apiErrors.New(apiErrors.InvalidArgument, apiErrors.EntityUser, u.UserID, "user cannot manage themselves")
		}
		if _, err := s.repo.GetUser(ctx, *u.ManagerID); err != nil {
			return model.User{}, mapStoreErr(err, apiErrors.EntityUser, *u.ManagerID)
		}
	}
	out, err := s.repo.UpsertUser(ctx, u)
	if err != nil {
		return model.User{}, mapStoreErr(err, apiErrors.EntityUser, u.UserID)
	}
	return out, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (model.User, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, mapStoreErr(err, apiErrors.EntityUser, userID)
	}
	return u, nil
}

func (s *Service) SetUserIsActive(ctx context.Context, userID string, isActive bool) (model.User, error) {
	u, err := s.repo.SetUserIsActive(ctx, userID, isActive)
	if err != nil {
		return model.User{}, mapStoreErr(err, apiErrors.EntityUser, userID)
	}
	return u, nil
}

// StatsForUser counts appraisals received and given by userID. Unknown users get zeros.
func (s *Service) StatsForUser(ctx context.Context, userID string) (model.UserStats, error) {
	st, err := s.repo.GetUserStats(ctx, userID)
	if err != nil {
		return model.UserStats{}, fmt.Errorf("stats for user %s: %w", userID, err)
	}
	return st, nil
}

// mapStoreErr turns store sentinels into typed API errors about entity/id.
// Typed errors pass through; anything else is wrapped and surfaces as INTERNAL_ERROR.
func mapStoreErr(err error, entity, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		return apiErrors.NotFoundErr(entity, id)
	case errors.Is(err, model.ErrDuplicate):
		return apiErrors.New(apiErrors.Conflict, entity, id, entity+" already exists")
	case errors.Is(err, model.ErrOverlap):
		return apiErrors.New(apiErrors.Conflict, entity, id, "date range overlaps an existing cycle")
	}
	var apiErr apiErrors.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("%s %s: %w", entity, id, err)
}

// found reports whether a lookup succeeded, treating ErrNotFound as a plain miss.
func found(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func userExists(ctx context.Context, repo store.Repository, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	_, err := repo.GetUser(ctx, userID)
	return found(err)
}
