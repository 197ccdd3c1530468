package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ce-fello/appraisal-service/src/internal/api/apiErrors"
	"github.com/ce-fello/appraisal-service/src/internal/core/appraisal"
	"github.com/ce-fello/appraisal-service/src/internal/metrics"
	"github.com/ce-fello/appraisal-service/src/internal/model"
	"github.com/ce-fello/appraisal-service/src/internal/store"

	"go.uber.org/zap"
)

func (s *Service) CreateAppraisal(ctx context.Context, actor model.Actor, in model.NewAppraisal) (model.Appraisal, error) {
	if in.AppraisedUserID == "" || in.AppraisingUserID == "" || in.CycleID == "" {
		return model.Appraisal{}, apiErrors.New(apiErrors.InvalidArgument, apiErrors.EntityAppraisal, "",
			"appraised_user_id, appraising_user_id and cycle_id are required")
	}

	var out model.Appraisal
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		gc := appraisal.CreateContext{
			AppraisedUserID:  in.AppraisedUserID,
			AppraisingUserID: in.AppraisingUserID,
			CycleID:          in.CycleID,
			Actor:            actor,
			Score:            in.Score,
		}
		var err error
		if gc.AppraisedExists, err = userExists(ctx, repo, in.AppraisedUserID); err != nil {
			return err
		}
		if gc.AppraisingExists, err = userExists(ctx, repo, in.AppraisingUserID); err != nil {
			return err
		}

		c, err := repo.GetCycleForUpdate(ctx, in.CycleID)
		if gc.CycleExists, err = found(err); err != nil {
			return err
		}
		if gc.CycleExists {
			gc.CycleState = c.State
			_, err := repo.FindAppraisal(ctx, in.AppraisedUserID, in.AppraisingUserID, in.CycleID)
			if gc.TripleExists, err = found(err); err != nil {
				return err
			}
		}
		if gc.AppraisedExists && gc.AppraisingExists {
			if gc.IsManager, err = repo.IsManagerOf(ctx, in.AppraisingUserID, in.AppraisedUserID); err != nil {
				return err
			}
		}

		if err := appraisal.CanCreate(gc).Error(); err != nil {
			return err
		}

		out, err = repo.CreateAppraisal(ctx, model.Appraisal{
			AppraisedUserID:  in.AppraisedUserID,
			AppraisingUserID: in.AppraisingUserID,
			CycleID:          in.CycleID,
			Feedback:         in.Feedback,
			Score:            in.Score,
			State:            model.AppraisalInProgress,
			CreationDate:     s.now().UTC(),
		})
		if errors.Is(err, model.ErrDuplicate) {
			return apiErrors.New(apiErrors.Conflict, apiErrors.EntityAppraisal, "",
				fmt.Sprintf("appraisal of %s by %s already exists in cycle %s", in.AppraisedUserID, in.AppraisingUserID, in.CycleID))
		}
		return mapStoreErr(err, apiErrors.EntityAppraisal, "")
	})
	if err != nil {
		return model.Appraisal{}, err
	}

	metrics.RecordAppraisalTransition(string(model.AppraisalInProgress), 1)
	s.log.Info("appraisal created", zap.String("appraisal_id", out.AppraisalID), zap.String("cycle_id", out.CycleID))
	return out, nil
}

// loadForTransition row-locks the appraisal and gathers what the transition guards need.
// A missing appraisal yields a context with Exists=false and no error.
func (s *Service) loadForTransition(ctx context.Context, repo store.Repository, id string, actor model.Actor) (model.Appraisal, appraisal.TransitionContext, error) {
	tc := appraisal.TransitionContext{AppraisalID: id, Actor: actor}
	a, err := repo.GetAppraisalForUpdate(ctx, id)
	if tc.Exists, err = found(err); err != nil || !tc.Exists {
		return a, tc, err
	}
	tc.State = a.State
	tc.AppraisingUserID = a.AppraisingUserID

	c, err := repo.GetCycle(ctx, a.CycleID)
	if err != nil {
		return a, tc, fmt.Errorf("load cycle %s of appraisal %s: %w", a.CycleID, id, err)
	}
	tc.CycleState = c.State
	return a, tc, nil
}

func (s *Service) UpdateAppraisal(ctx context.Context, actor model.Actor, id string, patch model.AppraisalPatch) (model.Appraisal, error) {
	var out model.Appraisal
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		a, tc, err := s.loadForTransition(ctx, repo, id, actor)
		if err != nil {
			return err
		}
		if err := appraisal.CanUpdate(tc, patch.Score).Error(); err != nil {
			return err
		}
		if patch.Feedback != nil {
			a.Feedback = *patch.Feedback
		}
		if patch.Score != nil {
			score := *patch.Score
			a.Score = &score
		}
		now := s.now().UTC()
		a.EditedDate = &now
		if err := repo.UpdateAppraisal(ctx, a); err != nil {
			return mapStoreErr(err, apiErrors.EntityAppraisal, id)
		}
		out = a
		return nil
	})
	if err != nil {
		return model.Appraisal{}, err
	}
	return out, nil
}

// CompleteAppraisal moves an appraisal to COMPLETED. Completing an already
// COMPLETED appraisal returns it unchanged.
func (s *Service) CompleteAppraisal(ctx context.Context, actor model.Actor, id string) (model.Appraisal, error) {
	var out model.Appraisal
	changed := false
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		a, tc, err := s.loadForTransition(ctx, repo, id, actor)
		if err != nil {
			return err
		}
		if err := appraisal.CanComplete(tc).Error(); err != nil {
			return err
		}
		out = a
		if a.State == model.AppraisalCompleted {
			return nil
		}
		now := s.now().UTC()
		a.State = model.AppraisalCompleted
		a.EditedDate = &now
		if err := repo.UpdateAppraisal(ctx, a); err != nil {
			return mapStoreErr(err, apiErrors.EntityAppraisal, id)
		}
		out, changed = a, true
		return nil
	})
	if err != nil {
		return model.Appraisal{}, err
	}
	if changed {
		metrics.RecordAppraisalTransition(string(model.AppraisalCompleted), 1)
	}
	return out, nil
}

// CloseAppraisal closes a single COMPLETED appraisal of an OPEN cycle.
func (s *Service) CloseAppraisal(ctx context.Context, id string) (model.Appraisal, error) {
	var out model.Appraisal
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		a, tc, err := s.loadForTransition(ctx, repo, id, model.Actor{})
		if err != nil {
			return err
		}
		if err := appraisal.CanClose(tc).Error(); err != nil {
			return err
		}
		now := s.now().UTC()
		a.State = model.AppraisalClosed
		a.EditedDate = &now
		if err := repo.UpdateAppraisal(ctx, a); err != nil {
			return mapStoreErr(err, apiErrors.EntityAppraisal, id)
		}
		out = a
		return nil
	})
	if err != nil {
		return model.Appraisal{}, err
	}
	metrics.RecordAppraisalTransition(string(model.AppraisalClosed), 1)
	return out, nil
}

// CloseAppraisalsByIDs closes the listed appraisals that are COMPLETED in an OPEN cycle.
// Other ids are skipped. It returns how many were closed.
func (s *Service) CloseAppraisalsByIDs(ctx context.Context, ids []string) (int, error) {
	if ids == nil {
		ids = []string{}
	}
	return s.closeBulk(ctx, "ids", func(repo store.Repository) (int, error) {
		return repo.CloseCompletedAppraisals(ctx, model.AppraisalFilter{}, ids, s.now().UTC())
	})
}

func (s *Service) CloseAppraisalsByCycle(ctx context.Context, cycleID string) (int, error) {
	return s.closeBulk(ctx, "cycle", func(repo store.Repository) (int, error) {
		c, err := repo.GetCycleForUpdate(ctx, cycleID)
		if err != nil {
			return 0, mapStoreErr(err, apiErrors.EntityCycle, cycleID)
		}
		if c.State != model.CycleOpen {
			return 0, apiErrors.New(apiErrors.Conflict, apiErrors.EntityCycle, cycleID, "cycle "+cycleID+" is not open")
		}
		return repo.CloseCompletedAppraisals(ctx, model.AppraisalFilter{CycleID: cycleID}, nil, s.now().UTC())
	})
}

// CloseAppraisalsByUser closes the eligible appraisals where userID is the appraised user.
func (s *Service) CloseAppraisalsByUser(ctx context.Context, userID string) (int, error) {
	return s.closeBulk(ctx, "user", func(repo store.Repository) (int, error) {
		if _, err := repo.GetUser(ctx, userID); err != nil {
			return 0, mapStoreErr(err, apiErrors.EntityUser, userID)
		}
		return repo.CloseCompletedAppraisals(ctx, model.AppraisalFilter{AppraisedUserID: userID}, nil, s.now().UTC())
	})
}

// CloseAllAppraisals closes every COMPLETED appraisal across all OPEN cycles.
func (s *Service) CloseAllAppraisals(ctx context.Context) (int, error) {
	return s.closeBulk(ctx, "all", func(repo store.Repository) (int, error) {
		return repo.CloseCompletedAppraisals(ctx, model.AppraisalFilter{}, nil, s.now().UTC())
	})
}

func (s *Service) closeBulk(ctx context.Context, scope string, fn func(repo store.Repository) (int, error)) (int, error) {
	var closed int
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		var err error
		closed, err = fn(repo)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordAppraisalTransition(string(model.AppraisalClosed), closed)
	s.log.Info("appraisals closed in bulk", zap.String("scope", scope), zap.Int("closed", closed))
	return closed, nil
}

func (s *Service) DeleteAppraisal(ctx context.Context, actor model.Actor, id string) error {
	return s.repo.InTx(ctx, func(repo store.Repository) error {
		_, tc, err := s.loadForTransition(ctx, repo, id, actor)
		if err != nil {
			return err
		}
		if err := appraisal.CanDelete(tc).Error(); err != nil {
			return err
		}
		return mapStoreErr(repo.DeleteAppraisal(ctx, id), apiErrors.EntityAppraisal, id)
	})
}

func (s *Service) GetAppraisal(ctx context.Context, id string) (model.Appraisal, error) {
	a, err := s.repo.GetAppraisal(ctx, id)
	if err != nil {
		return model.Appraisal{}, mapStoreErr(err, apiErrors.EntityAppraisal, id)
	}
	return a, nil
}

func (s *Service) FindAppraisal(ctx context.Context, appraisedUserID, appraisingUserID, cycleID string) (model.Appraisal, error) {
	a, err := s.repo.FindAppraisal(ctx, appraisedUserID, appraisingUserID, cycleID)
	if err != nil {
		return model.Appraisal{}, mapStoreErr(err, apiErrors.EntityAppraisal, "")
	}
	return a, nil
}

// ListAppraisals filters by cycle, appraised user, appraising user (the manager) and state.
func (s *Service) ListAppraisals(ctx context.Context, f model.AppraisalFilter) ([]model.Appraisal, error) {
	switch f.State {
	case "", model.AppraisalInProgress, model.AppraisalCompleted, model.AppraisalClosed:
	default:
		return nil, apiErrors.New(apiErrors.InvalidArgument, apiErrors.EntityAppraisal, "", "unknown state "+string(f.State))
	}
	out, err := s.repo.ListAppraisals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appraisals: %w", err)
	}
	if out == nil {
		out = []model.Appraisal{}
	}
	return out, nil
}

// CanActOnAppraisal reports whether actor may mutate the appraisal.
func (s *Service) CanActOnAppraisal(ctx context.Context, actor model.Actor, id string) (bool, error) {
	a, err := s.repo.GetAppraisal(ctx, id)
	if err != nil {
		return false, mapStoreErr(err, apiErrors.EntityAppraisal, id)
	}
	return appraisal.CanAct(id, actor, a.AppraisingUserID).Allowed, nil
}
