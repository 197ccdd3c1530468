package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ce-fello/appraisal-service/src/internal/api/apiErrors"
	"github.com/ce-fello/appraisal-service/src/internal/core/cycle"
	"github.com/ce-fello/appraisal-service/src/internal/metrics"
	"github.com/ce-fello/appraisal-service/src/internal/model"
	"github.com/ce-fello/appraisal-service/src/internal/store"

	"go.uber.org/zap"
)

// CreateCycle opens a cycle over [start, end] and creates one IN_PROGRESS appraisal
// per active managed user, all in one transaction. It returns the cycle and the
// number of appraisals created.
func (s *Service) CreateCycle(ctx context.Context, start, end time.Time, adminID string) (model.Cycle, int, error) {
	start, end = model.DateOf(start), model.DateOf(end)

	var created model.Cycle
	var fanned int
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		if err := repo.LockCycles(ctx); err != nil {
			return err
		}

		gc := cycle.CreateContext{AdminID: adminID, StartDate: start, EndDate: end, Today: s.today()}
		var err error
		if gc.UsersWithoutManager, err = repo.ListActiveUsersWithoutManager(ctx); err != nil {
			return err
		}
		if gc.AdminExists, err = userExists(ctx, repo, adminID); err != nil {
			return err
		}
		if gc.Overlapping, err = repo.FindOverlappingCycles(ctx, start, end); err != nil {
			return err
		}
		if err := cycle.CanCreate(gc).Error(); err != nil {
			return err
		}

		created, err = repo.CreateCycle(ctx, model.Cycle{
			StartDate: start,
			EndDate:   end,
			State:     model.CycleOpen,
			AdminID:   adminID,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			return mapStoreErr(err, apiErrors.EntityCycle, "")
		}

		fanned, err = s.fanOut(ctx, repo, created)
		return err
	})
	if err != nil {
		return model.Cycle{}, 0, err
	}

	metrics.RecordCycleEvent("created")
	metrics.RecordAppraisalTransition(string(model.AppraisalInProgress), fanned)
	s.log.Info("cycle created", zap.String("cycle_id", created.CycleID), zap.Int("appraisals", fanned))
	s.notify(ctx, created, eventOpened)
	return created, fanned, nil
}

// fanOut inserts one appraisal per active managed user, skipping triples that already exist.
// A user whose manager does not resolve aborts the surrounding transaction.
func (s *Service) fanOut(ctx context.Context, repo store.Repository, c model.Cycle) (int, error) {
	managed, err := repo.ListActiveUsersWithManager(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	created := 0
	for _, mu := range managed {
		if mu.Manager.UserID == "" {
			s.log.Error("fanOut: manager not resolved", zap.String("user", mu.User.UserID), zap.String("cycle_id", c.CycleID))
			return 0, apiErrors.New(apiErrors.InternalError, apiErrors.EntityUser, mu.User.UserID,
				"manager of active user "+mu.User.UserID+" could not be resolved")
		}
		ok, err := repo.InsertAppraisalIfAbsent(ctx, model.Appraisal{
			AppraisedUserID:  mu.User.UserID,
			AppraisingUserID: mu.Manager.UserID,
			CycleID:          c.CycleID,
			State:            model.AppraisalInProgress,
			CreationDate:     now,
		})
		if err != nil {
			return 0, fmt.Errorf("fan out appraisal for %s: %w", mu.User.UserID, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// UpdateCycle changes a cycle's dates and, when newAdminID is set, its admin.
// Existing appraisals are left untouched.
func (s *Service) UpdateCycle(ctx context.Context, id string, start, end time.Time, newAdminID string) (model.Cycle, error) {
	start, end = model.DateOf(start), model.DateOf(end)

	var out model.Cycle
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		if err := repo.LockCycles(ctx); err != nil {
			return err
		}
		uc := cycle.UpdateContext{CycleID: id, StartDate: start, EndDate: end, NewAdminID: newAdminID}
		c, err := repo.GetCycleForUpdate(ctx, id)
		if uc.Exists, err = found(err); err != nil {
			return err
		}
		if uc.Exists {
			uc.State = c.State
			if uc.Overlapping, err = repo.FindOverlappingCycles(ctx, start, end); err != nil {
				return err
			}
		}
		if newAdminID != "" {
			if uc.NewAdminExists, err = userExists(ctx, repo, newAdminID); err != nil {
				return err
			}
		}
		if err := cycle.CanUpdate(uc).Error(); err != nil {
			return err
		}

		c.StartDate, c.EndDate = start, end
		if newAdminID != "" {
			c.AdminID = newAdminID
		}
		if err := repo.UpdateCycle(ctx, c); err != nil {
			return mapStoreErr(err, apiErrors.EntityCycle, id)
		}
		out = c
		return nil
	})
	if err != nil {
		return model.Cycle{}, err
	}
	metrics.RecordCycleEvent("updated")
	return out, nil
}

// closeState loads a cycle and, when it is OPEN, its IN_PROGRESS appraisals.
func closeState(ctx context.Context, repo store.Repository, id string, lock bool) (model.Cycle, cycle.CloseContext, error) {
	cc := cycle.CloseContext{CycleID: id}
	var c model.Cycle
	var err error
	if lock {
		c, err = repo.GetCycleForUpdate(ctx, id)
	} else {
		c, err = repo.GetCycle(ctx, id)
	}
	if cc.Exists, err = found(err); err != nil || !cc.Exists {
		return c, cc, err
	}
	cc.State = c.State
	if c.State == model.CycleOpen {
		cc.Blocking, err = repo.ListAppraisals(ctx, model.AppraisalFilter{CycleID: id, State: model.AppraisalInProgress})
	}
	return c, cc, err
}

// CanCloseCycle reports whether the cycle could be closed now and, if not, which
// appraisals are blocking it. Missing and already CLOSED cycles are errors.
func (s *Service) CanCloseCycle(ctx context.Context, id string) (model.CloseCheck, error) {
	_, cc, err := closeState(ctx, s.repo, id, false)
	if err != nil {
		return model.CloseCheck{}, fmt.Errorf("can close cycle %s: %w", id, err)
	}
	r := cycle.CanClose(cc)
	if !r.Allowed && len(cc.Blocking) == 0 {
		return model.CloseCheck{}, r.Error()
	}
	return model.CloseCheck{
		CycleID:       id,
		CanClose:      r.Allowed,
		Reason:        r.Reason,
		BlockingUsers: cycle.BlockingUsers(cc.Blocking),
		Blocking:      cc.Blocking,
	}, nil
}

func (s *Service) CloseCycle(ctx context.Context, id string) (model.Cycle, error) {
	var out model.Cycle
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		c, cc, err := closeState(ctx, repo, id, true)
		if err != nil {
			return err
		}
		if err := cycle.CanClose(cc).Error(); err != nil {
			return err
		}
		if err := repo.SetCycleState(ctx, id, model.CycleClosed); err != nil {
			return mapStoreErr(err, apiErrors.EntityCycle, id)
		}
		c.State = model.CycleClosed
		out = c
		return nil
	})
	if err != nil {
		return model.Cycle{}, err
	}

	metrics.RecordCycleEvent("closed")
	s.log.Info("cycle closed", zap.String("cycle_id", id))
	s.notify(ctx, out, eventClosed)
	return out, nil
}

// ReopenCycle returns a CLOSED cycle to OPEN unless its range now overlaps another cycle.
func (s *Service) ReopenCycle(ctx context.Context, id string) (model.Cycle, error) {
	var out model.Cycle
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		if err := repo.LockCycles(ctx); err != nil {
			return err
		}
		rc := cycle.ReopenContext{CycleID: id}
		c, err := repo.GetCycleForUpdate(ctx, id)
		if rc.Exists, err = found(err); err != nil {
			return err
		}
		if rc.Exists {
			rc.State, rc.StartDate, rc.EndDate = c.State, c.StartDate, c.EndDate
			if rc.Overlapping, err = repo.FindOverlappingCycles(ctx, c.StartDate, c.EndDate); err != nil {
				return err
			}
		}
		if err := cycle.CanReopen(rc).Error(); err != nil {
			return err
		}
		if err := repo.SetCycleState(ctx, id, model.CycleOpen); err != nil {
			return mapStoreErr(err, apiErrors.EntityCycle, id)
		}
		c.State = model.CycleOpen
		out = c
		return nil
	})
	if err != nil {
		return model.Cycle{}, err
	}
	metrics.RecordCycleEvent("reopened")
	s.log.Info("cycle reopened", zap.String("cycle_id", id))
	return out, nil
}

// DeleteCycle removes a cycle that has not started yet together with its appraisals.
// It returns the number of appraisals removed.
func (s *Service) DeleteCycle(ctx context.Context, id string) (int, error) {
	var removed int
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		dc := cycle.DeleteContext{Today: s.today()}
		c, err := repo.GetCycleForUpdate(ctx, id)
		if dc.Exists, err = found(err); err != nil {
			return err
		}
		dc.Cycle = c
		dc.Cycle.CycleID = id
		if err := cycle.CanDelete(dc).Error(); err != nil {
			return err
		}
		if removed, err = repo.DeleteAppraisalsByCycle(ctx, id); err != nil {
			return err
		}
		return mapStoreErr(repo.DeleteCycle(ctx, id), apiErrors.EntityCycle, id)
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordCycleEvent("deleted")
	s.log.Info("cycle deleted", zap.String("cycle_id", id), zap.Int("appraisals", removed))
	return removed, nil
}

// CloseExpiredCycles closes every OPEN cycle whose end date is before today, one
// transaction per cycle. Without force, cycles that still have IN_PROGRESS appraisals
// are skipped. Failures on one cycle do not stop the sweep; they are joined into the
// returned error.
func (s *Service) CloseExpiredCycles(ctx context.Context) (int, error) {
	today := s.today()
	expired, err := s.repo.ListExpiredOpenCycles(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("list expired cycles: %w", err)
	}

	closed := 0
	var errs []error
	for _, c := range expired {
		ok, err := s.closeExpired(ctx, c.CycleID, today)
		if err != nil {
			s.log.Error("CloseExpiredCycles: close failed", zap.String("cycle_id", c.CycleID), zap.Error(err))
			errs = append(errs, fmt.Errorf("cycle %s: %w", c.CycleID, err))
			continue
		}
		if !ok {
			continue
		}
		closed++
		c.State = model.CycleClosed
		metrics.RecordCycleEvent("expired")
		s.notify(ctx, c, eventClosed)
	}
	s.log.Info("CloseExpiredCycles: done", zap.Int("expired", len(expired)), zap.Int("closed", closed),
		zap.Bool("force", s.forceExpiry))
	return closed, errors.Join(errs...)
}

func (s *Service) closeExpired(ctx context.Context, id string, today time.Time) (bool, error) {
	closed := false
	err := s.repo.InTx(ctx, func(repo store.Repository) error {
		c, err := repo.GetCycleForUpdate(ctx, id)
		if err != nil {
			return mapStoreErr(err, apiErrors.EntityCycle, id)
		}
		if !cycle.IsExpired(c, today) {
			return nil
		}
		if !s.forceExpiry {
			blocking, err := repo.ListAppraisals(ctx, model.AppraisalFilter{CycleID: id, State: model.AppraisalInProgress})
			if err != nil {
				return err
			}
			if len(blocking) > 0 {
				s.log.Warn("CloseExpiredCycles: skipped, appraisals in progress",
					zap.String("cycle_id", id), zap.Strings("users", cycle.BlockingUsers(blocking)))
				return nil
			}
		}
		if err := repo.SetCycleState(ctx, id, model.CycleClosed); err != nil {
			return err
		}
		closed = true
		return nil
	})
	return closed, err
}

func (s *Service) GetCycle(ctx context.Context, id string) (model.Cycle, error) {
	c, err := s.repo.GetCycle(ctx, id)
	if err != nil {
		return model.Cycle{}, mapStoreErr(err, apiErrors.EntityCycle, id)
	}
	return c, nil
}

func (s *Service) ListCycles(ctx context.Context, f model.CycleFilter) ([]model.Cycle, error) {
	switch f.State {
	case "", model.CycleOpen, model.CycleClosed:
	default:
		return nil, apiErrors.New(apiErrors.InvalidArgument, apiErrors.EntityCycle, "", "unknown state "+string(f.State))
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, apiErrors.New(apiErrors.InvalidArgument, apiErrors.EntityCycle, "", "from is after to")
	}
	out, err := s.repo.ListCycles(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	if out == nil {
		out = []model.Cycle{}
	}
	return out, nil
}

// CycleProgress reports how many of a cycle's appraisals are in each state.
func (s *Service) CycleProgress(ctx context.Context, id string) (model.CycleProgress, error) {
	c, err := s.repo.GetCycle(ctx, id)
	if err != nil {
		return model.CycleProgress{}, mapStoreErr(err, apiErrors.EntityCycle, id)
	}
	counts, err := s.repo.CountAppraisalsByState(ctx, id)
	if err != nil {
		return model.CycleProgress{}, fmt.Errorf("cycle progress %s: %w", id, err)
	}
	p := model.CycleProgress{CycleID: id, State: c.State, ByState: map[string]int{}}
	for _, st := range []model.AppraisalState{model.AppraisalInProgress, model.AppraisalCompleted, model.AppraisalClosed} {
		p.ByState[string(st)] = counts[string(st)]
		p.Total += counts[string(st)]
	}
	return p, nil
}
