package service

import (
	"context"

	"github.com/ce-fello/appraisal-service/src/internal/model"

	"go.uber.org/zap"
)

// Notifier receives cycle lifecycle events. Delivery is best effort: errors are
// logged by the service and never fail the operation that triggered them.
type Notifier interface {
	NotifyCycleOpened(ctx context.Context, c model.Cycle, recipients []model.User) error
	NotifyCycleClosed(ctx context.Context, c model.Cycle, recipients []model.User) error
}

// LogNotifier records events in the service log instead of delivering them.
type LogNotifier struct {
	log *zap.Logger
}

var _ Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) NotifyCycleOpened(_ context.Context, c model.Cycle, recipients []model.User) error {
	n.log.Info("cycle opened",
		zap.String("cycle_id", c.CycleID),
		zap.String("start", c.StartDate.Format(model.DateLayout)),
		zap.String("end", c.EndDate.Format(model.DateLayout)),
		zap.Strings("recipients", recipientIDs(recipients)))
	return nil
}

func (n *LogNotifier) NotifyCycleClosed(_ context.Context, c model.Cycle, recipients []model.User) error {
	n.log.Info("cycle closed",
		zap.String("cycle_id", c.CycleID),
		zap.Strings("recipients", recipientIDs(recipients)))
	return nil
}

func recipientIDs(users []model.User) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids
}

type cycleEvent string

const (
	eventOpened cycleEvent = "opened"
	eventClosed cycleEvent = "closed"
)

// notify runs after the triggering transaction has committed.
func (s *Service) notify(ctx context.Context, c model.Cycle, ev cycleEvent) {
	if s.notifier == nil {
		return
	}
	recipients, err := s.repo.ListNotificationRecipients(ctx)
	if err != nil {
		s.log.Warn("notify: recipients lookup failed", zap.String("cycle_id", c.CycleID), zap.Error(err))
		return
	}
	switch ev {
	case eventOpened:
		err = s.notifier.NotifyCycleOpened(ctx, c, recipients)
	case eventClosed:
		err = s.notifier.NotifyCycleClosed(ctx, c, recipients)
	}
	if err != nil {
		s.log.Warn("notify: delivery failed", zap.String("cycle_id", c.CycleID),
			zap.String("event", string(ev)), zap.Error(err))
	}
}
