package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ce-fello/appraisal-service/src/internal/metrics"
)

const jobTimeout = time.Minute

// ExpiredCycleCloser is the part of the service the sweep drives.
type ExpiredCycleCloser interface {
	CloseExpiredCycles(ctx context.Context) (int, error)
}

type ExpiryScheduler struct {
	cronEngine *cron.Cron
	closer     ExpiredCycleCloser
	log        *zap.Logger
	spec       string
}

func NewExpiryScheduler(closer ExpiredCycleCloser, logger *zap.Logger, spec string) *ExpiryScheduler {
	return &ExpiryScheduler{
		cronEngine: cron.New(cron.WithLocation(time.UTC)),
		closer:     closer,
		log:        logger,
		spec:       spec,
	}
}

// Start registers the sweep and starts the cron engine. An invalid spec is returned as an error.
func (s *ExpiryScheduler) Start() error {
	if _, err := s.cronEngine.AddFunc(s.spec, s.RunOnce); err != nil {
		return fmt.Errorf("add expiry job %q: %w", s.spec, err)
	}
	s.cronEngine.Start()
	s.log.Info("expiry scheduler started", zap.String("spec", s.spec))
	return nil
}

// RunOnce performs a single sweep bounded by jobTimeout.
func (s *ExpiryScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	s.log.Debug("expiry sweep triggered")
	closed, err := s.closer.CloseExpiredCycles(ctx)
	metrics.RecordExpirySweep(err == nil)
	if err != nil {
		s.log.Error("expiry sweep failed", zap.Int("closed", closed), zap.Error(err))
		return
	}
	s.log.Info("expiry sweep finished", zap.Int("closed", closed))
}

// Stop stops scheduling new runs and waits for a running sweep to finish.
func (s *ExpiryScheduler) Stop() {
	ctx := s.cronEngine.Stop()
	<-ctx.Done()
	s.log.Info("expiry scheduler stopped")
}
