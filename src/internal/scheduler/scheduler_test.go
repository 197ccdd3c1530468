package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type mockCloser struct {
	mock.Mock
}

func (m *mockCloser) CloseExpiredCycles(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestRunOnce_CallsCloserWithDeadline(t *testing.T) {
	closer := new(mockCloser)
	closer.On("CloseExpiredCycles", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})).Return(2, nil).Once()

	s := NewExpiryScheduler(closer, zap.NewNop(), "@daily")
	s.RunOnce()

	closer.AssertExpectations(t)
}

func TestRunOnce_ErrorIsLogged(t *testing.T) {
	closer := new(mockCloser)
	closer.On("CloseExpiredCycles", mock.Anything).Return(0, errors.New("db down")).Once()

	s := NewExpiryScheduler(closer, zap.NewNop(), "@daily")
	assert.NotPanics(t, s.RunOnce)
	closer.AssertExpectations(t)
}

func TestStart_InvalidSpec(t *testing.T) {
	s := NewExpiryScheduler(new(mockCloser), zap.NewNop(), "not a cron spec")
	assert.Error(t, s.Start())
}

func TestStartStop(t *testing.T) {
	s := NewExpiryScheduler(new(mockCloser), zap.NewNop(), "0 1 * * *")
	assert.NoError(t, s.Start())
	s.Stop()
}
