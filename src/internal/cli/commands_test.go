package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ce-fello/appraisal-service/src/internal/model"
)

type mockCycles struct {
	mock.Mock
}

func (m *mockCycles) CloseExpiredCycles(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockCycles) CanCloseCycle(ctx context.Context, id string) (model.CloseCheck, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.CloseCheck), args.Error(1)
}

func (m *mockCycles) ListCycles(ctx context.Context, f model.CycleFilter) ([]model.Cycle, error) {
	args := m.Called(ctx, f)
	out, _ := args.Get(0).([]model.Cycle)
	return out, args.Error(1)
}

type fakeBackend struct {
	svc      *mockCycles
	force    *bool
	released bool
	migrated string
	applied  bool
}

func (f *fakeBackend) Cycles(_ context.Context, force *bool) (CycleService, func(), error) {
	f.force = force
	return f.svc, func() { f.released = true }, nil
}

func (f *fakeBackend) Migrate(_ context.Context, dir string) (bool, error) {
	f.migrated = dir
	return f.applied, nil
}

func run(t *testing.T, b Backend, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	cmd := RootCmd(b)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCloseExpired_ForceFlag(t *testing.T) {
	svc := new(mockCycles)
	svc.On("CloseExpiredCycles", mock.Anything).Return(2, nil)

	b := &fakeBackend{svc: svc}
	out, err := run(t, b, "cycles", "close-expired", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "closed 2 expired cycle(s)")
	require.NotNil(t, b.force)
	assert.True(t, *b.force)
	assert.True(t, b.released)

	b = &fakeBackend{svc: svc}
	_, err = run(t, b, "cycles", "close-expired")
	require.NoError(t, err)
	assert.Nil(t, b.force)
}

func TestCloseExpired_ReportsPartialFailure(t *testing.T) {
	svc := new(mockCycles)
	svc.On("CloseExpiredCycles", mock.Anything).Return(1, errors.New("cycle c2: boom"))

	out, err := run(t, &fakeBackend{svc: svc}, "cycles", "close-expired")

	assert.EqualError(t, err, "cycle c2: boom")
	assert.Contains(t, out, "closed 1 expired cycle(s)")
}

func TestCanClose_PrintsBlockingAppraisals(t *testing.T) {
	svc := new(mockCycles)
	svc.On("CanCloseCycle", mock.Anything, "c1").Return(model.CloseCheck{
		CycleID:       "c1",
		Reason:        "cycle has unfinished appraisals",
		BlockingUsers: []string{"u1"},
		Blocking: []model.Appraisal{
			{AppraisalID: "a1", AppraisedUserID: "u1", AppraisingUserID: "m1", State: model.AppraisalInProgress},
		},
	}, nil)

	out, err := run(t, &fakeBackend{svc: svc}, "cycles", "can-close", "c1")

	require.NoError(t, err)
	assert.Contains(t, out, "cycle c1: cannot be closed (cycle has unfinished appraisals)")
	assert.Contains(t, out, "a1  m1 -> u1  IN_PROGRESS")
}

func TestCanClose_RequiresID(t *testing.T) {
	_, err := run(t, &fakeBackend{svc: new(mockCycles)}, "cycles", "can-close")
	assert.Error(t, err)
}

func TestListCycles_StateFilter(t *testing.T) {
	svc := new(mockCycles)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.On("ListCycles", mock.Anything, model.CycleFilter{State: model.CycleOpen}).Return([]model.Cycle{
		{CycleID: "c1", StartDate: start, EndDate: start.AddDate(0, 0, 30), State: model.CycleOpen, AdminID: "root"},
	}, nil)

	out, err := run(t, &fakeBackend{svc: svc}, "cycles", "list", "--state", "open")

	require.NoError(t, err)
	assert.Equal(t, "c1  2025-01-01 .. 2025-01-31  OPEN  admin=root\n", out)
	svc.AssertExpectations(t)
}

func TestMigrate(t *testing.T) {
	b := &fakeBackend{applied: true}
	out, err := run(t, b, "migrate", "--dir", "/srv/migrations")
	require.NoError(t, err)
	assert.Equal(t, "/srv/migrations", b.migrated)
	assert.Contains(t, out, "migrations applied")

	b = &fakeBackend{}
	out, err = run(t, b, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema already up to date")
}
