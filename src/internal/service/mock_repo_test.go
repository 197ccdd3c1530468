package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/ce-fello/appraisal-service/src/internal/model"
	"github.com/ce-fello/appraisal-service/src/internal/store"
)

type MockRepositories struct {
	mock.Mock
}

var _ store.Repository = (*MockRepositories)(nil)

// InTx runs fn against the mock itself so expectations span the whole transaction.
func (m *MockRepositories) InTx(_ context.Context, fn func(repo store.Repository) error) error {
	return fn(m)
}

func (m *MockRepositories) GetUser(ctx context.Context, userID string) (model.User, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *MockRepositories) UpsertUser(ctx context.Context, u model.User) (model.User, error) {
	args := m.Called(ctx, u)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *MockRepositories) SetUserIsActive(ctx context.Context, userID string, isActive bool) (model.User, error) {
	args := m.Called(ctx, userID, isActive)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *MockRepositories) ListActiveUsersWithoutManager(ctx context.Context) ([]model.User, error) {
	args := m.Called(ctx)
	users, _ := args.Get(0).([]model.User)
	return users, args.Error(1)
}

func (m *MockRepositories) ListActiveUsersWithManager(ctx context.Context) ([]model.ManagedUser, error) {
	args := m.Called(ctx)
	users, _ := args.Get(0).([]model.ManagedUser)
	return users, args.Error(1)
}

func (m *MockRepositories) IsManagerOf(ctx context.Context, managerID, userID string) (bool, error) {
	args := m.Called(ctx, managerID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepositories) ListNotificationRecipients(ctx context.Context) ([]model.User, error) {
	args := m.Called(ctx)
	users, _ := args.Get(0).([]model.User)
	return users, args.Error(1)
}

func (m *MockRepositories) LockCycles(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRepositories) CreateCycle(ctx context.Context, c model.Cycle) (model.Cycle, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(model.Cycle), args.Error(1)
}

func (m *MockRepositories) GetCycle(ctx context.Context, cycleID string) (model.Cycle, error) {
	args := m.Called(ctx, cycleID)
	return args.Get(0).(model.Cycle), args.Error(1)
}

func (m *MockRepositories) GetCycleForUpdate(ctx context.Context, cycleID string) (model.Cycle, error) {
	args := m.Called(ctx, cycleID)
	return args.Get(0).(model.Cycle), args.Error(1)
}

func (m *MockRepositories) ListCycles(ctx context.Context, f model.CycleFilter) ([]model.Cycle, error) {
	args := m.Called(ctx, f)
	cycles, _ := args.Get(0).([]model.Cycle)
	return cycles, args.Error(1)
}

func (m *MockRepositories) FindOverlappingCycles(ctx context.Context, start, end time.Time) ([]model.Cycle, error) {
	args := m.Called(ctx, start, end)
	cycles, _ := args.Get(0).([]model.Cycle)
	return cycles, args.Error(1)
}

func (m *MockRepositories) ListExpiredOpenCycles(ctx context.Context, today time.Time) ([]model.Cycle, error) {
	args := m.Called(ctx, today)
	cycles, _ := args.Get(0).([]model.Cycle)
	return cycles, args.Error(1)
}

func (m *MockRepositories) UpdateCycle(ctx context.Context, c model.Cycle) error {
	return m.Called(ctx, c).Error(0)
}

func (m *MockRepositories) SetCycleState(ctx context.Context, cycleID string, state model.CycleState) error {
	return m.Called(ctx, cycleID, state).Error(0)
}

func (m *MockRepositories) DeleteCycle(ctx context.Context, cycleID string) error {
	return m.Called(ctx, cycleID).Error(0)
}

func (m *MockRepositories) CreateAppraisal(ctx context.Context, a model.Appraisal) (model.Appraisal, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(model.Appraisal), args.Error(1)
}

func (m *MockRepositories) InsertAppraisalIfAbsent(ctx context.Context, a model.Appraisal) (bool, error) {
	args := m.Called(ctx, a)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepositories) GetAppraisal(ctx context.Context, appraisalID string) (model.Appraisal, error) {
	args := m.Called(ctx, appraisalID)
	return args.Get(0).(model.Appraisal), args.Error(1)
}

func (m *MockRepositories) GetAppraisalForUpdate(ctx context.Context, appraisalID string) (model.Appraisal, error) {
	args := m.Called(ctx, appraisalID)
	return args.Get(0).(model.Appraisal), args.Error(1)
}

func (m *MockRepositories) FindAppraisal(ctx context.Context, appraisedUserID, appraisingUserID, cycleID string) (model.Appraisal, error) {
	args := m.Called(ctx, appraisedUserID, appraisingUserID, cycleID)
	return args.Get(0).(model.Appraisal), args.Error(1)
}

func (m *MockRepositories) ListAppraisals(ctx context.Context, f model.AppraisalFilter) ([]model.Appraisal, error) {
	args := m.Called(ctx, f)
	out, _ := args.Get(0).([]model.Appraisal)
	return out, args.Error(1)
}

func (m *MockRepositories) UpdateAppraisal(ctx context.Context, a model.Appraisal) error {
	return m.Called(ctx, a).Error(0)
}

func (m *MockRepositories) CloseCompletedAppraisals(ctx context.Context, f model.AppraisalFilter, ids []string, at time.Time) (int, error) {
	args := m.Called(ctx, f, ids, at)
	return args.Int(0), args.Error(1)
}

func (m *MockRepositories) DeleteAppraisal(ctx context.Context, appraisalID string) error {
	return m.Called(ctx, appraisalID).Error(0)
}

func (m *MockRepositories) DeleteAppraisalsByCycle(ctx context.Context, cycleID string) (int, error) {
	args := m.Called(ctx, cycleID)
	return args.Int(0), args.Error(1)
}

func (m *MockRepositories) GetUserStats(ctx context.Context, userID string) (model.UserStats, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(model.UserStats), args.Error(1)
}

func (m *MockRepositories) CountAppraisalsByState(ctx context.Context, cycleID string) (map[string]int, error) {
	args := m.Called(ctx, cycleID)
	counts, _ := args.Get(0).(map[string]int)
	return counts, args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyCycleOpened(ctx context.Context, c model.Cycle, recipients []model.User) error {
	return m.Called(ctx, c, recipients).Error(0)
}

func (m *MockNotifier) NotifyCycleClosed(ctx context.Context, c model.Cycle, recipients []model.User) error {
	return m.Called(ctx, c, recipients).Error(0)
}

// testNow is 2025-01-01 09:30 UTC.
var testNow = time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)

func date(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func intPtr(v int) *int { return &v }

func ctxBG() context.Context { return context.Background() }

func createTestService(opts ...Option) (*Service, *MockRepositories) {
	mockRepo := new(MockRepositories)
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(mockRepo, zap.NewNop(), opts...), mockRepo
}
