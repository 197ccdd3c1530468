package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ce-fello/appraisal-service/src/internal/api/apiErrors"
	"github.com/ce-fello/appraisal-service/src/internal/model"
)

var (
	manager = model.Actor{UserID: "m1"}
	admin   = model.Actor{UserID: "admin", IsAdmin: true}
	other   = model.Actor{UserID: "m2"}
)

func inProgress() model.Appraisal {
	return model.Appraisal{
		AppraisalID:      "a1",
		AppraisedUserID:  "u1",
		AppraisingUserID: "m1",
		CycleID:          "c1",
		State:            model.AppraisalInProgress,
		CreationDate:     testNow,
	}
}

func withState(a model.Appraisal, st model.AppraisalState) model.Appraisal {
	a.State = st
	return a
}

func expectTransitionLoad(repo *MockRepositories, a model.Appraisal, cycleState model.CycleState) {
	repo.On("GetAppraisalForUpdate", mock.Anything, a.AppraisalID).Return(a, nil)
	c := openCycle(a.CycleID, "2025-01-01", "2025-01-31")
	c.State = cycleState
	repo.On("GetCycle", mock.Anything, a.CycleID).Return(c, nil)
}

func newAppraisalInput() model.NewAppraisal {
	return model.NewAppraisal{AppraisedUserID: "u1", AppraisingUserID: "m1", CycleID: "c1", Feedback: "solid"}
}

func expectCreateLookups(repo *MockRepositories, cycleState model.CycleState, tripleErr error, isManager bool) {
	repo.On("GetUser", mock.Anything, "u1").Return(model.User{UserID: "u1"}, nil)
	repo.On("GetUser", mock.Anything, "m1").Return(model.User{UserID: "m1"}, nil)
	c := openCycle("c1", "2025-01-01", "2025-01-31")
	c.State = cycleState
	repo.On("GetCycleForUpdate", mock.Anything, "c1").Return(c, nil)
	repo.On("FindAppraisal", mock.Anything, "u1", "m1", "c1").Return(model.Appraisal{}, tripleErr)
	repo.On("IsManagerOf", mock.Anything, "m1", "u1").Return(isManager, nil)
}

func TestCreateAppraisal_ByManager(t *testing.T) {
	service, mockRepo := createTestService()
	expectCreateLookups(mockRepo, model.CycleOpen, model.ErrNotFound, true)
	mockRepo.On("CreateAppraisal", mock.Anything, mock.MatchedBy(func(a model.Appraisal) bool {
		return a.State == model.AppraisalInProgress && a.Feedback == "solid" && a.CreationDate.Equal(testNow)
	})).Return(inProgress(), nil).Once()

	a, err := service.CreateAppraisal(ctxBG(), manager, newAppraisalInput())

	require.NoError(t, err)
	assert.Equal(t, "a1", a.AppraisalID)
	mockRepo.AssertExpectations(t)
}

func TestCreateAppraisal_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		actor      model.Actor
		cycleState model.CycleState
		tripleErr  error
		isManager  bool
		score      *int
		wantCode   apiErrors.ErrorCode
	}{
		{"cycle closed", manager, model.CycleClosed, model.ErrNotFound, true, nil, apiErrors.Conflict},
		{"triple taken", manager, model.CycleOpen, nil, true, nil, apiErrors.Conflict},
		{"not the manager", manager, model.CycleOpen, model.ErrNotFound, false, nil, apiErrors.Forbidden},
		{"acting for someone else", other, model.CycleOpen, model.ErrNotFound, true, nil, apiErrors.Forbidden},
		{"score out of range", manager, model.CycleOpen, model.ErrNotFound, true, intPtr(5), apiErrors.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, mockRepo := createTestService()
			expectCreateLookups(mockRepo, tt.cycleState, tt.tripleErr, tt.isManager)
			in := newAppraisalInput()
			in.Score = tt.score

			_, err := service.CreateAppraisal(ctxBG(), tt.actor, in)

			assert.Equal(t, tt.wantCode, apiErrors.CodeOf(err))
			mockRepo.AssertNotCalled(t, "CreateAppraisal", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateAppraisal_AdminBypassesManagerCheck(t *testing.T) {
	service, mockRepo := createTestService()
	expectCreateLookups(mockRepo, model.CycleOpen, model.ErrNotFound, false)
	mockRepo.On("CreateAppraisal", mock.Anything, mock.Anything).Return(inProgress(), nil)

	_, err := service.CreateAppraisal(ctxBG(), admin, newAppraisalInput())

	assert.NoError(t, err)
}

func TestCreateAppraisal_MissingEntities(t *testing.T) {
	service, mockRepo := createTestService()
	mockRepo.On("GetUser", mock.Anything, "u1").Return(model.User{}, model.ErrNotFound)
	mockRepo.On("GetUser", mock.Anything, "m1").Return(model.User{UserID: "m1"}, nil)
	mockRepo.On("GetCycleForUpdate", mock.Anything, "c1").Return(model.Cycle{}, model.ErrNotFound)

	_, err := service.CreateAppraisal(ctxBG(), admin, newAppraisalInput())

	assert.True(t, apiErrors.Is(err, apiErrors.NotFound))
	mockRepo.AssertNotCalled(t, "IsManagerOf", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateAppraisal_UniqueConstraintBackstop(t *testing.T) {
	service, mockRepo := createTestService()
	expectCreateLookups(mockRepo, model.CycleOpen, model.ErrNotFound, true)
	mockRepo.On("CreateAppraisal", mock.Anything, mock.Anything).Return(model.Appraisal{}, model.ErrDuplicate)

	_, err := service.CreateAppraisal(ctxBG(), manager, newAppraisalInput())

	assert.True(t, apiErrors.Is(err, apiErrors.Conflict))
}

func TestCreateAppraisal_RequiredFields(t *testing.T) {
	service, _ := createTestService()
	_, err := service.CreateAppraisal(ctxBG(), admin, model.NewAppraisal{AppraisedUserID: "u1"})
	assert.True(t, apiErrors.Is(err, apiErrors.InvalidArgument))
}

func TestUpdateAppraisal(t *testing.T) {
	t.Run("feedback only keeps score", func(t *testing.T) {
		service, mockRepo := createTestService()
		a := inProgress()
		a.Score = intPtr(3)
		expectTransitionLoad(mockRepo, a, model.CycleOpen)
		mockRepo.On("UpdateAppraisal", mock.Anything, mock.MatchedBy(func(u model.Appraisal) bool {
			return u.Feedback == "better" && u.Score != nil && *u.Score == 3 &&
				u.EditedDate != nil && u.EditedDate.Equal(testNow)
		})).Return(nil).Once()

		fb := "better"
		out, err := service.UpdateAppraisal(ctxBG(), manager, "a1", model.AppraisalPatch{Feedback: &fb})

		require.NoError(t, err)
		assert.Equal(t, "better", out.Feedback)
		mockRepo.AssertExpectations(t)
	})

	t.Run("closed appraisal", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, withState(inProgress(), model.AppraisalClosed), model.CycleOpen)

		_, err := service.UpdateAppraisal(ctxBG(), manager, "a1", model.AppraisalPatch{Score: intPtr(2)})

		assert.True(t, apiErrors.Is(err, apiErrors.Conflict))
	})

	t.Run("cycle closed", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, inProgress(), model.CycleClosed)

		_, err := service.UpdateAppraisal(ctxBG(), manager, "a1", model.AppraisalPatch{Score: intPtr(2)})

		assert.True(t, apiErrors.Is(err, apiErrors.Conflict))
	})

	t.Run("not the appraiser", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, inProgress(), model.CycleOpen)

		_, err := service.UpdateAppraisal(ctxBG(), other, "a1", model.AppraisalPatch{Score: intPtr(2)})

		assert.True(t, apiErrors.Is(err, apiErrors.Forbidden))
		mockRepo.AssertNotCalled(t, "UpdateAppraisal", mock.Anything, mock.Anything)
	})

	t.Run("missing", func(t *testing.T) {
		service, mockRepo := createTestService()
		mockRepo.On("GetAppraisalForUpdate", mock.Anything, "nope").Return(model.Appraisal{}, model.ErrNotFound)

		_, err := service.UpdateAppraisal(ctxBG(), admin, "nope", model.AppraisalPatch{})

		assert.True(t, apiErrors.Is(err, apiErrors.NotFound))
	})
}

func TestCompleteAppraisal(t *testing.T) {
	t.Run("in progress becomes completed", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, inProgress(), model.CycleOpen)
		mockRepo.On("UpdateAppraisal", mock.Anything, mock.MatchedBy(func(a model.Appraisal) bool {
			return a.State == model.AppraisalCompleted
		})).Return(nil).Once()

		a, err := service.CompleteAppraisal(ctxBG(), manager, "a1")

		require.NoError(t, err)
		assert.Equal(t, model.AppraisalCompleted, a.State)
		mockRepo.AssertExpectations(t)
	})

	t.Run("completing twice is a no-op", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, withState(inProgress(), model.AppraisalCompleted), model.CycleOpen)

		a, err := service.CompleteAppraisal(ctxBG(), admin, "a1")

		require.NoError(t, err)
		assert.Equal(t, model.AppraisalCompleted, a.State)
		mockRepo.AssertNotCalled(t, "UpdateAppraisal", mock.Anything, mock.Anything)
	})

	t.Run("closed is terminal", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, withState(inProgress(), model.AppraisalClosed), model.CycleOpen)

		_, err := service.CompleteAppraisal(ctxBG(), admin, "a1")

		assert.True(t, apiErrors.Is(err, apiErrors.Conflict))
	})
}

func TestCloseAppraisal(t *testing.T) {
	t.Run("completed closes", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, withState(inProgress(), model.AppraisalCompleted), model.CycleOpen)
		mockRepo.On("UpdateAppraisal", mock.Anything, mock.MatchedBy(func(a model.Appraisal) bool {
			return a.State == model.AppraisalClosed
		})).Return(nil).Once()

		a, err := service.CloseAppraisal(ctxBG(), "a1")

		require.NoError(t, err)
		assert.Equal(t, model.AppraisalClosed, a.State)
	})

	t.Run("in progress cannot skip completion", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, inProgress(), model.CycleOpen)

		_, err := service.CloseAppraisal(ctxBG(), "a1")

		assert.True(t, apiErrors.Is(err, apiErrors.Conflict))
		mockRepo.AssertNotCalled(t, "UpdateAppraisal", mock.Anything, mock.Anything)
	})
}

func TestCloseAppraisalsByIDs_SecondCallClosesNothing(t *testing.T) {
	service, mockRepo := createTestService()
	ids := []string{"a1", "a2", "a3"}
	mockRepo.On("CloseCompletedAppraisals", mock.Anything, model.AppraisalFilter{}, ids, mock.Anything).Return(2, nil).Once()
	mockRepo.On("CloseCompletedAppraisals", mock.Anything, model.AppraisalFilter{}, ids, mock.Anything).Return(0, nil).Once()

	first, err := service.CloseAppraisalsByIDs(ctxBG(), ids)
	require.NoError(t, err)
	second, err := service.CloseAppraisalsByIDs(ctxBG(), ids)
	require.NoError(t, err)

	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	mockRepo.AssertExpectations(t)
}

func TestCloseAppraisalsByIDs_NilListClosesNothing(t *testing.T) {
	service, mockRepo := createTestService()
	mockRepo.On("CloseCompletedAppraisals", mock.Anything, model.AppraisalFilter{}, []string{}, mock.Anything).Return(0, nil).Once()

	n, err := service.CloseAppraisalsByIDs(ctxBG(), nil)

	require.NoError(t, err)
	assert.Equal(t, 0, n)
	mockRepo.AssertExpectations(t)
}

func TestCloseAppraisalsByCycle(t *testing.T) {
	t.Run("open cycle", func(t *testing.T) {
		service, mockRepo := createTestService()
		mockRepo.On("GetCycleForUpdate", mock.Anything, "c1").Return(openCycle("c1", "2025-01-01", "2025-01-31"), nil)
		mockRepo.On("CloseCompletedAppraisals", mock.Anything, model.AppraisalFilter{CycleID: "c1"}, []string(nil), mock.Anything).
			Return(4, nil)

		n, err := service.CloseAppraisalsByCycle(ctxBG(), "c1")

		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("closed cycle", func(t *testing.T) {
		service, mockRepo := createTestService()
		c := openCycle("c1", "2025-01-01", "2025-01-31")
		c.State = model.CycleClosed
		mockRepo.On("GetCycleForUpdate", mock.Anything, "c1").Return(c, nil)

		_, err := service.CloseAppraisalsByCycle(ctxBG(), "c1")

		assert.True(t, apiErrors.Is(err, apiErrors.Conflict))
	})

	t.Run("missing cycle", func(t *testing.T) {
		service, mockRepo := createTestService()
		mockRepo.On("GetCycleForUpdate", mock.Anything, "nope").Return(model.Cycle{}, model.ErrNotFound)

		_, err := service.CloseAppraisalsByCycle(ctxBG(), "nope")

		assert.True(t, apiErrors.Is(err, apiErrors.NotFound))
	})
}

func TestCloseAppraisalsByUser(t *testing.T) {
	service, mockRepo := createTestService()
	mockRepo.On("GetUser", mock.Anything, "ghost").Return(model.User{}, model.ErrNotFound)
	mockRepo.On("GetUser", mock.Anything, "u1").Return(model.User{UserID: "u1"}, nil)
	mockRepo.On("CloseCompletedAppraisals", mock.Anything, model.AppraisalFilter{AppraisedUserID: "u1"}, []string(nil), mock.Anything).
		Return(1, nil)

	_, err := service.CloseAppraisalsByUser(ctxBG(), "ghost")
	assert.True(t, apiErrors.Is(err, apiErrors.NotFound))

	n, err := service.CloseAppraisalsByUser(ctxBG(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCloseAllAppraisals(t *testing.T) {
	service, mockRepo := createTestService()
	mockRepo.On("CloseCompletedAppraisals", mock.Anything, model.AppraisalFilter{}, []string(nil), mock.Anything).Return(7, nil)

	n, err := service.CloseAllAppraisals(ctxBG())

	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestDeleteAppraisal(t *testing.T) {
	t.Run("closed cannot be deleted", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, withState(inProgress(), model.AppraisalClosed), model.CycleOpen)

		err := service.DeleteAppraisal(ctxBG(), admin, "a1")

		assert.True(t, apiErrors.Is(err, apiErrors.Conflict))
		mockRepo.AssertNotCalled(t, "DeleteAppraisal", mock.Anything, mock.Anything)
	})

	t.Run("appraiser deletes", func(t *testing.T) {
		service, mockRepo := createTestService()
		expectTransitionLoad(mockRepo, inProgress(), model.CycleOpen)
		mockRepo.On("DeleteAppraisal", mock.Anything, "a1").Return(nil).Once()

		assert.NoError(t, service.DeleteAppraisal(ctxBG(), manager, "a1"))
		mockRepo.AssertExpectations(t)
	})
}

func TestStatsForUser(t *testing.T) {
	service, mockRepo := createTestService()
	mockRepo.On("GetUserStats", mock.Anything, "m1").Return(model.UserStats{UserID: "m1", Received: 1, Given: 3}, nil)
	mockRepo.On("GetUserStats", mock.Anything, "ghost").Return(model.UserStats{UserID: "ghost"}, nil)

	st, err := service.StatsForUser(ctxBG(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Given)

	st, err = service.StatsForUser(ctxBG(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, st.Received)
	assert.Zero(t, st.Given)
}

func TestCanActOnAppraisal(t *testing.T) {
	service, mockRepo := createTestService()
	mockRepo.On("GetAppraisal", mock.Anything, "a1").Return(inProgress(), nil)

	ok, err := service.CanActOnAppraisal(ctxBG(), manager, "a1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = service.CanActOnAppraisal(ctxBG(), other, "a1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddUser(t *testing.T) {
	t.Run("unknown manager", func(t *testing.T) {
		service, mockRepo := createTestService()
		mockRepo.On("GetUser", mock.Anything, "m9").Return(model.User{}, model.ErrNotFound)

		_, err := service.AddUser(ctxBG(), model.User{UserID: "u1", ManagerID: strPtr("m9")})

		assert.True(t, apiErrors.Is(err, apiErrors.NotFound))
	})

	t.Run("self managed", func(t *testing.T) {
		service, _ := createTestService()
		_, err := service.AddUser(ctxBG(), model.User{UserID: "u1", ManagerID: strPtr("u1")})
		assert.True(t, apiErrors.Is(err, apiErrors.InvalidArgument))
	})

	t.Run("upserts", func(t *testing.T) {
		service, mockRepo := createTestService()
		u := model.User{UserID: "u1", Username: "Alice", Role: model.RoleEmployee, ManagerID: strPtr("m1"), IsActive: true}
		mockRepo.On("GetUser", mock.Anything, "m1").Return(model.User{UserID: "m1"}, nil)
		mockRepo.On("UpsertUser", mock.Anything, u).Return(u, nil)

		out, err := service.AddUser(ctxBG(), u)

		require.NoError(t, err)
		assert.Equal(t, "Alice", out.Username)
	})
}
