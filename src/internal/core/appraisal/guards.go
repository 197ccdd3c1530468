// Package appraisal contains the appraisal state machine as pure guard functions.
// Guards evaluate preconditions without side effects; the service layer loads the
// facts they need and persists the outcome.
package appraisal

import (
	"fmt"

	"github.com/ce-fello/appraisal-service/src/internal/api/apiErrors"
	"github.com/ce-fello/appraisal-service/src/internal/model"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Code    apiErrors.ErrorCode
	ID      string
	Reason  string
}

// Error converts the guard result to a typed error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return apiErrors.New(r.Code, apiErrors.EntityAppraisal, r.ID, r.Reason)
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(code apiErrors.ErrorCode, id, format string, args ...any) GuardResult {
	return GuardResult{Code: code, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// CreateContext provides context for appraisal creation guards.
type CreateContext struct {
	AppraisedUserID  string
	AppraisingUserID string
	CycleID          string
	AppraisedExists  bool
	AppraisingExists bool
	CycleExists      bool
	CycleState       model.CycleState
	TripleExists     bool
	IsManager        bool
	Actor            model.Actor
	Score            *int
}

// TransitionContext provides context for guards on an existing appraisal.
type TransitionContext struct {
	AppraisalID      string
	Exists           bool
	State            model.AppraisalState
	AppraisingUserID string
	CycleState       model.CycleState
	Actor            model.Actor
}

// CanCreate evaluates whether an appraisal can be created.
// Rules:
// - appraised user, appraising user and cycle must exist
// - cycle must be OPEN
// - the (appraised, appraising, cycle) triple must be free
// - a non-admin actor must be the appraising user
// - the appraising user must manage the appraised user, unless the actor is an admin
// - score, when given, must be in range
func CanCreate(ctx CreateContext) GuardResult {
	if !ctx.AppraisedExists {
		return deny(apiErrors.NotFound, "", "appraised user %s not found", ctx.AppraisedUserID)
	}
	if !ctx.AppraisingExists {
		return deny(apiErrors.NotFound, "", "appraising user %s not found", ctx.AppraisingUserID)
	}
	if !ctx.CycleExists {
		return deny(apiErrors.NotFound, "", "cycle %s not found", ctx.CycleID)
	}
	if ctx.CycleState != model.CycleOpen {
		return deny(apiErrors.Conflict, "", "cycle %s is not open", ctx.CycleID)
	}
	if ctx.TripleExists {
		return deny(apiErrors.Conflict, "", "appraisal of %s by %s already exists in cycle %s",
			ctx.AppraisedUserID, ctx.AppraisingUserID, ctx.CycleID)
	}
	if !ctx.Actor.IsAdmin {
		if ctx.Actor.UserID != ctx.AppraisingUserID {
			return deny(apiErrors.Forbidden, "", "user %s cannot create appraisals on behalf of %s",
				ctx.Actor.UserID, ctx.AppraisingUserID)
		}
		if !ctx.IsManager {
			return deny(apiErrors.Forbidden, "", "user %s is not the manager of %s",
				ctx.AppraisingUserID, ctx.AppraisedUserID)
		}
	}
	return CheckScore("", ctx.Score)
}

// CheckScore accepts an absent score or one within [MinScore, MaxScore].
func CheckScore(id string, score *int) GuardResult {
	if score == nil {
		return allow()
	}
	if *score < model.MinScore || *score > model.MaxScore {
		return deny(apiErrors.InvalidArgument, id, "score must be between %d and %d, got %d",
			model.MinScore, model.MaxScore, *score)
	}
	return allow()
}

// CanAct reports whether the actor may mutate an appraisal appraised by appraisingUserID.
func CanAct(id string, actor model.Actor, appraisingUserID string) GuardResult {
	if actor.IsAdmin || actor.UserID == appraisingUserID {
		return allow()
	}
	return deny(apiErrors.Forbidden, id, "user %s is not the appraiser of appraisal %s", actor.UserID, id)
}

// CanUpdate evaluates whether feedback/score may be edited.
// Rules:
// - appraisal must exist and not be CLOSED
// - owning cycle must be OPEN
// - actor must be an admin or the appraising user
// - score, when given, must be in range
func CanUpdate(ctx TransitionContext, score *int) GuardResult {
	if r := editable(ctx); !r.Allowed {
		return r
	}
	if r := CanAct(ctx.AppraisalID, ctx.Actor, ctx.AppraisingUserID); !r.Allowed {
		return r
	}
	return CheckScore(ctx.AppraisalID, score)
}

// CanComplete evaluates whether an appraisal may move to COMPLETED.
// Completing an already COMPLETED appraisal is allowed and is a no-op for the caller.
func CanComplete(ctx TransitionContext) GuardResult {
	if r := editable(ctx); !r.Allowed {
		return r
	}
	return CanAct(ctx.AppraisalID, ctx.Actor, ctx.AppraisingUserID)
}

// CanClose evaluates whether a single appraisal may move to CLOSED.
// Rules:
// - appraisal must exist
// - appraisal must be COMPLETED
// - owning cycle must be OPEN
func CanClose(ctx TransitionContext) GuardResult {
	if !ctx.Exists {
		return deny(apiErrors.NotFound, ctx.AppraisalID, "appraisal %s not found", ctx.AppraisalID)
	}
	switch ctx.State {
	case model.AppraisalClosed:
		return deny(apiErrors.Conflict, ctx.AppraisalID, "appraisal %s is already closed", ctx.AppraisalID)
	case model.AppraisalInProgress:
		return deny(apiErrors.Conflict, ctx.AppraisalID, "appraisal %s must be completed before closing", ctx.AppraisalID)
	}
	if ctx.CycleState != model.CycleOpen {
		return deny(apiErrors.Conflict, ctx.AppraisalID, "cycle of appraisal %s is not open", ctx.AppraisalID)
	}
	return allow()
}

// CanDelete evaluates whether an appraisal may be removed.
func CanDelete(ctx TransitionContext) GuardResult {
	if !ctx.Exists {
		return deny(apiErrors.NotFound, ctx.AppraisalID, "appraisal %s not found", ctx.AppraisalID)
	}
	if ctx.State == model.AppraisalClosed {
		return deny(apiErrors.Conflict, ctx.AppraisalID, "appraisal %s is closed", ctx.AppraisalID)
	}
	return CanAct(ctx.AppraisalID, ctx.Actor, ctx.AppraisingUserID)
}

func editable(ctx TransitionContext) GuardResult {
	if !ctx.Exists {
		return deny(apiErrors.NotFound, ctx.AppraisalID, "appraisal %s not found", ctx.AppraisalID)
	}
	if ctx.State == model.AppraisalClosed {
		return deny(apiErrors.Conflict, ctx.AppraisalID, "appraisal %s is closed", ctx.AppraisalID)
	}
	if ctx.CycleState != model.CycleOpen {
		return deny(apiErrors.Conflict, ctx.AppraisalID, "cycle of appraisal %s is not open", ctx.AppraisalID)
	}
	return allow()
}
