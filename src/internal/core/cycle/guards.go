// Package cycle contains the pure business rules governing appraisal cycles.
package cycle

import (
	"fmt"
	"time"

	"github.com/ce-fello/appraisal-service/src/internal/api/apiErrors"
	"github.com/ce-fello/appraisal-service/src/internal/model"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Code    apiErrors.ErrorCode
	ID      string
	Reason  string
	Details []string
}

// Error converts the guard result to a typed error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return apiErrors.New(r.Code, apiErrors.EntityCycle, r.ID, r.Reason, r.Details...)
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(code apiErrors.ErrorCode, id, format string, args ...any) GuardResult {
	return GuardResult{Code: code, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// Overlaps reports whether the inclusive date ranges [aStart, aEnd] and [bStart, bEnd] share a day.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}

// IsExpired reports whether an OPEN cycle has passed its end date.
func IsExpired(c model.Cycle, today time.Time) bool {
	return c.State == model.CycleOpen && model.DateOf(c.EndDate).Before(today)
}

// HasStarted reports whether the cycle start date is today or earlier.
func HasStarted(c model.Cycle, today time.Time) bool {
	return !model.DateOf(c.StartDate).After(today)
}

// CreateContext provides context for cycle creation guards.
type CreateContext struct {
	UsersWithoutManager []model.User
	AdminID             string
	AdminExists         bool
	StartDate           time.Time
	EndDate             time.Time
	Today               time.Time
	Overlapping         []model.Cycle
}

// CanCreate evaluates whether a cycle can be opened.
// Rules, in order:
// - no active user may lack a manager
// - admin must exist
// - start date must not be after end date
// - start date must not be in the past
// - no other cycle may overlap the range
func CanCreate(ctx CreateContext) GuardResult {
	if len(ctx.UsersWithoutManager) > 0 {
		r := deny(apiErrors.Conflict, "", "%d active users have no manager", len(ctx.UsersWithoutManager))
		r.Details = userIDs(ctx.UsersWithoutManager)
		return r
	}
	if !ctx.AdminExists {
		return deny(apiErrors.NotFound, "", "admin %s not found", ctx.AdminID)
	}
	if r := checkRange(ctx.StartDate, ctx.EndDate, ""); !r.Allowed {
		return r
	}
	if ctx.StartDate.Before(ctx.Today) {
		return deny(apiErrors.InvalidArgument, "", "start date %s is in the past",
			ctx.StartDate.Format(model.DateLayout))
	}
	return checkOverlap(ctx.StartDate, ctx.EndDate, ctx.Overlapping, "")
}

// UpdateContext provides context for cycle update guards.
type UpdateContext struct {
	CycleID        string
	Exists         bool
	State          model.CycleState
	StartDate      time.Time
	EndDate        time.Time
	Overlapping    []model.Cycle
	NewAdminID     string
	NewAdminExists bool
}

// CanUpdate evaluates whether a cycle's dates or admin may change.
func CanUpdate(ctx UpdateContext) GuardResult {
	if !ctx.Exists {
		return deny(apiErrors.NotFound, ctx.CycleID, "cycle %s not found", ctx.CycleID)
	}
	if ctx.State == model.CycleClosed {
		return deny(apiErrors.Conflict, ctx.CycleID, "cycle %s is closed", ctx.CycleID)
	}
	if r := checkRange(ctx.StartDate, ctx.EndDate, ctx.CycleID); !r.Allowed {
		return r
	}
	if r := checkOverlap(ctx.StartDate, ctx.EndDate, ctx.Overlapping, ctx.CycleID); !r.Allowed {
		return r
	}
	if ctx.NewAdminID != "" && !ctx.NewAdminExists {
		return deny(apiErrors.NotFound, ctx.CycleID, "admin %s not found", ctx.NewAdminID)
	}
	return allow()
}

// CloseContext provides context for cycle close guards.
type CloseContext struct {
	CycleID  string
	Exists   bool
	State    model.CycleState
	Blocking []model.Appraisal
}

// CanClose evaluates whether a cycle can be closed.
// Every appraisal must be COMPLETED or CLOSED; Blocking lists the ones that are not.
func CanClose(ctx CloseContext) GuardResult {
	if !ctx.Exists {
		return deny(apiErrors.NotFound, ctx.CycleID, "cycle %s not found", ctx.CycleID)
	}
	if ctx.State == model.CycleClosed {
		return deny(apiErrors.Conflict, ctx.CycleID, "cycle %s is already closed", ctx.CycleID)
	}
	if len(ctx.Blocking) > 0 {
		r := deny(apiErrors.Conflict, ctx.CycleID, "%d appraisals in cycle %s are not completed",
			len(ctx.Blocking), ctx.CycleID)
		r.Details = BlockingUsers(ctx.Blocking)
		return r
	}
	return allow()
}

// ReopenContext provides context for cycle reopen guards.
type ReopenContext struct {
	CycleID     string
	Exists      bool
	State       model.CycleState
	StartDate   time.Time
	EndDate     time.Time
	Overlapping []model.Cycle
}

// CanReopen evaluates whether a CLOSED cycle may return to OPEN.
func CanReopen(ctx ReopenContext) GuardResult {
	if !ctx.Exists {
		return deny(apiErrors.NotFound, ctx.CycleID, "cycle %s not found", ctx.CycleID)
	}
	if ctx.State == model.CycleOpen {
		return deny(apiErrors.Conflict, ctx.CycleID, "cycle %s is already open", ctx.CycleID)
	}
	return checkOverlap(ctx.StartDate, ctx.EndDate, ctx.Overlapping, ctx.CycleID)
}

// DeleteContext provides context for cycle delete guards.
type DeleteContext struct {
	Cycle  model.Cycle
	Exists bool
	Today  time.Time
}

// CanDelete allows deletion only of cycles that have not started yet.
func CanDelete(ctx DeleteContext) GuardResult {
	id := ctx.Cycle.CycleID
	if !ctx.Exists {
		return deny(apiErrors.NotFound, id, "cycle %s not found", id)
	}
	if HasStarted(ctx.Cycle, ctx.Today) {
		return deny(apiErrors.Conflict, id, "cannot delete a cycle that has already started")
	}
	return allow()
}

// BlockingUsers names the appraised users whose appraisals keep a cycle open.
func BlockingUsers(appraisals []model.Appraisal) []string {
	out := make([]string, 0, len(appraisals))
	for _, a := range appraisals {
		out = append(out, a.AppraisedUserID)
	}
	return out
}

func checkRange(start, end time.Time, id string) GuardResult {
	if start.After(end) {
		return deny(apiErrors.InvalidArgument, id, "start date %s is after end date %s",
			start.Format(model.DateLayout), end.Format(model.DateLayout))
	}
	return allow()
}

// checkOverlap denies when any candidate other than id shares a day with [start, end].
// Candidates come from the store's range query and are re-checked here.
func checkOverlap(start, end time.Time, candidates []model.Cycle, id string) GuardResult {
	overlapping := conflicting(candidates, start, end, id)
	if len(overlapping) == 0 {
		return allow()
	}
	ids := make([]string, 0, len(overlapping))
	for _, c := range overlapping {
		ids = append(ids, c.CycleID)
	}
	r := deny(apiErrors.Conflict, id, "date range overlaps %d existing cycles", len(overlapping))
	r.Details = ids
	return r
}

func conflicting(cycles []model.Cycle, start, end time.Time, id string) []model.Cycle {
	var out []model.Cycle
	for _, c := range cycles {
		if c.CycleID != id && Overlaps(start, end, c.StartDate, c.EndDate) {
			out = append(out, c)
		}
	}
	return out
}

func userIDs(users []model.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.UserID)
	}
	return out
}
