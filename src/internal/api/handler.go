package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ce-fello/appraisal-service/src/internal/api/apiErrors"
	"github.com/ce-fello/appraisal-service/src/internal/model"
	"github.com/ce-fello/appraisal-service/src/internal/service"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
)

// AppraisalService is the set of service operations exposed over HTTP.
type AppraisalService interface {
	CreateCycle(ctx context.Context, start, end time.Time, adminID string) (model.Cycle, int, error)
	UpdateCycle(ctx context.Context, id string, start, end time.Time, newAdminID string) (model.Cycle, error)
	GetCycle(ctx context.Context, id string) (model.Cycle, error)
	ListCycles(ctx context.Context, f model.CycleFilter) ([]model.Cycle, error)
	CanCloseCycle(ctx context.Context, id string) (model.CloseCheck, error)
	CycleProgress(ctx context.Context, id string) (model.CycleProgress, error)
	CloseCycle(ctx context.Context, id string) (model.Cycle, error)
	ReopenCycle(ctx context.Context, id string) (model.Cycle, error)
	DeleteCycle(ctx context.Context, id string) (int, error)
	CloseExpiredCycles(ctx context.Context) (int, error)

	CreateAppraisal(ctx context.Context, actor model.Actor, in model.NewAppraisal) (model.Appraisal, error)
	UpdateAppraisal(ctx context.Context, actor model.Actor, id string, patch model.AppraisalPatch) (model.Appraisal, error)
	CompleteAppraisal(ctx context.Context, actor model.Actor, id string) (model.Appraisal, error)
	CloseAppraisal(ctx context.Context, id string) (model.Appraisal, error)
	CloseAppraisalsByIDs(ctx context.Context, ids []string) (int, error)
	CloseAppraisalsByCycle(ctx context.Context, cycleID string) (int, error)
	CloseAppraisalsByUser(ctx context.Context, userID string) (int, error)
	CloseAllAppraisals(ctx context.Context) (int, error)
	DeleteAppraisal(ctx context.Context, actor model.Actor, id string) error
	GetAppraisal(ctx context.Context, id string) (model.Appraisal, error)
	FindAppraisal(ctx context.Context, appraisedUserID, appraisingUserID, cycleID string) (model.Appraisal, error)
	ListAppraisals(ctx context.Context, f model.AppraisalFilter) ([]model.Appraisal, error)
	CanActOnAppraisal(ctx context.Context, actor model.Actor, id string) (bool, error)

	AddUser(ctx context.Context, u model.User) (model.User, error)
	GetUser(ctx context.Context, userID string) (model.User, error)
	SetUserIsActive(ctx context.Context, userID string, isActive bool) (model.User, error)
	StatsForUser(ctx context.Context, userID string) (model.UserStats, error)
}

var _ AppraisalService = (*service.Service)(nil)

const (
	headerUserID   = "X-User-Id"
	headerUserRole = "X-User-Role"
)

type Handler struct {
	svc AppraisalService
	log *zap.Logger
}

func NewHandler(svc AppraisalService, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, log: logger}
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Route("/cycles", func(r chi.Router) {
		r.Post("/create", withTimeout(h.createCycle))
		r.Post("/update", withTimeout(h.updateCycle))
		r.Get("/get", withTimeout(h.getCycle))
		r.Get("/list", withTimeout(h.listCycles))
		r.Get("/canClose", withTimeout(h.canCloseCycle))
		r.Get("/progress", withTimeout(h.cycleProgress))
		r.Post("/close", withTimeout(h.closeCycle))
		r.Post("/reopen", withTimeout(h.reopenCycle))
		r.Post("/delete", withTimeout(h.deleteCycle))
		r.Post("/closeExpired", withTimeout(h.closeExpired))
	})
	r.Route("/appraisals", func(r chi.Router) {
		r.Post("/create", withTimeout(h.createAppraisal))
		r.Post("/update", withTimeout(h.updateAppraisal))
		r.Post("/complete", withTimeout(h.completeAppraisal))
		r.Post("/close", withTimeout(h.closeAppraisal))
		r.Post("/delete", withTimeout(h.deleteAppraisal))
		r.Post("/closeBulk", withTimeout(h.closeBulk))
		r.Get("/get", withTimeout(h.getAppraisal))
		r.Get("/find", withTimeout(h.findAppraisal))
		r.Get("/list", withTimeout(h.listAppraisals))
		r.Get("/canAct", withTimeout(h.canAct))
	})
	r.Post("/users/add", withTimeout(h.addUser))
	r.Get("/users/get", withTimeout(h.getUser))
	r.Post("/users/setIsActive", withTimeout(h.setIsActive))
	r.Get("/users/stats", withTimeout(h.userStats))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
}

func withTimeout(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

// actorFromRequest reads the caller identity set by the authenticating proxy.
func actorFromRequest(r *http.Request) (model.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(headerUserID))
	if id == "" {
		return model.Actor{}, apiErrors.New(apiErrors.Forbidden, apiErrors.EntityUser, "", headerUserID+" header required")
	}
	role := strings.ToUpper(strings.TrimSpace(r.Header.Get(headerUserRole)))
	return model.Actor{UserID: id, IsAdmin: role == string(model.RoleAdmin)}, nil
}

func parseDate(field, v string) (time.Time, error) {
	t, err := time.Parse(model.DateLayout, v)
	if err != nil {
		return time.Time{}, apiErrors.New(apiErrors.InvalidArgument, apiErrors.EntityCycle, "",
			field+" must be a date in YYYY-MM-DD format")
	}
	return t, nil
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apiErrors.New(apiErrors.InvalidArgument, "", "", "invalid body")
	}
	return nil
}

func required(entity string, fields ...string) error {
	return apiErrors.New(apiErrors.InvalidArgument, entity, "", strings.Join(fields, ", ")+" required")
}

type cycleRequest struct {
	CycleID   string `json:"cycle_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	AdminID   string `json:"admin_id"`
}

func (req cycleRequest) dates() (time.Time, time.Time, error) {
	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseDate("end_date", req.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func (h *Handler) createCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if err := decode(r, &req); err != nil {
		h.handleSvcError(w, err)
		return
	}
	if req.AdminID == "" {
		h.handleSvcError(w, required(apiErrors.EntityCycle, "admin_id"))
		return
	}
	start, end, err := req.dates()
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	c, created, err := h.svc.CreateCycle(r.Context(), start, end, req.AdminID)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cycle": c, "appraisals_created": created})
}

func (h *Handler) updateCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if err := decode(r, &req); err != nil {
		h.handleSvcError(w, err)
		return
	}
	if req.CycleID == "" {
		h.handleSvcError(w, required(apiErrors.EntityCycle, "cycle_id"))
		return
	}
	start, end, err := req.dates()
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	c, err := h.svc.UpdateCycle(r.Context(), req.CycleID, start, end, req.AdminID)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": c})
}

func (h *Handler) getCycle(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("cycle_id")
	if id == "" {
		h.handleSvcError(w, required(apiErrors.EntityCycle, "cycle_id"))
		return
	}
	c, err := h.svc.GetCycle(r.Context(), id)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": c})
}

func (h *Handler) listCycles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.CycleFilter{
		State:   model.CycleState(strings.ToUpper(q.Get("state"))),
		AdminID: q.Get("admin_id"),
	}
	for field, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(field); v != "" {
			t, err := parseDate(field, v)
			if err != nil {
				h.handleSvcError(w, err)
				return
			}
			*dst = &t
		}
	}
	cycles, err := h.svc.ListCycles(r.Context(), f)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func (h *Handler) canCloseCycle(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("cycle_id")
	if id == "" {
		h.handleSvcError(w, required(apiErrors.EntityCycle, "cycle_id"))
		return
	}
	check, err := h.svc.CanCloseCycle(r.Context(), id)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *Handler) cycleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("cycle_id")
	if id == "" {
		h.handleSvcError(w, required(apiErrors.EntityCycle, "cycle_id"))
		return
	}
	p, err := h.svc.CycleProgress(r.Context(), id)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// cycleAction decodes {"cycle_id"} and applies op to it.
func (h *Handler) cycleAction(op func(ctx context.Context, id string) (model.Cycle, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cycleRequest
		if err := decode(r, &req); err != nil || req.CycleID == "" {
			h.handleSvcError(w, required(apiErrors.EntityCycle, "cycle_id"))
			return
		}
		c, err := op(r.Context(), req.CycleID)
		if err != nil {
			h.handleSvcError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cycle": c})
	}
}

func (h *Handler) closeCycle(w http.ResponseWriter, r *http.Request) {
	h.cycleAction(h.svc.CloseCycle)(w, r)
}

func (h *Handler) reopenCycle(w http.ResponseWriter, r *http.Request) {
	h.cycleAction(h.svc.ReopenCycle)(w, r)
}

func (h *Handler) deleteCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if err := decode(r, &req); err != nil || req.CycleID == "" {
		h.handleSvcError(w, required(apiErrors.EntityCycle, "cycle_id"))
		return
	}
	removed, err := h.svc.DeleteCycle(r.Context(), req.CycleID)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle_id": req.CycleID, "appraisals_deleted": removed})
}

// closeExpired reports per-cycle sweep failures next to the count instead of failing the whole call.
func (h *Handler) closeExpired(w http.ResponseWriter, r *http.Request) {
	closed, err := h.svc.CloseExpiredCycles(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
		return
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		h.handleSvcError(w, err)
		return
	}
	failures := make([]string, 0, len(joined.Unwrap()))
	for _, e := range joined.Unwrap() {
		failures = append(failures, e.Error())
	}
	h.log.Warn("closeExpired: sweep finished with failures", zap.Int("closed", closed), zap.Strings("failures", failures))
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed, "failures": failures})
}

func (h *Handler) createAppraisal(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	var in model.NewAppraisal
	if err := decode(r, &in); err != nil {
		h.handleSvcError(w, err)
		return
	}
	a, err := h.svc.CreateAppraisal(r.Context(), actor, in)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"appraisal": a})
}

type appraisalRequest struct {
	AppraisalID string  `json:"appraisal_id"`
	Feedback    *string `json:"feedback"`
	Score       *int    `json:"score"`
}

func (h *Handler) decodeAppraisalRequest(w http.ResponseWriter, r *http.Request) (appraisalRequest, bool) {
	var req appraisalRequest
	if err := decode(r, &req); err != nil || req.AppraisalID == "" {
		h.handleSvcError(w, required(apiErrors.EntityAppraisal, "appraisal_id"))
		return req, false
	}
	return req, true
}

func (h *Handler) updateAppraisal(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	req, ok := h.decodeAppraisalRequest(w, r)
	if !ok {
		return
	}
	a, err := h.svc.UpdateAppraisal(r.Context(), actor, req.AppraisalID, model.AppraisalPatch{Feedback: req.Feedback, Score: req.Score})
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appraisal": a})
}

func (h *Handler) completeAppraisal(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	req, ok := h.decodeAppraisalRequest(w, r)
	if !ok {
		return
	}
	a, err := h.svc.CompleteAppraisal(r.Context(), actor, req.AppraisalID)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appraisal": a})
}

func (h *Handler) closeAppraisal(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAppraisalRequest(w, r)
	if !ok {
		return
	}
	a, err := h.svc.CloseAppraisal(r.Context(), req.AppraisalID)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appraisal": a})
}

func (h *Handler) deleteAppraisal(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	req, ok := h.decodeAppraisalRequest(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteAppraisal(r.Context(), actor, req.AppraisalID); err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appraisal_id": req.AppraisalID, "deleted": true})
}

// closeBulk accepts exactly one selector: appraisal_ids, cycle_id, user_id or all.
func (h *Handler) closeBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppraisalIDs []string `json:"appraisal_ids"`
		CycleID      string   `json:"cycle_id"`
		UserID       string   `json:"user_id"`
		All          bool     `json:"all"`
	}
	if err := decode(r, &req); err != nil {
		h.handleSvcError(w, err)
		return
	}

	selectors := 0
	for _, set := range []bool{req.AppraisalIDs != nil, req.CycleID != "", req.UserID != "", req.All} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		h.handleSvcError(w, apiErrors.New(apiErrors.InvalidArgument, apiErrors.EntityAppraisal, "",
			"exactly one of appraisal_ids, cycle_id, user_id or all is required"))
		return
	}

	var closed int
	var err error
	switch {
	case req.AppraisalIDs != nil:
		closed, err = h.svc.CloseAppraisalsByIDs(r.Context(), req.AppraisalIDs)
	case req.CycleID != "":
		closed, err = h.svc.CloseAppraisalsByCycle(r.Context(), req.CycleID)
	case req.UserID != "":
		closed, err = h.svc.CloseAppraisalsByUser(r.Context(), req.UserID)
	default:
		closed, err = h.svc.CloseAllAppraisals(r.Context())
	}
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

func (h *Handler) getAppraisal(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("appraisal_id")
	if id == "" {
		h.handleSvcError(w, required(apiErrors.EntityAppraisal, "appraisal_id"))
		return
	}
	a, err := h.svc.GetAppraisal(r.Context(), id)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appraisal": a})
}

// findAppraisal looks an appraisal up by its (appraised, appraising, cycle) triple.
func (h *Handler) findAppraisal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appraised, appraising, cycleID := q.Get("appraised_user_id"), q.Get("appraising_user_id"), q.Get("cycle_id")
	if appraised == "" || appraising == "" || cycleID == "" {
		h.handleSvcError(w, required(apiErrors.EntityAppraisal, "appraised_user_id", "appraising_user_id", "cycle_id"))
		return
	}
	a, err := h.svc.FindAppraisal(r.Context(), appraised, appraising, cycleID)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appraisal": a})
}

func (h *Handler) listAppraisals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.svc.ListAppraisals(r.Context(), model.AppraisalFilter{
		CycleID:          q.Get("cycle_id"),
		AppraisedUserID:  q.Get("appraised_user_id"),
		AppraisingUserID: q.Get("appraising_user_id"),
		State:            model.AppraisalState(strings.ToUpper(q.Get("state"))),
	})
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appraisals": list})
}

func (h *Handler) canAct(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	id := r.URL.Query().Get("appraisal_id")
	if id == "" {
		h.handleSvcError(w, required(apiErrors.EntityAppraisal, "appraisal_id"))
		return
	}
	ok, err := h.svc.CanActOnAppraisal(r.Context(), actor, id)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appraisal_id": id, "user_id": actor.UserID, "allowed": ok})
}

func (h *Handler) addUser(w http.ResponseWriter, r *http.Request) {
	var u model.User
	if err := decode(r, &u); err != nil {
		h.handleSvcError(w, err)
		return
	}
	if u.UserID == "" || u.Username == "" {
		h.handleSvcError(w, required(apiErrors.EntityUser, "user_id", "username"))
		return
	}
	u.Role = model.UserRole(strings.ToUpper(string(u.Role)))
	user, err := h.svc.AddUser(r.Context(), u)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.handleSvcError(w, required(apiErrors.EntityUser, "user_id"))
		return
	}
	u, err := h.svc.GetUser(r.Context(), userID)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (h *Handler) setIsActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		IsActive bool   `json:"is_active"`
	}
	if err := decode(r, &req); err != nil || req.UserID == "" {
		h.handleSvcError(w, required(apiErrors.EntityUser, "user_id"))
		return
	}
	user, err := h.svc.SetUserIsActive(r.Context(), req.UserID, req.IsActive)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) userStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.handleSvcError(w, required(apiErrors.EntityUser, "user_id"))
		return
	}
	st, err := h.svc.StatsForUser(r.Context(), userID)
	if err != nil {
		h.handleSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Code    apiErrors.ErrorCode `json:"code"`
	Entity  string              `json:"entity,omitempty"`
	ID      string              `json:"id,omitempty"`
	Message string              `json:"message"`
	Details []string            `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, e apiErrors.APIError) {
	writeJSON(w, status, map[string]any{"error": errorBody{
		Code:    e.Code,
		Entity:  e.Entity,
		ID:      e.ID,
		Message: e.Message,
		Details: e.Details,
	}})
}

func statusFor(code apiErrors.ErrorCode) int {
	switch code {
	case apiErrors.NotFound:
		return http.StatusNotFound
	case apiErrors.InvalidArgument:
		return http.StatusBadRequest
	case apiErrors.Conflict:
		return http.StatusConflict
	case apiErrors.Forbidden:
		return http.StatusForbidden
	case apiErrors.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleSvcError(w http.ResponseWriter, err error) {
	var e apiErrors.APIError
	if !errors.As(err, &e) {
		h.log.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, apiErrors.APIError{Code: apiErrors.InternalError, Message: "internal error"})
		return
	}
	if e.Code == apiErrors.InternalError {
		h.log.Error("internal error", zap.Error(err))
	}
	writeError(w, statusFor(e.Code), e)
}
