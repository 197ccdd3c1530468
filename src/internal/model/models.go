package model

import "time"

const DateLayout = "2006-01-02"

const (
	MinScore = 1
	MaxScore = 4
)

type UserRole string

const (
	RoleAdmin    UserRole = "ADMIN"
	RoleManager  UserRole = "MANAGER"
	RoleEmployee UserRole = "EMPLOYEE"
)

type User struct {
	UserID    string   `json:"user_id"`
	Username  string   `json:"username"`
	Role      UserRole `json:"role"`
	ManagerID *string  `json:"manager_id,omitempty"`
	IsActive  bool     `json:"is_active"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// ManagedUser pairs an active user with the manager who appraises them.
// Manager is the zero value when the manager reference could not be resolved.
type ManagedUser struct {
	User    User `json:"user"`
	Manager User `json:"manager"`
}

// Actor is the caller on whose behalf an appraisal is mutated.
type Actor struct {
	UserID  string `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
}

type CycleState string

const (
	CycleOpen   CycleState = "OPEN"
	CycleClosed CycleState = "CLOSED"
)

type Cycle struct {
	CycleID   string     `json:"cycle_id"`
	StartDate time.Time  `json:"start_date"`
	EndDate   time.Time  `json:"end_date"`
	State     CycleState `json:"state"`
	AdminID   string     `json:"admin_id"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

type CycleFilter struct {
	State   CycleState
	AdminID string
	From    *time.Time
	To      *time.Time
}

type AppraisalState string

const (
	AppraisalInProgress AppraisalState = "IN_PROGRESS"
	AppraisalCompleted  AppraisalState = "COMPLETED"
	AppraisalClosed     AppraisalState = "CLOSED"
)

type Appraisal struct {
	AppraisalID      string         `json:"appraisal_id"`
	AppraisedUserID  string         `json:"appraised_user_id"`
	AppraisingUserID string         `json:"appraising_user_id"`
	CycleID          string         `json:"cycle_id"`
	Feedback         string         `json:"feedback"`
	Score            *int           `json:"score,omitempty"`
	State            AppraisalState `json:"state"`
	CreationDate     time.Time      `json:"creation_date"`
	EditedDate       *time.Time     `json:"edited_date,omitempty"`
}

// AppraisalFilter narrows appraisal queries; empty fields match everything.
type AppraisalFilter struct {
	CycleID          string
	AppraisedUserID  string
	AppraisingUserID string
	State            AppraisalState
}

type NewAppraisal struct {
	AppraisedUserID  string `json:"appraised_user_id"`
	AppraisingUserID string `json:"appraising_user_id"`
	CycleID          string `json:"cycle_id"`
	Feedback         string `json:"feedback"`
	Score            *int   `json:"score,omitempty"`
}

// AppraisalPatch carries the editable fields of an appraisal; nil fields are left unchanged.
type AppraisalPatch struct {
	Feedback *string `json:"feedback,omitempty"`
	Score    *int    `json:"score,omitempty"`
}

type CloseCheck struct {
	CycleID       string      `json:"cycle_id"`
	CanClose      bool        `json:"can_close"`
	Reason        string      `json:"reason,omitempty"`
	BlockingUsers []string    `json:"blocking_users,omitempty"`
	Blocking      []Appraisal `json:"blocking,omitempty"`
}

type CycleProgress struct {
	CycleID string         `json:"cycle_id"`
	State   CycleState     `json:"state"`
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

type UserStats struct {
	UserID   string `json:"user_id"`
	Received int    `json:"received"`
	Given    int    `json:"given"`
}

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type AppError string

func (e AppError) Error() string { return string(e) }

const (
	ErrNotFound  = AppError("NOT_FOUND")
	ErrDuplicate = AppError("DUPLICATE")
	ErrOverlap   = AppError("OVERLAP")
)
