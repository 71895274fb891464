package overtime

import (
	"time"

	"github.com/frahmantamala/overtime-management/internal"
)

const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
	StatusCanceled  = "canceled"
)

const (
	StepStatusPending  = "pending"
	StepStatusApproved = "approved"
	StepStatusRejected = "rejected"
	StepStatusSkipped  = "skipped"
)

// TerminalStatuses are the request states that release a claimed window. The
// database exclusion constraint uses the same set in its predicate.
var TerminalStatuses = []string{StatusRejected, StatusCanceled, StatusExpired}

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusApproved, StatusRejected, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// BlocksWindow reports whether a request in this status still claims its time
// window for overlap purposes. Approved requests keep their claim.
func BlocksWindow(status string) bool {
	switch status {
	case StatusRejected, StatusCanceled, StatusExpired:
		return false
	}
	return true
}

// Window is one overtime claim. The overlap test treats windows as closed
// intervals: touching endpoints conflict.
type Window struct {
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
}

func (w Window) Duration() time.Duration {
	return w.EndAt.Sub(w.StartAt)
}

func (w Window) Minutes() int {
	return int(w.Duration() / time.Minute)
}

func (w Window) Overlaps(other Window) bool {
	return !w.StartAt.After(other.EndAt) && !other.StartAt.After(w.EndAt)
}

// WorkDate is the calendar day the window starts on, used for the daily cap
// and the submission deadline.
func (w Window) WorkDate() time.Time {
	y, m, d := w.StartAt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, w.StartAt.Location())
}

// WeekBounds returns the inclusive start and exclusive end of the week
// containing t, with the week boundary set by configuration.
func WeekBounds(t time.Time, weekStart time.Weekday) (time.Time, time.Time) {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) - int(weekStart) + 7) % 7
	start := day.AddDate(0, 0, -offset)
	return start, start.AddDate(0, 0, 7)
}

type Request struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	StartAt         time.Time  `json:"start_at"`
	EndAt           time.Time  `json:"end_at"`
	DurationMinutes int        `json:"duration_minutes"`
	Reason          string     `json:"reason"`
	Status          string     `json:"status"`
	CurrentLevel    int        `json:"current_level"`
	MaxLevel        int        `json:"max_level"`
	RowVersion      int64      `json:"row_version"`
	IsActive        bool       `json:"is_active"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	DeletedAt       *time.Time `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Steps           []*Step    `json:"steps,omitempty"`
}

func (r *Request) Window() Window {
	return Window{StartAt: r.StartAt, EndAt: r.EndAt}
}

func (r *Request) IsTerminal() bool {
	return IsTerminalStatus(r.Status)
}

func (r *Request) CanBeCanceled() bool {
	return !r.IsTerminal()
}

// Step is one ordered stage of a request's approval chain.
type Step struct {
	ID         int64      `json:"id"`
	RequestID  int64      `json:"request_id"`
	StepOrder  int        `json:"step_order"`
	Approver   Approver   `json:"approver"`
	Status     string     `json:"status"`
	Comment    string     `json:"comment,omitempty"`
	DecidedBy  *int64     `json:"decided_by,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	RowVersion int64      `json:"row_version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (s *Step) IsDecided() bool {
	return s.Status != StepStatusPending
}

type ApproverKind string

const (
	ApproverFixed ApproverKind = "fixed"
	ApproverRole  ApproverKind = "role"
)

// Approver is a tagged variant: a step is bound either to one user or to a
// role, never both.
type Approver struct {
	Kind   ApproverKind `json:"kind"`
	UserID int64        `json:"user_id,omitempty"`
	Role   string       `json:"role,omitempty"`
}

func FixedApprover(userID int64) Approver {
	return Approver{Kind: ApproverFixed, UserID: userID}
}

func RoleApprover(role string) Approver {
	return Approver{Kind: ApproverRole, Role: role}
}

func (a Approver) Matches(actor internal.Actor) bool {
	switch a.Kind {
	case ApproverFixed:
		return a.UserID == actor.ID
	case ApproverRole:
		return a.Role == actor.Role
	}
	return false
}

// NewChainSteps instantiates pending steps 1..N for a request.
func NewChainSteps(requestID int64, approvers []Approver) []*Step {
	steps := make([]*Step, 0, len(approvers))
	for i, approver := range approvers {
		steps = append(steps, &Step{
			RequestID:  requestID,
			StepOrder:  i + 1,
			Approver:   approver,
			Status:     StepStatusPending,
			RowVersion: 1,
		})
	}
	return steps
}

// DefaultChain builds the fixed role-bound fallback chain used when a
// department has no configured template.
func DefaultChain(roles []string) []Approver {
	approvers := make([]Approver, 0, len(roles))
	for _, role := range roles {
		approvers = append(approvers, RoleApprover(role))
	}
	return approvers
}
