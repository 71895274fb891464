package overtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	internal "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/core/events"
)

// Repository defines the data access methods for overtime requests. A
// Transaction call hands the callback a repository bound to one database
// transaction; every write inside the callback commits or rolls back together.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	GetByID(ctx context.Context, id int64) (*Request, error)
	GetByIDWithSteps(ctx context.Context, id int64) (*Request, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*Request, error)

	// LockOverlapping row-locks active window-claiming requests of the owner
	// that overlap the given window, skipping rows locked elsewhere. The
	// database exclusion constraint backstops anything this scan misses.
	LockOverlapping(ctx context.Context, userID int64, w Window, excludeID int64) ([]*Request, error)
	SumMinutesForDay(ctx context.Context, userID int64, day time.Time, excludeID int64) (int, error)
	SumMinutesForRange(ctx context.Context, userID int64, from, to time.Time, excludeID int64) (int, error)

	Create(ctx context.Context, req *Request) error
	CreateSteps(ctx context.Context, steps []*Step) error
	GetForUpdate(ctx context.Context, id int64) (*Request, error)
	UpdateStatus(ctx context.Context, req *Request, expectedVersion int64) error

	ChainTemplate(ctx context.Context, department string) ([]Approver, error)
	UserDepartment(ctx context.Context, userID int64) (string, error)

	AppendAudit(ctx context.Context, entityTable string, entityID int64, action string, actorID int64, diff map[string]any) error
}

// Gate wraps an operation with idempotency-key deduplication.
type Gate interface {
	Execute(ctx context.Context, key string, ownerID int64, signature string, body any, fn func(ctx context.Context) (any, error)) (json.RawMessage, bool, error)
}

type PolicyProvider interface {
	DailyCapMinutes() int
	WeeklyCapMinutes() int
	WeekStart() time.Weekday
	SubmissionDeadlineDays() int
	DefaultChainRoles() []string
	MaxReasonLength() int
}

// StaticPolicy satisfies PolicyProvider with values fixed at startup.
type StaticPolicy struct {
	DailyCap       int
	WeeklyCap      int
	WeekStartsOn   time.Weekday
	DeadlineDays   int
	ChainRoles     []string
	ReasonMaxChars int
}

func (p StaticPolicy) DailyCapMinutes() int        { return p.DailyCap }
func (p StaticPolicy) WeeklyCapMinutes() int       { return p.WeeklyCap }
func (p StaticPolicy) WeekStart() time.Weekday     { return p.WeekStartsOn }
func (p StaticPolicy) SubmissionDeadlineDays() int { return p.DeadlineDays }
func (p StaticPolicy) DefaultChainRoles() []string { return p.ChainRoles }
func (p StaticPolicy) MaxReasonLength() int        { return p.ReasonMaxChars }

const (
	AuditTableRequests = "overtime_requests"
	AuditTableSteps    = "approval_steps"

	AuditActionCreate = "create"
	AuditActionSubmit = "submit"
	AuditActionCancel = "cancel"
)

const SubmitSignature = "POST /api/v1/overtime/requests"

// Service is the request lifecycle manager: it owns creation, draft
// submission and cancellation. Approval decisions live in the approval
// package; only these two mutate request state besides the sweeper.
type Service struct {
	repo   Repository
	gate   Gate
	policy PolicyProvider
	bus    *events.EventBus
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, gate Gate, policy PolicyProvider, bus *events.EventBus, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		gate:   gate,
		policy: policy,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// SetNow replaces the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Submit creates a request in SUBMITTED state with its approval chain. The
// whole operation runs behind the idempotency gate: a retried call with the
// same key returns the original result without re-validating or re-writing.
func (s *Service) Submit(ctx context.Context, actor internal.Actor, idempotencyKey string, dto SubmitDTO) (*Request, bool, error) {
	if idempotencyKey == "" {
		return nil, false, internal.NewValidationError("Idempotency-Key header is required", internal.ErrCodeValidationFailed)
	}

	raw, duplicate, err := s.gate.Execute(ctx, idempotencyKey, actor.ID, SubmitSignature, dto, func(ctx context.Context) (any, error) {
		return s.create(ctx, actor, dto, false)
	})
	if err != nil {
		return nil, false, err
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, false, internal.NewInternalError("failed to decode cached submit result", err)
	}

	if duplicate {
		s.logger.Info("duplicate submit served from idempotency cache",
			"request_id", req.ID,
			"user_id", actor.ID,
			"idempotency_key", idempotencyKey)
	}

	return &req, duplicate, nil
}

// SaveDraft reserves a window without starting the approval chain. Drafts
// still claim their window and expire via the sweeper when left untouched.
func (s *Service) SaveDraft(ctx context.Context, actor internal.Actor, idempotencyKey string, dto SubmitDTO) (*Request, bool, error) {
	if idempotencyKey == "" {
		req, err := s.create(ctx, actor, dto, true)
		return req, false, err
	}

	raw, duplicate, err := s.gate.Execute(ctx, idempotencyKey, actor.ID, "POST /api/v1/overtime/drafts", dto, func(ctx context.Context) (any, error) {
		return s.create(ctx, actor, dto, true)
	})
	if err != nil {
		return nil, false, err
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, false, internal.NewInternalError("failed to decode cached draft result", err)
	}
	return &req, duplicate, nil
}

func (s *Service) create(ctx context.Context, actor internal.Actor, dto SubmitDTO, asDraft bool) (*Request, error) {
	if err := dto.Validate(s.policy.MaxReasonLength()); err != nil {
		s.logger.Error("submit validation failed", "error", err, "user_id", actor.ID)
		return nil, err
	}

	window := dto.Window()
	now := s.now()

	var created *Request
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		if err := s.checkPolicyRules(ctx, tx, actor.ID, window, now, 0); err != nil {
			return err
		}

		// Locked pre-check: legitimate conflicts surface as a clean 409
		// instead of a raw constraint violation from the insert below.
		overlapping, err := tx.LockOverlapping(ctx, actor.ID, window, 0)
		if err != nil {
			return internal.NewInternalError("failed to check overlapping windows", err)
		}
		if len(overlapping) > 0 {
			ids := make([]int64, len(overlapping))
			for i, o := range overlapping {
				ids[i] = o.ID
			}
			return internal.NewOverlapConflict(ids)
		}

		req := &Request{
			UserID:          actor.ID,
			StartAt:         window.StartAt,
			EndAt:           window.EndAt,
			DurationMinutes: window.Minutes(),
			Reason:          dto.Reason,
			Status:          StatusDraft,
			RowVersion:      1,
			IsActive:        true,
		}

		var approvers []Approver
		if !asDraft {
			approvers = s.resolveChain(ctx, tx, actor.ID)
			req.Status = StatusSubmitted
			req.SubmittedAt = &now
			req.CurrentLevel = 1
			req.MaxLevel = len(approvers)
		}

		if err := tx.Create(ctx, req); err != nil {
			return err
		}

		if !asDraft {
			steps := NewChainSteps(req.ID, approvers)
			if err := tx.CreateSteps(ctx, steps); err != nil {
				return err
			}
			req.Steps = steps
		}

		if err := tx.AppendAudit(ctx, AuditTableRequests, req.ID, AuditActionCreate, actor.ID, map[string]any{
			"status":   req.Status,
			"start_at": req.StartAt,
			"end_at":   req.EndAt,
			"minutes":  req.DurationMinutes,
		}); err != nil {
			return err
		}

		created = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("overtime request created",
		"request_id", created.ID,
		"user_id", actor.ID,
		"status", created.Status,
		"minutes", created.DurationMinutes)

	if s.bus != nil && created.Status == StatusSubmitted {
		s.bus.Publish(ctx, events.NewRequestSubmittedEvent(created.ID, actor.ID, len(created.Steps)))
	}

	return created, nil
}

// SubmitDraft transitions an owner's draft to SUBMITTED and instantiates its
// approval chain, atomically.
func (s *Service) SubmitDraft(ctx context.Context, actor internal.Actor, requestID int64) (*Request, error) {
	now := s.now()
	var submitted *Request

	err := s.repo.Transaction(ctx, func(tx Repository) error {
		req, err := tx.GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.UserID != actor.ID {
			return internal.ErrNotOwner
		}
		if req.Status != StatusDraft {
			return internal.NewStatusConflict(req.Status, internal.ErrCodeInvalidStatus)
		}

		// Policy rules are re-checked at submission time: other requests may
		// have landed since the draft was saved.
		if err := s.checkPolicyRules(ctx, tx, actor.ID, req.Window(), now, req.ID); err != nil {
			return err
		}

		approvers := s.resolveChain(ctx, tx, actor.ID)
		steps := NewChainSteps(req.ID, approvers)
		if err := tx.CreateSteps(ctx, steps); err != nil {
			return err
		}

		expectedVersion := req.RowVersion
		req.Status = StatusSubmitted
		req.SubmittedAt = &now
		req.CurrentLevel = 1
		req.MaxLevel = len(steps)
		req.Steps = steps

		if err := tx.UpdateStatus(ctx, req, expectedVersion); err != nil {
			return err
		}

		if err := tx.AppendAudit(ctx, AuditTableRequests, req.ID, AuditActionSubmit, actor.ID, map[string]any{
			"status": StatusSubmitted,
			"steps":  len(steps),
		}); err != nil {
			return err
		}

		submitted = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("draft submitted",
		"request_id", submitted.ID,
		"user_id", actor.ID,
		"steps", len(submitted.Steps))

	if s.bus != nil {
		s.bus.Publish(ctx, events.NewRequestSubmittedEvent(submitted.ID, actor.ID, len(submitted.Steps)))
	}

	return submitted, nil
}

// Cancel terminates an owner's non-terminal request, releasing its window.
func (s *Service) Cancel(ctx context.Context, actor internal.Actor, requestID int64, dto CancelDTO) (*Request, error) {
	if err := dto.Validate(s.policy.MaxReasonLength()); err != nil {
		return nil, err
	}

	now := s.now()
	var canceled *Request

	err := s.repo.Transaction(ctx, func(tx Repository) error {
		req, err := tx.GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.UserID != actor.ID {
			return internal.ErrNotOwner
		}
		if !req.CanBeCanceled() {
			return internal.NewStatusConflict(req.Status, internal.ErrCodeChainClosed)
		}

		expectedVersion := req.RowVersion
		req.Status = StatusCanceled
		req.ProcessedAt = &now

		diff := map[string]any{"status": StatusCanceled}
		if dto.Reason != "" {
			diff["reason"] = dto.Reason
		}

		if err := tx.UpdateStatus(ctx, req, expectedVersion); err != nil {
			return err
		}

		return tx.AppendAudit(ctx, AuditTableRequests, req.ID, AuditActionCancel, actor.ID, diff)
	})
	if err != nil {
		return nil, err
	}

	canceled, err = s.repo.GetByIDWithSteps(ctx, requestID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("overtime request canceled", "request_id", requestID, "user_id", actor.ID)

	if s.bus != nil {
		s.bus.Publish(ctx, events.NewRequestCanceledEvent(requestID, actor.ID))
	}

	return canceled, nil
}

// GetRequest returns one request with its steps. Owners always see their own
// requests; anyone matching a step's approver binding may see it too.
func (s *Service) GetRequest(ctx context.Context, actor internal.Actor, requestID int64) (*Request, error) {
	req, err := s.repo.GetByIDWithSteps(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if req.UserID != actor.ID && !actorInChain(actor, req.Steps) {
		s.logger.Warn("unauthorized access to overtime request",
			"request_id", requestID,
			"actor_id", actor.ID)
		return nil, internal.ErrNotOwner
	}

	return req, nil
}

func (s *Service) ListMyRequests(ctx context.Context, actor internal.Actor, limit, offset int) ([]*Request, error) {
	requests, err := s.repo.ListByUser(ctx, actor.ID, limit, offset)
	if err != nil {
		s.logger.Error("failed to list overtime requests", "error", err, "user_id", actor.ID)
		return nil, err
	}
	return requests, nil
}

func actorInChain(actor internal.Actor, steps []*Step) bool {
	for _, step := range steps {
		if step.Approver.Matches(actor) {
			return true
		}
	}
	return false
}

// checkPolicyRules enforces the daily cap, weekly cap and submission deadline.
// Every violated rule is collected so the caller sees all of them at once.
func (s *Service) checkPolicyRules(ctx context.Context, tx Repository, userID int64, window Window, now time.Time, excludeID int64) error {
	var violations []internal.RuleViolation

	workDate := window.WorkDate()
	minutes := window.Minutes()

	dayMinutes, err := tx.SumMinutesForDay(ctx, userID, workDate, excludeID)
	if err != nil {
		return internal.NewInternalError("failed to accumulate daily overtime", err)
	}
	if dayMinutes+minutes > s.policy.DailyCapMinutes() {
		violations = append(violations, internal.RuleViolation{
			Rule:    "daily_cap",
			Code:    string(internal.ErrCodeDailyCap),
			Message: fmt.Sprintf("daily overtime cap of %d minutes exceeded: %d already claimed, %d requested", s.policy.DailyCapMinutes(), dayMinutes, minutes),
		})
	}

	weekFrom, weekTo := WeekBounds(workDate, s.policy.WeekStart())
	weekMinutes, err := tx.SumMinutesForRange(ctx, userID, weekFrom, weekTo, excludeID)
	if err != nil {
		return internal.NewInternalError("failed to accumulate weekly overtime", err)
	}
	if weekMinutes+minutes > s.policy.WeeklyCapMinutes() {
		violations = append(violations, internal.RuleViolation{
			Rule:    "weekly_cap",
			Code:    string(internal.ErrCodeWeeklyCap),
			Message: fmt.Sprintf("weekly overtime cap of %d minutes exceeded: %d already claimed, %d requested", s.policy.WeeklyCapMinutes(), weekMinutes, minutes),
		})
	}

	deadline := workDate.AddDate(0, 0, s.policy.SubmissionDeadlineDays())
	if now.After(deadline) {
		violations = append(violations, internal.RuleViolation{
			Rule:    "submission_deadline",
			Code:    string(internal.ErrCodePastDeadline),
			Message: fmt.Sprintf("submissions for %s were due by %s", workDate.Format("2006-01-02"), deadline.Format("2006-01-02")),
		})
	}

	if len(violations) > 0 {
		return internal.NewBusinessRuleError(violations)
	}
	return nil
}

// resolveChain resolves the owner's configured approval chain, falling back
// to the default role chain. A failed template lookup is logged and falls
// through to the fallback rather than aborting the submission.
func (s *Service) resolveChain(ctx context.Context, tx Repository, userID int64) []Approver {
	department, err := tx.UserDepartment(ctx, userID)
	if err == nil && department != "" {
		approvers, err := tx.ChainTemplate(ctx, department)
		if err == nil && len(approvers) > 0 {
			return approvers
		}
		if err != nil {
			s.logger.Warn("approval chain lookup failed, using default chain",
				"user_id", userID,
				"department", department,
				"error", err)
		}
	} else if err != nil {
		s.logger.Warn("department lookup failed, using default chain",
			"user_id", userID,
			"error", err)
	}

	return DefaultChain(s.policy.DefaultChainRoles())
}
