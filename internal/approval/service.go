package approval

import (
	"context"
	"log/slog"
	"time"

	internal "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/core/events"
	"github.com/frahmantamala/overtime-management/internal/overtime"
)

// Repository is the persistence surface of the approval state machine. Every
// decision runs inside one Transaction so the step update, the request
// transition and the audit entries commit or roll back together.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	GetRequestForUpdate(ctx context.Context, id int64) (*overtime.Request, error)
	GetStepsForUpdate(ctx context.Context, requestID int64) ([]*overtime.Step, error)
	UpdateStep(ctx context.Context, step *overtime.Step, expectedVersion int64) error
	UpdateRequestStatus(ctx context.Context, req *overtime.Request, expectedVersion int64) error
	MarkPendingStepsSkipped(ctx context.Context, requestID int64, decidedAt time.Time) error
	ListPendingForApprover(ctx context.Context, actor internal.Actor, limit, offset int) ([]*PendingApproval, error)

	AppendAudit(ctx context.Context, entityTable string, entityID int64, action string, actorID int64, diff map[string]any) error
}

type Service struct {
	repo   Repository
	bus    *events.EventBus
	logger *slog.Logger

	now func() time.Time
}

func NewService(repo Repository, bus *events.EventBus, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// SetNow replaces the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Decide applies one approver decision to a step. The whole transition runs
// under row locks on the request and its steps, so two approvers racing on
// the same chain serialize here rather than corrupting the level counter.
func (s *Service) Decide(ctx context.Context, actor internal.Actor, requestID int64, stepOrder int, dto DecideDTO) (*DecisionResult, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	result := &DecisionResult{}

	err := s.repo.Transaction(ctx, func(tx Repository) error {
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}

		if dto.ExpectedVersion != nil && *dto.ExpectedVersion != req.RowVersion {
			return internal.NewVersionConflict(*dto.ExpectedVersion, req.RowVersion)
		}
		if req.IsTerminal() {
			return internal.NewStatusConflict(req.Status, internal.ErrCodeChainClosed)
		}
		if req.Status != overtime.StatusSubmitted {
			return internal.NewStatusConflict(req.Status, internal.ErrCodeInvalidStatus)
		}

		steps, err := tx.GetStepsForUpdate(ctx, requestID)
		if err != nil {
			return err
		}

		var step *overtime.Step
		activeOrder := 0
		for _, st := range steps {
			if st.Status == overtime.StepStatusPending && (activeOrder == 0 || st.StepOrder < activeOrder) {
				activeOrder = st.StepOrder
			}
			if st.StepOrder == stepOrder {
				step = st
			}
		}
		if step == nil {
			return internal.ErrStepNotFound
		}
		if step.IsDecided() {
			return internal.NewStatusConflict(step.Status, internal.ErrCodeStepAlreadyClosed)
		}
		if !step.Approver.Matches(actor) {
			return internal.ErrNotYourStep
		}
		if step.StepOrder != activeOrder {
			return internal.NewConflictError("an earlier step in the chain is still pending", internal.ErrCodeStepNotActive)
		}

		now := s.now()
		decidedBy := actor.ID
		stepVersion := step.RowVersion

		switch dto.Decision {
		case DecisionApprove:
			step.Status = overtime.StepStatusApproved
		case DecisionReject:
			step.Status = overtime.StepStatusRejected
		}
		step.Comment = dto.Comment
		step.DecidedBy = &decidedBy
		step.DecidedAt = &now

		if err := tx.UpdateStep(ctx, step, stepVersion); err != nil {
			return err
		}

		stepAction := AuditActionApprove
		if dto.Decision == DecisionReject {
			stepAction = AuditActionReject
		}
		if err := tx.AppendAudit(ctx, overtime.AuditTableSteps, step.ID, stepAction, actor.ID, map[string]any{
			"request_id": requestID,
			"step_order": step.StepOrder,
			"decision":   dto.Decision,
			"comment":    dto.Comment,
		}); err != nil {
			return err
		}

		requestVersion := req.RowVersion
		requestAction := AuditActionAdvance

		if dto.Decision == DecisionReject {
			// A rejection closes the chain immediately. Remaining pending
			// steps are marked skipped so nobody can act on them later.
			if err := tx.MarkPendingStepsSkipped(ctx, requestID, now); err != nil {
				return err
			}
			for _, st := range steps {
				if st.ID == step.ID || st.Status != overtime.StepStatusPending {
					continue
				}
				if err := tx.AppendAudit(ctx, overtime.AuditTableSteps, st.ID, AuditActionSkip, actor.ID, map[string]any{
					"request_id": requestID,
					"step_order": st.StepOrder,
					"cause":      "chain_rejected",
				}); err != nil {
					return err
				}
			}
			req.Status = overtime.StatusRejected
			req.ProcessedAt = &now
			result.IsFinal = true
			requestAction = AuditActionFinalize
		} else {
			nextPending := 0
			for _, st := range steps {
				if st.ID == step.ID || st.Status != overtime.StepStatusPending {
					continue
				}
				if nextPending == 0 || st.StepOrder < nextPending {
					nextPending = st.StepOrder
				}
			}
			if nextPending == 0 {
				req.Status = overtime.StatusApproved
				req.CurrentLevel = req.MaxLevel
				req.ProcessedAt = &now
				result.IsFinal = true
				requestAction = AuditActionFinalize
			} else {
				req.CurrentLevel = nextPending
			}
		}

		if err := tx.UpdateRequestStatus(ctx, req, requestVersion); err != nil {
			return err
		}

		if err := tx.AppendAudit(ctx, overtime.AuditTableRequests, req.ID, requestAction, actor.ID, map[string]any{
			"status":        req.Status,
			"current_level": req.CurrentLevel,
			"step_order":    step.StepOrder,
			"decision":      dto.Decision,
		}); err != nil {
			return err
		}

		result.Step = step
		result.Request = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(ctx, events.NewStepDecidedEvent(requestID, stepOrder, dto.Decision, actor.ID))
		if result.IsFinal {
			s.bus.Publish(ctx, events.NewRequestFinalizedEvent(requestID, result.Request.Status))
		}
	}

	s.logger.Info("approval decision applied",
		"request_id", requestID,
		"step_order", stepOrder,
		"decision", dto.Decision,
		"actor_id", actor.ID,
		"final", result.IsFinal)

	return result, nil
}

// ListPending returns the steps the actor can act on right now: pending
// steps bound to them that sit at the front of their chain.
func (s *Service) ListPending(ctx context.Context, actor internal.Actor, limit, offset int) ([]*PendingApproval, error) {
	return s.repo.ListPendingForApprover(ctx, actor, limit, offset)
}
