package sweeper

import (
	"context"
	"log/slog"
	"time"

	internal "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/core/events"
	"github.com/frahmantamala/overtime-management/internal/overtime"
)

// SystemActorID marks audit entries written by maintenance rather than a
// user decision.
const SystemActorID int64 = 0

const (
	AuditActionExpire   = "expire"
	AuditActionEscalate = "escalate"
)

// Repository is the maintenance view of the store. Candidate scans run
// without locks; each mutation then re-reads its row FOR UPDATE SKIP LOCKED
// inside its own transaction, so a row being touched by a live approver is
// simply skipped until the next pass.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	StaleDraftIDs(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	StalledStepRequestIDs(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)

	GetRequestSkipLocked(ctx context.Context, id int64) (*overtime.Request, error)
	GetStepsForUpdate(ctx context.Context, requestID int64) ([]*overtime.Step, error)
	SkipStep(ctx context.Context, step *overtime.Step, decidedAt time.Time) error
	UpdateRequestStatus(ctx context.Context, req *overtime.Request, expectedVersion int64) error

	AppendAudit(ctx context.Context, entityTable string, entityID int64, action string, actorID int64, diff map[string]any) error
}

// KeyPurger is the slice of the idempotency service the sweeper needs.
type KeyPurger interface {
	PurgeExpired(ctx context.Context, limit int) (int64, error)
}

type Config struct {
	Interval          time.Duration
	BatchSize         int
	DraftMaxAge       time.Duration
	EscalationTimeout time.Duration
}

type Service struct {
	repo   Repository
	keys   KeyPurger
	bus    *events.EventBus
	logger *slog.Logger
	cfg    Config

	now func() time.Time
}

func NewService(repo Repository, keys KeyPurger, bus *events.EventBus, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		repo:   repo,
		keys:   keys,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetNow replaces the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Run executes sweep passes on the configured interval until the context is
// canceled. One pass failing does not stop the loop.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("sweeper started",
		"interval", s.cfg.Interval,
		"batch_size", s.cfg.BatchSize)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			// a pass never outlives its interval
			passCtx, cancel := internal.WithTimeout(ctx, s.cfg.Interval)
			s.RunOnce(passCtx)
			cancel()
		}
	}
}

// RunOnce executes one full maintenance pass.
func (s *Service) RunOnce(ctx context.Context) {
	if n, err := s.ExpireDrafts(ctx); err != nil {
		s.logger.Error("sweeper: expiring drafts failed", "error", err)
	} else if n > 0 {
		s.logger.Info("sweeper: expired stale drafts", "count", n)
	}

	if n, err := s.EscalateStalledSteps(ctx); err != nil {
		s.logger.Error("sweeper: escalating stalled steps failed", "error", err)
	} else if n > 0 {
		s.logger.Info("sweeper: escalated stalled steps", "count", n)
	}

	if n, err := s.PurgeIdempotencyKeys(ctx); err != nil {
		s.logger.Error("sweeper: purging idempotency keys failed", "error", err)
	} else if n > 0 {
		s.logger.Info("sweeper: purged idempotency records", "count", n)
	}
}

// ExpireDrafts releases windows held by drafts that were never submitted.
// Each draft gets its own transaction so one failure never poisons the rest
// of the batch.
func (s *Service) ExpireDrafts(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.DraftMaxAge)

	ids, err := s.repo.StaleDraftIDs(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := s.repo.Transaction(ctx, func(tx Repository) error {
			req, err := tx.GetRequestSkipLocked(ctx, id)
			if err != nil {
				return err
			}
			if req == nil {
				// locked by someone else, next pass picks it up
				return nil
			}
			// re-check under the lock, the draft may have been submitted
			// between the scan and now
			if req.Status != overtime.StatusDraft || req.CreatedAt.After(cutoff) {
				return nil
			}

			version := req.RowVersion
			req.Status = overtime.StatusExpired
			req.ProcessedAt = &now
			if err := tx.UpdateRequestStatus(ctx, req, version); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, overtime.AuditTableRequests, req.ID, AuditActionExpire, SystemActorID, map[string]any{
				"reason":     "draft_max_age",
				"created_at": req.CreatedAt,
			}); err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil {
			s.logger.Error("sweeper: failed to expire draft", "request_id", id, "error", err)
			continue
		}
		if s.bus != nil {
			s.bus.Publish(ctx, events.NewRequestExpiredEvent(id))
		}
	}
	return expired, nil
}

// EscalateStalledSteps skips pending steps that sat idle past the escalation
// timeout. When skipping empties the chain the request expires, since nobody
// is left to approve it.
func (s *Service) EscalateStalledSteps(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.EscalationTimeout)

	ids, err := s.repo.StalledStepRequestIDs(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, id := range ids {
		var expiredRequest bool
		var skippedOrder int

		err := s.repo.Transaction(ctx, func(tx Repository) error {
			expiredRequest = false
			skippedOrder = 0

			req, err := tx.GetRequestSkipLocked(ctx, id)
			if err != nil {
				return err
			}
			if req == nil {
				return nil
			}
			if req.Status != overtime.StatusSubmitted {
				return nil
			}

			steps, err := tx.GetStepsForUpdate(ctx, id)
			if err != nil {
				return err
			}

			var active *overtime.Step
			nextPending := 0
			for _, st := range steps {
				if st.Status != overtime.StepStatusPending {
					continue
				}
				if active == nil || st.StepOrder < active.StepOrder {
					active = st
				}
			}
			if active == nil || active.UpdatedAt.After(cutoff) {
				return nil
			}
			for _, st := range steps {
				if st.Status != overtime.StepStatusPending || st.ID == active.ID {
					continue
				}
				if nextPending == 0 || st.StepOrder < nextPending {
					nextPending = st.StepOrder
				}
			}

			if err := tx.SkipStep(ctx, active, now); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, overtime.AuditTableSteps, active.ID, AuditActionEscalate, SystemActorID, map[string]any{
				"request_id": id,
				"step_order": active.StepOrder,
				"reason":     "escalation_timeout",
			}); err != nil {
				return err
			}

			version := req.RowVersion
			if nextPending == 0 {
				req.Status = overtime.StatusExpired
				req.ProcessedAt = &now
				expiredRequest = true
			} else {
				req.CurrentLevel = nextPending
			}
			if err := tx.UpdateRequestStatus(ctx, req, version); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, overtime.AuditTableRequests, req.ID, AuditActionEscalate, SystemActorID, map[string]any{
				"status":        req.Status,
				"current_level": req.CurrentLevel,
				"step_order":    active.StepOrder,
			}); err != nil {
				return err
			}

			skippedOrder = active.StepOrder
			return nil
		})
		if err != nil {
			s.logger.Error("sweeper: failed to escalate request", "request_id", id, "error", err)
			continue
		}
		if skippedOrder == 0 {
			continue
		}

		escalated++
		if s.bus != nil {
			s.bus.Publish(ctx, events.NewStepEscalatedEvent(id, skippedOrder))
			if expiredRequest {
				s.bus.Publish(ctx, events.NewRequestExpiredEvent(id))
			}
		}
	}
	return escalated, nil
}

// PurgeIdempotencyKeys removes idempotency records past their TTL.
func (s *Service) PurgeIdempotencyKeys(ctx context.Context) (int64, error) {
	if s.keys == nil {
		return 0, nil
	}
	return s.keys.PurgeExpired(ctx, s.cfg.BatchSize)
}
