package sweeper_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	internal "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/overtime"
	"github.com/frahmantamala/overtime-management/internal/sweeper"
)

func TestSweeperService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SweeperService Suite")
}

// Mock repository for testing
type mockSweeperRepository struct {
	requests map[int64]*overtime.Request
	steps    map[int64][]*overtime.Step
	locked   map[int64]bool

	auditActions []string
}

func newMockSweeperRepository() *mockSweeperRepository {
	return &mockSweeperRepository{
		requests: make(map[int64]*overtime.Request),
		steps:    make(map[int64][]*overtime.Step),
		locked:   make(map[int64]bool),
	}
}

func (m *mockSweeperRepository) Transaction(ctx context.Context, fn func(tx sweeper.Repository) error) error {
	return fn(m)
}

func (m *mockSweeperRepository) StaleDraftIDs(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	for _, req := range m.requests {
		if req.Status == overtime.StatusDraft && req.CreatedAt.Before(cutoff) {
			ids = append(ids, req.ID)
		}
	}
	return ids, nil
}

func (m *mockSweeperRepository) StalledStepRequestIDs(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	for requestID, steps := range m.steps {
		req := m.requests[requestID]
		if req == nil || req.Status != overtime.StatusSubmitted {
			continue
		}
		active := activeStep(steps)
		if active != nil && active.UpdatedAt.Before(cutoff) {
			ids = append(ids, requestID)
		}
	}
	return ids, nil
}

func activeStep(steps []*overtime.Step) *overtime.Step {
	var active *overtime.Step
	for _, step := range steps {
		if step.Status != overtime.StepStatusPending {
			continue
		}
		if active == nil || step.StepOrder < active.StepOrder {
			active = step
		}
	}
	return active
}

func (m *mockSweeperRepository) GetRequestSkipLocked(ctx context.Context, id int64) (*overtime.Request, error) {
	if m.locked[id] {
		return nil, nil
	}
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	copied := *req
	return &copied, nil
}

func (m *mockSweeperRepository) GetStepsForUpdate(ctx context.Context, requestID int64) ([]*overtime.Step, error) {
	return m.steps[requestID], nil
}

func (m *mockSweeperRepository) SkipStep(ctx context.Context, step *overtime.Step, decidedAt time.Time) error {
	step.Status = overtime.StepStatusSkipped
	step.DecidedAt = &decidedAt
	step.RowVersion++
	return nil
}

func (m *mockSweeperRepository) UpdateRequestStatus(ctx context.Context, req *overtime.Request, expectedVersion int64) error {
	stored, ok := m.requests[req.ID]
	if !ok {
		return internal.ErrRequestNotFound
	}
	if stored.RowVersion != expectedVersion {
		return internal.NewVersionConflict(expectedVersion, stored.RowVersion)
	}
	copied := *req
	copied.RowVersion = expectedVersion + 1
	m.requests[req.ID] = &copied
	req.RowVersion = copied.RowVersion
	return nil
}

func (m *mockSweeperRepository) AppendAudit(ctx context.Context, entityTable string, entityID int64, action string, actorID int64, diff map[string]any) error {
	m.auditActions = append(m.auditActions, action)
	return nil
}

// fixedPurger counts purge calls.
type fixedPurger struct {
	purged int64
	calls  int
}

func (p *fixedPurger) PurgeExpired(ctx context.Context, limit int) (int64, error) {
	p.calls++
	return p.purged, nil
}

var _ = Describe("SweeperService", func() {
	var (
		service  *sweeper.Service
		mockRepo *mockSweeperRepository
		purger   *fixedPurger
		ctx      context.Context
	)

	now := time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)

	cfg := sweeper.Config{
		Interval:          time.Minute,
		BatchSize:         100,
		DraftMaxAge:       72 * time.Hour,
		EscalationTimeout: 96 * time.Hour,
	}

	BeforeEach(func() {
		mockRepo = newMockSweeperRepository()
		purger = &fixedPurger{purged: 3}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		service = sweeper.NewService(mockRepo, purger, nil, logger, cfg)
		service.SetNow(func() time.Time { return now })
		ctx = context.Background()
	})

	Describe("ExpireDrafts", func() {
		It("should expire drafts older than the max age", func() {
			mockRepo.requests[1] = &overtime.Request{
				ID: 1, UserID: 42, Status: overtime.StatusDraft,
				RowVersion: 1, IsActive: true,
				CreatedAt: now.Add(-100 * time.Hour),
			}
			mockRepo.requests[2] = &overtime.Request{
				ID: 2, UserID: 42, Status: overtime.StatusDraft,
				RowVersion: 1, IsActive: true,
				CreatedAt: now.Add(-time.Hour),
			}

			expired, err := service.ExpireDrafts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(expired).To(Equal(1))
			Expect(mockRepo.requests[1].Status).To(Equal(overtime.StatusExpired))
			Expect(mockRepo.requests[1].ProcessedAt).NotTo(BeNil())
			Expect(mockRepo.requests[2].Status).To(Equal(overtime.StatusDraft))
			Expect(mockRepo.auditActions).To(ConsistOf(sweeper.AuditActionExpire))
		})

		It("should skip drafts locked by another transaction", func() {
			mockRepo.requests[1] = &overtime.Request{
				ID: 1, UserID: 42, Status: overtime.StatusDraft,
				RowVersion: 1, IsActive: true,
				CreatedAt: now.Add(-100 * time.Hour),
			}
			mockRepo.locked[1] = true

			expired, err := service.ExpireDrafts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(expired).To(Equal(0))
			Expect(mockRepo.requests[1].Status).To(Equal(overtime.StatusDraft))
		})

		It("should re-check the status under the lock", func() {
			// The scan found it as a draft, but it was submitted in between.
			mockRepo.requests[1] = &overtime.Request{
				ID: 1, UserID: 42, Status: overtime.StatusDraft,
				RowVersion: 1, IsActive: true,
				CreatedAt: now.Add(-100 * time.Hour),
			}

			ids, err := mockRepo.StaleDraftIDs(ctx, now.Add(-cfg.DraftMaxAge), 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(HaveLen(1))

			mockRepo.requests[1].Status = overtime.StatusSubmitted

			expired, err := service.ExpireDrafts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(expired).To(Equal(0))
		})
	})

	Describe("EscalateStalledSteps", func() {
		seedSubmitted := func() {
			mockRepo.requests[1] = &overtime.Request{
				ID: 1, UserID: 42, Status: overtime.StatusSubmitted,
				CurrentLevel: 1, MaxLevel: 2, RowVersion: 2, IsActive: true,
			}
			mockRepo.steps[1] = []*overtime.Step{
				{ID: 10, RequestID: 1, StepOrder: 1, Approver: overtime.RoleApprover("supervisor"),
					Status: overtime.StepStatusPending, RowVersion: 1, UpdatedAt: now.Add(-200 * time.Hour)},
				{ID: 11, RequestID: 1, StepOrder: 2, Approver: overtime.RoleApprover("manager"),
					Status: overtime.StepStatusPending, RowVersion: 1, UpdatedAt: now.Add(-200 * time.Hour)},
			}
		}

		It("should skip the stalled step and advance the request", func() {
			seedSubmitted()

			escalated, err := service.EscalateStalledSteps(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(escalated).To(Equal(1))
			Expect(mockRepo.steps[1][0].Status).To(Equal(overtime.StepStatusSkipped))
			Expect(mockRepo.requests[1].Status).To(Equal(overtime.StatusSubmitted))
			Expect(mockRepo.requests[1].CurrentLevel).To(Equal(2))
		})

		It("should expire the request when escalation empties the chain", func() {
			seedSubmitted()
			// Only one pending step left.
			mockRepo.steps[1][1].Status = overtime.StepStatusApproved

			escalated, err := service.EscalateStalledSteps(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(escalated).To(Equal(1))
			Expect(mockRepo.requests[1].Status).To(Equal(overtime.StatusExpired))
			Expect(mockRepo.requests[1].ProcessedAt).NotTo(BeNil())
		})

		It("should leave recently touched steps alone", func() {
			seedSubmitted()
			mockRepo.steps[1][0].UpdatedAt = now.Add(-time.Hour)

			escalated, err := service.EscalateStalledSteps(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(escalated).To(Equal(0))
			Expect(mockRepo.steps[1][0].Status).To(Equal(overtime.StepStatusPending))
		})
	})

	Describe("PurgeIdempotencyKeys", func() {
		It("should delegate to the key purger", func() {
			purged, err := service.PurgeIdempotencyKeys(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(purged).To(Equal(int64(3)))
			Expect(purger.calls).To(Equal(1))
		})
	})
})
