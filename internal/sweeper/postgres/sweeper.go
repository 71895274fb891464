package postgres

import (
	"context"
	"errors"
	"time"

	internal "github.com/frahmantamala/overtime-management/internal"
	auditPostgres "github.com/frahmantamala/overtime-management/internal/audit/postgres"
	overtimeDatamodel "github.com/frahmantamala/overtime-management/internal/core/datamodel/overtime"
	"github.com/frahmantamala/overtime-management/internal/overtime"
	"github.com/frahmantamala/overtime-management/internal/sweeper"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SweeperRepository struct {
	db *gorm.DB
}

func NewSweeperRepository(db *gorm.DB) sweeper.Repository {
	return &SweeperRepository{db: db}
}

func (r *SweeperRepository) Transaction(ctx context.Context, fn func(tx sweeper.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&SweeperRepository{db: tx})
	})
}

// StaleDraftIDs scans without locks; the caller re-verifies each candidate
// under a row lock before mutating it.
func (r *SweeperRepository) StaleDraftIDs(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&overtimeDatamodel.Request{}).
		Where("status = ? AND is_active = ? AND created_at < ?", overtime.StatusDraft, true, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// StalledStepRequestIDs finds submitted requests whose frontmost pending
// step has not moved since the cutoff.
func (r *SweeperRepository) StalledStepRequestIDs(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&overtimeDatamodel.ApprovalStep{}).
		Joins("JOIN overtime_requests ON overtime_requests.id = approval_steps.request_id").
		Where("approval_steps.status = ? AND approval_steps.updated_at < ?", overtime.StepStatusPending, cutoff).
		Where("overtime_requests.status = ? AND overtime_requests.is_active = ?", overtime.StatusSubmitted, true).
		Where("approval_steps.step_order = (SELECT MIN(s2.step_order) FROM approval_steps s2 WHERE s2.request_id = approval_steps.request_id AND s2.status = ?)", overtime.StepStatusPending).
		Order("approval_steps.updated_at ASC").
		Limit(limit).
		Distinct().
		Pluck("approval_steps.request_id", &ids).Error
	return ids, err
}

// GetRequestSkipLocked returns nil without error when another transaction
// holds the row; the sweeper treats that as "try again next pass".
func (r *SweeperRepository) GetRequestSkipLocked(ctx context.Context, id int64) (*overtime.Request, error) {
	var row overtimeDatamodel.Request
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("id = ? AND is_active = ?", id, true).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return requestToDomain(&row), nil
}

func (r *SweeperRepository) GetStepsForUpdate(ctx context.Context, requestID int64) ([]*overtime.Step, error) {
	var rows []*overtimeDatamodel.ApprovalStep
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("request_id = ?", requestID).
		Order("step_order ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	steps := make([]*overtime.Step, len(rows))
	for i, row := range rows {
		steps[i] = stepToDomain(row)
	}
	return steps, nil
}

func (r *SweeperRepository) SkipStep(ctx context.Context, step *overtime.Step, decidedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&overtimeDatamodel.ApprovalStep{}).
		Where("id = ? AND row_version = ?", step.ID, step.RowVersion).
		Updates(map[string]interface{}{
			"status":      overtime.StepStatusSkipped,
			"decided_at":  decidedAt,
			"row_version": step.RowVersion + 1,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return internal.NewVersionConflict(step.RowVersion, step.RowVersion+1)
	}
	step.Status = overtime.StepStatusSkipped
	step.RowVersion++
	return nil
}

func (r *SweeperRepository) UpdateRequestStatus(ctx context.Context, req *overtime.Request, expectedVersion int64) error {
	result := r.db.WithContext(ctx).
		Model(&overtimeDatamodel.Request{}).
		Where("id = ? AND row_version = ?", req.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":        req.Status,
			"current_level": req.CurrentLevel,
			"processed_at":  req.ProcessedAt,
			"row_version":   expectedVersion + 1,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var current overtimeDatamodel.Request
		if err := r.db.WithContext(ctx).Where("id = ?", req.ID).First(&current).Error; err != nil {
			return internal.ErrRequestNotFound
		}
		return internal.NewVersionConflict(expectedVersion, current.RowVersion)
	}
	req.RowVersion = expectedVersion + 1
	return nil
}

func (r *SweeperRepository) AppendAudit(ctx context.Context, entityTable string, entityID int64, action string, actorID int64, diff map[string]any) error {
	_, err := auditPostgres.Append(r.db.WithContext(ctx), entityTable, entityID, action, actorID, diff)
	return err
}

func requestToDomain(row *overtimeDatamodel.Request) *overtime.Request {
	return &overtime.Request{
		ID:              row.ID,
		UserID:          row.UserID,
		StartAt:         row.StartAt,
		EndAt:           row.EndAt,
		DurationMinutes: row.DurationMinutes,
		Reason:          row.Reason,
		Status:          row.Status,
		CurrentLevel:    row.CurrentLevel,
		MaxLevel:        row.MaxLevel,
		RowVersion:      row.RowVersion,
		IsActive:        row.IsActive,
		SubmittedAt:     row.SubmittedAt,
		ProcessedAt:     row.ProcessedAt,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

func stepToDomain(row *overtimeDatamodel.ApprovalStep) *overtime.Step {
	step := &overtime.Step{
		ID:         row.ID,
		RequestID:  row.RequestID,
		StepOrder:  row.StepOrder,
		Status:     row.Status,
		Comment:    row.Comment,
		DecidedBy:  row.DecidedBy,
		DecidedAt:  row.DecidedAt,
		RowVersion: row.RowVersion,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	switch {
	case row.ApproverID != nil:
		step.Approver = overtime.FixedApprover(*row.ApproverID)
	case row.ApproverRole != nil:
		step.Approver = overtime.RoleApprover(*row.ApproverRole)
	}
	return step
}
