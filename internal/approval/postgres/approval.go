package postgres

import (
	"context"
	"errors"
	"time"

	internal "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/approval"
	auditPostgres "github.com/frahmantamala/overtime-management/internal/audit/postgres"
	overtimeDatamodel "github.com/frahmantamala/overtime-management/internal/core/datamodel/overtime"
	"github.com/frahmantamala/overtime-management/internal/overtime"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApprovalRepository implements the approval.Repository interface using GORM
type ApprovalRepository struct {
	db *gorm.DB
}

func NewApprovalRepository(db *gorm.DB) approval.Repository {
	return &ApprovalRepository{db: db}
}

func (r *ApprovalRepository) Transaction(ctx context.Context, fn func(tx approval.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ApprovalRepository{db: tx})
	})
}

func (r *ApprovalRepository) GetRequestForUpdate(ctx context.Context, id int64) (*overtime.Request, error) {
	var row overtimeDatamodel.Request
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND is_active = ?", id, true).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrRequestNotFound
		}
		return nil, err
	}
	return requestToDomain(&row), nil
}

// GetStepsForUpdate locks the whole chain of a request. Locking in step
// order keeps concurrent deciders from deadlocking against each other.
func (r *ApprovalRepository) GetStepsForUpdate(ctx context.Context, requestID int64) ([]*overtime.Step, error) {
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

func (r *ApprovalRepository) UpdateStep(ctx context.Context, step *overtime.Step, expectedVersion int64) error {
	result := r.db.WithContext(ctx).
		Model(&overtimeDatamodel.ApprovalStep{}).
		Where("id = ? AND row_version = ?", step.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":      step.Status,
			"comment":     step.Comment,
			"decided_by":  step.DecidedBy,
			"decided_at":  step.DecidedAt,
			"row_version": expectedVersion + 1,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var current overtimeDatamodel.ApprovalStep
		if err := r.db.WithContext(ctx).Where("id = ?", step.ID).First(&current).Error; err != nil {
			return internal.ErrStepNotFound
		}
		return internal.NewVersionConflict(expectedVersion, current.RowVersion)
	}
	step.RowVersion = expectedVersion + 1
	return nil
}

func (r *ApprovalRepository) UpdateRequestStatus(ctx context.Context, req *overtime.Request, expectedVersion int64) error {
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

func (r *ApprovalRepository) MarkPendingStepsSkipped(ctx context.Context, requestID int64, decidedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&overtimeDatamodel.ApprovalStep{}).
		Where("request_id = ? AND status = ?", requestID, overtime.StepStatusPending).
		Updates(map[string]interface{}{
			"status":      overtime.StepStatusSkipped,
			"decided_at":  decidedAt,
			"row_version": gorm.Expr("row_version + 1"),
			"updated_at":  time.Now(),
		}).Error
}

// ListPendingForApprover returns only steps at the front of their chain:
// pending, bound to the actor, with no lower-order pending step on the same
// request.
func (r *ApprovalRepository) ListPendingForApprover(ctx context.Context, actor internal.Actor, limit, offset int) ([]*approval.PendingApproval, error) {
	var stepRows []*overtimeDatamodel.ApprovalStep
	err := r.db.WithContext(ctx).
		Joins("JOIN overtime_requests ON overtime_requests.id = approval_steps.request_id").
		Where("approval_steps.status = ?", overtime.StepStatusPending).
		Where("overtime_requests.status = ? AND overtime_requests.is_active = ?", overtime.StatusSubmitted, true).
		Where("(approval_steps.approver_id = ? OR approval_steps.approver_role = ?)", actor.ID, actor.Role).
		Where("approval_steps.step_order = (SELECT MIN(s2.step_order) FROM approval_steps s2 WHERE s2.request_id = approval_steps.request_id AND s2.status = ?)", overtime.StepStatusPending).
		Order("approval_steps.created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&stepRows).Error
	if err != nil {
		return nil, err
	}

	if len(stepRows) == 0 {
		return []*approval.PendingApproval{}, nil
	}

	requestIDs := make([]int64, 0, len(stepRows))
	for _, row := range stepRows {
		requestIDs = append(requestIDs, row.RequestID)
	}

	var requestRows []*overtimeDatamodel.Request
	if err := r.db.WithContext(ctx).Where("id IN ?", requestIDs).Find(&requestRows).Error; err != nil {
		return nil, err
	}
	requestsByID := make(map[int64]*overtime.Request, len(requestRows))
	for _, row := range requestRows {
		requestsByID[row.ID] = requestToDomain(row)
	}

	pending := make([]*approval.PendingApproval, 0, len(stepRows))
	for _, row := range stepRows {
		pending = append(pending, &approval.PendingApproval{
			Step:    stepToDomain(row),
			Request: requestsByID[row.RequestID],
		})
	}
	return pending, nil
}

func (r *ApprovalRepository) AppendAudit(ctx context.Context, entityTable string, entityID int64, action string, actorID int64, diff map[string]any) error {
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
