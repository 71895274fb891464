package postgres

import (
	"context"
	"errors"
	"time"

	internal "github.com/frahmantamala/overtime-management/internal"
	auditPostgres "github.com/frahmantamala/overtime-management/internal/audit/postgres"
	overtimeDatamodel "github.com/frahmantamala/overtime-management/internal/core/datamodel/overtime"
	"github.com/frahmantamala/overtime-management/internal/overtime"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

// OvertimeRepository implements the overtime.Repository interface using GORM
type OvertimeRepository struct {
	db *gorm.DB
}

func NewOvertimeRepository(db *gorm.DB) overtime.Repository {
	return &OvertimeRepository{db: db}
}

// Transaction hands the callback a repository bound to one database
// transaction. Any error rolls back everything written inside.
func (r *OvertimeRepository) Transaction(ctx context.Context, fn func(overtime.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&OvertimeRepository{db: tx})
	})
}

func (r *OvertimeRepository) GetByID(ctx context.Context, id int64) (*overtime.Request, error) {
	var row overtimeDatamodel.Request
	err := r.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrRequestNotFound
		}
		return nil, err
	}
	return requestToDomain(&row), nil
}

func (r *OvertimeRepository) GetByIDWithSteps(ctx context.Context, id int64) (*overtime.Request, error) {
	req, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var stepRows []*overtimeDatamodel.ApprovalStep
	err = r.db.WithContext(ctx).
		Where("request_id = ?", id).
		Order("step_order ASC").
		Find(&stepRows).Error
	if err != nil {
		return nil, err
	}

	req.Steps = make([]*overtime.Step, len(stepRows))
	for i, row := range stepRows {
		req.Steps[i] = stepToDomain(row)
	}
	return req, nil
}

func (r *OvertimeRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*overtime.Request, error) {
	var rows []*overtimeDatamodel.Request
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	requests := make([]*overtime.Request, len(rows))
	for i, row := range rows {
		requests[i] = requestToDomain(row)
	}
	return requests, nil
}

// LockOverlapping row-locks window-claiming requests of the owner that
// overlap the given window. SKIP LOCKED keeps this scan from blocking on
// rows held by other transactions; anything skipped here is still caught by
// the exclusion constraint at insert time.
func (r *OvertimeRepository) LockOverlapping(ctx context.Context, userID int64, w overtime.Window, excludeID int64) ([]*overtime.Request, error) {
	query := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Where("status NOT IN ?", overtime.TerminalStatuses).
		Where("start_at <= ? AND ? <= end_at", w.EndAt, w.StartAt)
	if excludeID > 0 {
		query = query.Where("id <> ?", excludeID)
	}

	var rows []*overtimeDatamodel.Request
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	requests := make([]*overtime.Request, len(rows))
	for i, row := range rows {
		requests[i] = requestToDomain(row)
	}
	return requests, nil
}

func (r *OvertimeRepository) SumMinutesForDay(ctx context.Context, userID int64, day time.Time, excludeID int64) (int, error) {
	return r.sumMinutes(ctx, userID, day, day.AddDate(0, 0, 1), excludeID)
}

func (r *OvertimeRepository) SumMinutesForRange(ctx context.Context, userID int64, from, to time.Time, excludeID int64) (int, error) {
	return r.sumMinutes(ctx, userID, from, to, excludeID)
}

func (r *OvertimeRepository) sumMinutes(ctx context.Context, userID int64, from, to time.Time, excludeID int64) (int, error) {
	query := r.db.WithContext(ctx).
		Model(&overtimeDatamodel.Request{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Where("status NOT IN ?", overtime.TerminalStatuses).
		Where("start_at >= ? AND start_at < ?", from, to)
	if excludeID > 0 {
		query = query.Where("id <> ?", excludeID)
	}

	var total *int
	if err := query.Select("SUM(duration_minutes)").Scan(&total).Error; err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// Create inserts the request row. The exclusion constraint on active windows
// is the last line of defense: a race that slipped past the locked pre-check
// surfaces here as a conflict, not as corrupt data.
func (r *OvertimeRepository) Create(ctx context.Context, req *overtime.Request) error {
	row := requestToRow(req)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateConstraintError(err)
	}
	req.ID = row.ID
	req.CreatedAt = row.CreatedAt
	req.UpdatedAt = row.UpdatedAt
	return nil
}

func (r *OvertimeRepository) CreateSteps(ctx context.Context, steps []*overtime.Step) error {
	rows := make([]*overtimeDatamodel.ApprovalStep, len(steps))
	for i, step := range steps {
		rows[i] = stepToRow(step)
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return translateConstraintError(err)
	}
	for i, row := range rows {
		steps[i].ID = row.ID
		steps[i].CreatedAt = row.CreatedAt
		steps[i].UpdatedAt = row.UpdatedAt
	}
	return nil
}

// GetForUpdate loads one request under a blocking row lock.
func (r *OvertimeRepository) GetForUpdate(ctx context.Context, id int64) (*overtime.Request, error) {
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

// UpdateStatus persists a state transition guarded by the row version: zero
// affected rows means a concurrent writer got there first.
func (r *OvertimeRepository) UpdateStatus(ctx context.Context, req *overtime.Request, expectedVersion int64) error {
	result := r.db.WithContext(ctx).
		Model(&overtimeDatamodel.Request{}).
		Where("id = ? AND row_version = ?", req.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":        req.Status,
			"current_level": req.CurrentLevel,
			"max_level":     req.MaxLevel,
			"submitted_at":  req.SubmittedAt,
			"processed_at":  req.ProcessedAt,
			"is_active":     req.IsActive,
			"deleted_at":    req.DeletedAt,
			"row_version":   expectedVersion + 1,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return translateConstraintError(result.Error)
	}
	if result.RowsAffected == 0 {
		current, err := r.GetByID(ctx, req.ID)
		if err != nil {
			return internal.ErrRequestNotFound
		}
		return internal.NewVersionConflict(expectedVersion, current.RowVersion)
	}
	req.RowVersion = expectedVersion + 1
	return nil
}

func (r *OvertimeRepository) ChainTemplate(ctx context.Context, department string) ([]overtime.Approver, error) {
	var rows []*overtimeDatamodel.ChainTemplateStep
	err := r.db.WithContext(ctx).
		Where("department = ?", department).
		Order("step_order ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	approvers := make([]overtime.Approver, 0, len(rows))
	for _, row := range rows {
		switch {
		case row.ApproverID != nil:
			approvers = append(approvers, overtime.FixedApprover(*row.ApproverID))
		case row.ApproverRole != nil:
			approvers = append(approvers, overtime.RoleApprover(*row.ApproverRole))
		}
	}
	return approvers, nil
}

func (r *OvertimeRepository) UserDepartment(ctx context.Context, userID int64) (string, error) {
	var department string
	err := r.db.WithContext(ctx).
		Table("users").
		Where("id = ?", userID).
		Select("department").
		Scan(&department).Error
	return department, err
}

func (r *OvertimeRepository) AppendAudit(ctx context.Context, entityTable string, entityID int64, action string, actorID int64, diff map[string]any) error {
	_, err := auditPostgres.Append(r.db.WithContext(ctx), entityTable, entityID, action, actorID, diff)
	return err
}

// translateConstraintError converts the store-level overlap and uniqueness
// guarantees into the engine's conflict error.
func translateConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgExclusionViolation:
			return internal.NewOverlapConflict(nil)
		case pgUniqueViolation:
			return internal.NewConflictError("conflicting row already exists", internal.ErrCodeWindowOverlap).WithCause(err)
		}
	}
	return err
}

// ----------------- MAPPING -----------------

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
		DeletedAt:       row.DeletedAt,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

func requestToRow(req *overtime.Request) *overtimeDatamodel.Request {
	return &overtimeDatamodel.Request{
		ID:              req.ID,
		UserID:          req.UserID,
		StartAt:         req.StartAt,
		EndAt:           req.EndAt,
		DurationMinutes: req.DurationMinutes,
		Reason:          req.Reason,
		Status:          req.Status,
		CurrentLevel:    req.CurrentLevel,
		MaxLevel:        req.MaxLevel,
		RowVersion:      req.RowVersion,
		IsActive:        req.IsActive,
		SubmittedAt:     req.SubmittedAt,
		ProcessedAt:     req.ProcessedAt,
		DeletedAt:       req.DeletedAt,
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

func stepToRow(step *overtime.Step) *overtimeDatamodel.ApprovalStep {
	row := &overtimeDatamodel.ApprovalStep{
		ID:         step.ID,
		RequestID:  step.RequestID,
		StepOrder:  step.StepOrder,
		Status:     step.Status,
		Comment:    step.Comment,
		DecidedBy:  step.DecidedBy,
		DecidedAt:  step.DecidedAt,
		RowVersion: step.RowVersion,
	}
	switch step.Approver.Kind {
	case overtime.ApproverFixed:
		id := step.Approver.UserID
		row.ApproverID = &id
	case overtime.ApproverRole:
		role := step.Approver.Role
		row.ApproverRole = &role
	}
	return row
}
