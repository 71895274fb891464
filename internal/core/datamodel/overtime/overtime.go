package overtime

import "time"

type Request struct {
	ID              int64      `gorm:"primaryKey"`
	UserID          int64      `gorm:"column:user_id;not null;index"`
	StartAt         time.Time  `gorm:"column:start_at;not null"`
	EndAt           time.Time  `gorm:"column:end_at;not null"`
	DurationMinutes int        `gorm:"column:duration_minutes;not null"`
	Reason          string     `gorm:"column:reason;not null"`
	Status          string     `gorm:"column:status;default:submitted;index"`
	CurrentLevel    int        `gorm:"column:current_level;default:0"`
	MaxLevel        int        `gorm:"column:max_level;default:0"`
	RowVersion      int64      `gorm:"column:row_version;default:1"`
	IsActive        bool       `gorm:"column:is_active;default:true"`
	SubmittedAt     *time.Time `gorm:"column:submitted_at"`
	ProcessedAt     *time.Time `gorm:"column:processed_at"`
	DeletedAt       *time.Time `gorm:"column:deleted_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Request) TableName() string {
	return "overtime_requests"
}

type ApprovalStep struct {
	ID           int64      `gorm:"primaryKey"`
	RequestID    int64      `gorm:"column:request_id;not null;uniqueIndex:ux_step_request_order,priority:1"`
	StepOrder    int        `gorm:"column:step_order;not null;uniqueIndex:ux_step_request_order,priority:2"`
	ApproverID   *int64     `gorm:"column:approver_id"`
	ApproverRole *string    `gorm:"column:approver_role"`
	Status       string     `gorm:"column:status;default:pending;index"`
	Comment      string     `gorm:"column:comment"`
	DecidedBy    *int64     `gorm:"column:decided_by"`
	DecidedAt    *time.Time `gorm:"column:decided_at"`
	RowVersion   int64      `gorm:"column:row_version;default:1"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (ApprovalStep) TableName() string {
	return "approval_steps"
}

// ChainTemplateStep is one stage of a department's configured approval chain.
// Either a fixed approver or a role is set, never both.
type ChainTemplateStep struct {
	ID           int64     `gorm:"primaryKey"`
	Department   string    `gorm:"column:department;not null;uniqueIndex:ux_chain_dept_order,priority:1"`
	StepOrder    int       `gorm:"column:step_order;not null;uniqueIndex:ux_chain_dept_order,priority:2"`
	ApproverID   *int64    `gorm:"column:approver_id"`
	ApproverRole *string   `gorm:"column:approver_role"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (ChainTemplateStep) TableName() string {
	return "approval_chain_steps"
}
