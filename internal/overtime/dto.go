package overtime

import (
	"time"

	errors "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/core/common/validation"
)

type SubmitDTO struct {
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
	Reason  string    `json:"reason"`
}

func (d *SubmitDTO) Validate(maxReasonLength int) *errors.AppError {
	if err := validation.ValidateWindow(d.StartAt, d.EndAt); err != nil {
		return err
	}
	return validation.ValidateReason(d.Reason, maxReasonLength)
}

func (d *SubmitDTO) Window() Window {
	return Window{StartAt: d.StartAt, EndAt: d.EndAt}
}

type CancelDTO struct {
	Reason string `json:"reason,omitempty"`
}

func (d *CancelDTO) Validate(maxReasonLength int) *errors.AppError {
	if d.Reason == "" {
		return nil
	}
	return validation.ValidateReason(d.Reason, maxReasonLength)
}
