package approval

import (
	errors "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/core/common/validation"
)

const maxCommentLength = 1000

type DecideDTO struct {
	Decision        string `json:"decision"`
	Comment         string `json:"comment,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

func (d *DecideDTO) Validate() *errors.AppError {
	v := validation.NewValidator()
	v.Field("decision", d.Decision).Required().OneOf(DecisionApprove, DecisionReject)
	v.Field("comment", d.Comment).MaxLength(maxCommentLength)
	return v.Validate()
}
