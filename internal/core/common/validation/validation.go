package validation

import (
	"fmt"
	"time"

	errors "github.com/frahmantamala/overtime-management/internal"
)

type ValidatorFunc func(interface{}) *errors.AppError

type FieldValidator struct {
	FieldName  string
	Value      interface{}
	Validators []ValidatorFunc
}

type ValidationBuilder struct {
	fields []FieldValidator
	errors []errors.RuleViolation
}

func NewValidator() *ValidationBuilder {
	return &ValidationBuilder{
		fields: make([]FieldValidator, 0),
		errors: make([]errors.RuleViolation, 0),
	}
}

func (v *ValidationBuilder) Field(name string, value interface{}) *FieldValidator {
	fv := FieldValidator{
		FieldName:  name,
		Value:      value,
		Validators: make([]ValidatorFunc, 0),
	}
	v.fields = append(v.fields, fv)
	return &v.fields[len(v.fields)-1]
}

func (fv *FieldValidator) Required() *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		switch v := value.(type) {
		case string:
			if v == "" {
				return errors.NewValidationFieldError(fv.FieldName, fmt.Sprintf("%s is required", fv.FieldName), errors.ErrCodeValidationFailed)
			}
		case time.Time:
			if v.IsZero() {
				return errors.NewValidationFieldError(fv.FieldName, fmt.Sprintf("%s is required", fv.FieldName), errors.ErrCodeValidationFailed)
			}
		case int64:
			if v == 0 {
				return errors.NewValidationFieldError(fv.FieldName, fmt.Sprintf("%s is required", fv.FieldName), errors.ErrCodeValidationFailed)
			}
		case *string:
			if v == nil || *v == "" {
				return errors.NewValidationFieldError(fv.FieldName, fmt.Sprintf("%s is required", fv.FieldName), errors.ErrCodeValidationFailed)
			}
		}
		return nil
	})
	return fv
}

func (fv *FieldValidator) MinLength(min int) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		if v, ok := value.(string); ok {
			if len(v) < min {
				message := fmt.Sprintf("%s must be at least %d characters", fv.FieldName, min)
				return errors.NewValidationFieldError(fv.FieldName, message, errors.ErrCodeValidationFailed)
			}
		}
		return nil
	})
	return fv
}

func (fv *FieldValidator) MaxLength(max int) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		if v, ok := value.(string); ok {
			if len(v) > max {
				message := fmt.Sprintf("%s must not exceed %d characters", fv.FieldName, max)
				return errors.NewValidationFieldError(fv.FieldName, message, errors.ErrCodeInvalidReason)
			}
		}
		return nil
	})
	return fv
}

// After checks that a time field is strictly later than the given reference.
func (fv *FieldValidator) After(reference time.Time, referenceName string) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		if v, ok := value.(time.Time); ok {
			if !v.After(reference) {
				message := fmt.Sprintf("%s must be after %s", fv.FieldName, referenceName)
				return errors.NewValidationFieldError(fv.FieldName, message, errors.ErrCodeInvalidWindow)
			}
		}
		return nil
	})
	return fv
}

func (fv *FieldValidator) OneOf(allowed ...string) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		if v, ok := value.(string); ok {
			for _, a := range allowed {
				if v == a {
					return nil
				}
			}
			message := fmt.Sprintf("%s must be one of %v", fv.FieldName, allowed)
			return errors.NewValidationFieldError(fv.FieldName, message, errors.ErrCodeInvalidDecision)
		}
		return nil
	})
	return fv
}

// Validate runs every registered validator and aggregates all field failures
// into a single AppError.
func (v *ValidationBuilder) Validate() *errors.AppError {
	for _, field := range v.fields {
		for _, validator := range field.Validators {
			if err := validator(field.Value); err != nil {
				if details, ok := err.Details.(errors.RuleViolations); ok {
					v.errors = append(v.errors, details.Violations...)
				}
			}
		}
	}

	if len(v.errors) == 0 {
		return nil
	}

	return &errors.AppError{
		Type:       errors.ErrorTypeValidation,
		Code:       errors.ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: 400,
		Details:    errors.RuleViolations{Violations: v.errors},
	}
}

// ValidateWindow checks the shape of an overtime window: both ends present
// and end strictly after start.
func ValidateWindow(startAt, endAt time.Time) *errors.AppError {
	validator := NewValidator()
	validator.Field("start_at", startAt).Required()
	validator.Field("end_at", endAt).Required().After(startAt, "start_at")
	return validator.Validate()
}

func ValidateReason(reason string, maxLength int) *errors.AppError {
	validator := NewValidator()
	validator.Field("reason", reason).
		Required().
		MinLength(1).
		MaxLength(maxLength)
	return validator.Validate()
}
