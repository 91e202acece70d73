package schema

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	secerrors "secmon/internal/errors"
)

// Validator handles validation of observations before they are scored.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator with the enum validations registered.
func NewValidator() *Validator {
	v := validator.New()
	RegisterValidations(v)
	return &Validator{validate: v}
}

// RegisterValidations installs the event_type and severity tags on v so that
// other packages can validate structs referencing schema enums.
func RegisterValidations(v *validator.Validate) {
	v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return EventType(fl.Field().String()).IsValid()
	})
	v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return Severity(fl.Field().String()).IsValid()
	})
}

// Validate validates an observation. Failures are returned as a
// *errors.ValidationError naming the offending fields.
func (v *Validator) Validate(obs *Observation) error {
	if obs == nil {
		return secerrors.NewValidationError("observation", "observation is required")
	}

	if err := v.validate.Struct(obs); err != nil {
		return toValidationError(err)
	}

	return nil
}

// toValidationError flattens validator field errors into a single
// ValidationError.
func toValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return secerrors.NewValidationError("", err.Error())
	}

	fields := make([]string, 0, len(verrs))
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		fields = append(fields, field)
		if fe.Param() != "" {
			reasons = append(reasons, fmt.Sprintf("%s failed %s=%s (got %q)", field, fe.Tag(), fe.Param(), fmt.Sprint(fe.Value())))
		} else {
			reasons = append(reasons, fmt.Sprintf("%s failed %s (got %q)", field, fe.Tag(), fmt.Sprint(fe.Value())))
		}
	}

	return secerrors.NewValidationError(strings.Join(fields, ","), strings.Join(reasons, "; "))
}
