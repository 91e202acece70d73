package threat

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"secmon/internal/detection/pattern"
	secerrors "secmon/internal/errors"
	"secmon/internal/schema"
)

// IndicatorType categorizes threat indicators by how they are matched.
type IndicatorType string

const (
	IndicatorIP        IndicatorType = "ip"
	IndicatorDomain    IndicatorType = "domain"
	IndicatorHash      IndicatorType = "hash"
	IndicatorPattern   IndicatorType = "pattern"
	IndicatorSignature IndicatorType = "signature"
)

// IsValid checks if the indicator type is known.
func (t IndicatorType) IsValid() bool {
	switch t {
	case IndicatorIP, IndicatorDomain, IndicatorHash, IndicatorPattern, IndicatorSignature:
		return true
	}
	return false
}

// ThreatIndicator represents a known-bad value (IOC).
type ThreatIndicator struct {
	ID          string          `json:"id"`
	Type        IndicatorType   `json:"type" validate:"required,indicator_type"`
	Value       string          `json:"value" validate:"required,max=1024"`
	Confidence  float64         `json:"confidence" validate:"gte=0,lte=1"`
	Severity    schema.Severity `json:"severity" validate:"required,severity"`
	Description string          `json:"description" validate:"max=1024"`
	Source      string          `json:"source" validate:"max=256"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
}

// ToMatch converts the indicator into the enrichment record stored on events.
func (i *ThreatIndicator) ToMatch() schema.ThreatMatch {
	return schema.ThreatMatch{
		IndicatorID: i.ID,
		Type:        string(i.Type),
		Value:       i.Value,
		Severity:    i.Severity,
		Confidence:  i.Confidence,
	}
}

var indicatorValidate = newIndicatorValidator()

func newIndicatorValidator() *validator.Validate {
	v := validator.New()
	schema.RegisterValidations(v)
	_ = v.RegisterValidation("indicator_type", func(fl validator.FieldLevel) bool {
		return IndicatorType(fl.Field().String()).IsValid()
	})
	return v
}

// ValidateIndicator checks field constraints and, for pattern indicators,
// that the value compiles.
func ValidateIndicator(ind *ThreatIndicator) error {
	if ind == nil {
		return secerrors.NewValidationError("", "indicator is required")
	}
	if err := indicatorValidate.Struct(ind); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return secerrors.NewValidationError(strings.ToLower(fe.Field()), "failed on '"+fe.Tag()+"'")
		}
		return secerrors.NewValidationError("", err.Error())
	}
	if ind.Type == IndicatorPattern {
		if err := pattern.Validate(ind.Value); err != nil {
			return secerrors.NewValidationError("value", err.Error())
		}
	}
	return nil
}
