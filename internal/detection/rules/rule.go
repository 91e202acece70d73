// Package rules evaluates declarative alert rules against security events.
package rules

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"secmon/internal/detection/pattern"
	secerrors "secmon/internal/errors"
	"secmon/internal/schema"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
)

// IsValid checks if the operator is supported.
func (o Operator) IsValid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpRegex:
		return true
	}
	return false
}

// Condition compares one event field against a value.
type Condition struct {
	Field    string   `json:"field" yaml:"field" validate:"required,field_path"`
	Operator Operator `json:"operator" yaml:"operator" validate:"required,rule_operator"`
	Value    any      `json:"value" yaml:"value"`
}

// AlertRule materializes an alert when an event of one of its types
// satisfies every condition.
type AlertRule struct {
	ID          string             `json:"id" yaml:"id" validate:"required,max=128"`
	Name        string             `json:"name" yaml:"name" validate:"required,max=256"`
	Description string             `json:"description" yaml:"description" validate:"max=2048"`
	EventTypes  []schema.EventType `json:"eventTypes" yaml:"event_types" validate:"required,min=1,dive,event_type"`
	Conditions  []Condition        `json:"conditions" yaml:"conditions" validate:"dive"`
	Severity    schema.Severity    `json:"severity" yaml:"severity" validate:"required,severity"`
	IsActive    bool               `json:"isActive" yaml:"is_active"`
}

// AppliesTo reports whether the rule is active and covers t.
func (r *AlertRule) AppliesTo(t schema.EventType) bool {
	if !r.IsActive {
		return false
	}
	for _, et := range r.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with r.
func (r *AlertRule) Clone() *AlertRule {
	c := *r
	c.EventTypes = append([]schema.EventType(nil), r.EventTypes...)
	c.Conditions = append([]Condition(nil), r.Conditions...)
	return &c
}

var ruleValidate = newRuleValidator()

func newRuleValidator() *validator.Validate {
	v := validator.New()
	schema.RegisterValidations(v)
	_ = v.RegisterValidation("rule_operator", func(fl validator.FieldLevel) bool {
		return Operator(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("field_path", func(fl validator.FieldLevel) bool {
		return ValidPath(fl.Field().String())
	})
	return v
}

// Validate checks a rule at creation time: closed field paths, known
// operators, operand types and compilable regex patterns.
func Validate(rule *AlertRule) error {
	if rule == nil {
		return secerrors.NewValidationError("", "rule is required")
	}
	if err := ruleValidate.Struct(rule); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return secerrors.NewValidationError(fieldName(fe.Namespace()), "failed on '"+fe.Tag()+"'")
		}
		return secerrors.NewValidationError("", err.Error())
	}

	for i, cond := range rule.Conditions {
		if err := validateOperand(cond); err != nil {
			return secerrors.NewValidationError(fmt.Sprintf("conditions[%d].value", i), err.Error())
		}
	}
	return nil
}

func validateOperand(cond Condition) error {
	switch cond.Operator {
	case OpGreaterThan, OpLessThan:
		if _, ok := toFloat64(cond.Value); !ok {
			return fmt.Errorf("%s needs a numeric value", cond.Operator)
		}
	case OpContains:
		if _, ok := cond.Value.(string); !ok {
			return fmt.Errorf("contains needs a string value")
		}
	case OpRegex:
		expr, ok := cond.Value.(string)
		if !ok {
			return fmt.Errorf("regex needs a string pattern")
		}
		if err := pattern.Validate(expr); err != nil {
			return err
		}
	}
	return nil
}

// fieldName turns "AlertRule.Conditions[0].Field" into "conditions[0].field".
func fieldName(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		namespace = namespace[i+1:]
	}
	return strings.ToLower(namespace)
}
