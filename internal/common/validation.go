package common

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"submission-orchestrator/internal/models"
)

// Validator collects field errors across several rules
type Validator struct {
	errors []models.FieldError
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{
		errors: make([]models.FieldError, 0),
	}
}

// ValidationRule checks one value and returns a message, or "" when it passes
type ValidationRule func(value string) string

// Field runs rules against value, stopping at the first failure for that field.
func (v *Validator) Field(fieldName string, value string, rules ...ValidationRule) *Validator {
	for _, rule := range rules {
		if msg := rule(value); msg != "" {
			v.errors = append(v.errors, models.FieldError{Field: fieldName, Message: msg})
			break
		}
	}
	return v
}

// Add records a failure computed outside of a rule.
func (v *Validator) Add(fieldName, message string) *Validator {
	v.errors = append(v.errors, models.FieldError{Field: fieldName, Message: message})
	return v
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Err returns a *models.ValidationError, or nil when every rule passed.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	out := make([]models.FieldError, len(v.errors))
	copy(out, v.errors)
	return &models.ValidationError{Fields: out}
}

// Required rejects blank values.
func Required(value string) string {
	if strings.TrimSpace(value) == "" {
		return "is required"
	}
	return ""
}

var digitsOnly = regexp.MustCompile(`^[0-9]+$`)

// ExactDigits requires exactly n ASCII digits.
func ExactDigits(n int) ValidationRule {
	return func(value string) string {
		if len(value) != n || !digitsOnly.MatchString(value) {
			return fmt.Sprintf("must be exactly %d digits", n)
		}
		return ""
	}
}

// PhoneNumber accepts 10 or 11 digits, dashes and spaces ignored.
func PhoneNumber(value string) string {
	d := strings.NewReplacer("-", "", " ", "").Replace(value)
	if !digitsOnly.MatchString(d) || len(d) < 10 || len(d) > 11 {
		return "must be a 10 or 11 digit phone number"
	}
	return ""
}

// HTTPURL requires an absolute http or https URL with a host.
func HTTPURL(value string) string {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "must be an absolute http(s) URL"
	}
	return ""
}

// OneOf restricts value to the allowed set.
func OneOf(allowed ...string) ValidationRule {
	return func(value string) string {
		for _, a := range allowed {
			if value == a {
				return ""
			}
		}
		return "must be one of " + strings.Join(allowed, ", ")
	}
}
