package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned when a request is malformed or incomplete.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// Validate checks r against the required fields of its declared type.
func (r Request) Validate() error {
	verr := &ValidationError{}

	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate request: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add(fieldPath(fe), describe(fe))
		}
	}

	switch r.Type {
	case TypeTurnstile:
		if r.SiteKey == "" {
			verr.add("siteKey", "required for Turnstile tasks")
		}
	case TypeRecaptchaInvisible:
		if r.SiteKey == "" {
			verr.add("siteKey", "required for RecaptchaInvisible tasks")
		}
		if r.Action == "" {
			verr.add("action", "required for RecaptchaInvisible tasks")
		}
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// fieldPath strips the root struct name from a namespace such as
// "Request.proxy.port".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
