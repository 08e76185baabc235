package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"courier/internal/types"
)

// maxVariableNameLength bounds template variable names.
const maxVariableNameLength = 64

// variableNamePattern matches the placeholder names the template renderer
// substitutes.
var variableNamePattern = regexp.MustCompile(`^\w+$`)

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects every failed field of a struct.
type ValidationResult struct {
	Errors []ValidationError
}

// IsValid reports whether no field failed.
func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Validator wraps go-playground/validator with the domain tags:
//
//	notification_type  value is a supported notification type
//	template_vars      map keys are valid template placeholder names
//
// Field names in errors are the JSON names.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with the domain tags registered.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	mustRegister(v, "notification_type", validateNotificationType)
	mustRegister(v, "template_vars", validateTemplateVars)

	return &Validator{validate: v, logger: logger}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// ValidateStruct validates s and returns nil or an AppError whose code is
// that of the first failed field. Every failure is listed under the
// "validation_errors" detail.
func (v *Validator) ValidateStruct(s any) error {
	result := v.Validate(s)
	if result.IsValid() {
		return nil
	}
	first := result.Errors[0]
	return types.NewAppErrorWithDetails(types.ErrorCode(first.Code), first.Message, nil,
		map[string]any{"validation_errors": result.Errors})
}

// Validate validates s and returns every failure.
func (v *Validator) Validate(s any) ValidationResult {
	err := v.validate.Struct(s)
	if err == nil {
		return ValidationResult{}
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		if v.logger != nil {
			v.logger.Error("validator misuse", "error", err)
		}
		return ValidationResult{Errors: []ValidationError{{
			Code:    string(types.ErrCodeValidationInvalidField),
			Message: "request could not be validated",
		}}}
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    tagToErrorCode(fe.Field(), fe.Tag()),
			Message: fieldMessage(fe),
		})
	}
	return ValidationResult{Errors: out}
}

// tagToErrorCode maps a failed tag to the API error code.
func tagToErrorCode(field, tag string) string {
	switch {
	case tag == "required":
		return string(types.ErrCodeValidationMissingField)
	case tag == "email":
		return string(types.ErrCodeValidationInvalidEmail)
	case tag == "notification_type", field == "notification_type":
		return string(types.ErrCodeValidationInvalidType)
	case tag == "template_vars", field == "variables":
		return string(types.ErrCodeValidationInvalidVariable)
	case field == "priority":
		return string(types.ErrCodeValidationInvalidPriority)
	default:
		return string(types.ErrCodeValidationInvalidField)
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "notification_type":
		return fmt.Sprintf("%s must be one of email, push, sms (got %q)", fe.Field(), fe.Value())
	case "template_vars":
		return fe.Field() + " keys must be alphanumeric placeholder names"
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

func validateNotificationType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	return types.NotificationType(fl.Field().String()).Valid()
}

func validateTemplateVars(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.Map {
		return false
	}
	for _, key := range field.MapKeys() {
		if key.Kind() != reflect.String {
			return false
		}
		name := key.String()
		if len(name) > maxVariableNameLength || !variableNamePattern.MatchString(name) {
			return false
		}
	}
	return true
}
