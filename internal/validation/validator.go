// Package validation wraps go-playground/validator with the rules used by
// pixel requests.
//
//	type setPixelRequest struct {
//	    X     *int   `json:"x" validate:"required"`
//	    Color string `json:"color" validate:"required,rgbhex"`
//	}
//
//	if verr := validation.ValidateStruct(&req); verr != nil {
//	    response.Error(w, verr.ToAPIError())
//	}
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"pixelcanvas-api/pkg/apierror"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	rgbHexPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// FieldError is a single failed rule.
type FieldError struct {
	Field   string
	Tag     string
	Param   string
	Message string
}

// RequestValidationError collects every failed rule of a struct.
type RequestValidationError struct {
	Fields []FieldError
}

func (ve *RequestValidationError) Error() string {
	if len(ve.Fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(ve.Fields))
	for i, f := range ve.Fields {
		messages[i] = f.Message
	}
	return strings.Join(messages, "; ")
}

// ToAPIError converts the failure to a 400 VALIDATION_ERROR.
func (ve *RequestValidationError) ToAPIError() *apierror.Error {
	details := make([]apierror.FieldError, len(ve.Fields))
	for i, f := range ve.Fields {
		details[i] = apierror.FieldError{Field: f.Field, Message: f.Message}
	}
	return apierror.ValidationError(ve.Error(), details...)
}

// IsRGBHex reports whether s is a "#RRGGBB" color.
func IsRGBHex(s string) bool {
	return rgbHexPattern.MatchString(s)
}

// GetValidator returns the singleton validator instance.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// report json names so details match the request body
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})

		_ = validate.RegisterValidation("rgbhex", func(fl validator.FieldLevel) bool {
			return IsRGBHex(fl.Field().String())
		})
	})
	return validate
}

// ValidateStruct validates s. Returns nil when every rule passes.
func ValidateStruct(s interface{}) *RequestValidationError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return &RequestValidationError{Fields: []FieldError{{
			Field:   "unknown",
			Tag:     "unknown",
			Message: err.Error(),
		}}}
	}

	fields := make([]FieldError, len(validationErrs))
	for i, fe := range validationErrs {
		fields[i] = FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: translateError(fe),
		}
	}
	return &RequestValidationError{Fields: fields}
}

var errorMessageTemplates = map[string]string{
	"required": "%s is required",
	"rgbhex":   "%s must be a hex color in #RRGGBB format",
}

var errorMessageWithParam = map[string]string{
	"gte": "%s must be greater than or equal to %s",
	"lte": "%s must be less than or equal to %s",
	"lt":  "%s must be less than %s",
	"max": "%s must be at most %s characters",
}

func translateError(fe validator.FieldError) string {
	if template, ok := errorMessageTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(template, fe.Field())
	}
	if template, ok := errorMessageWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(template, fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}
