package validate

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/carecircle/crisis/internal/shared/errors"
)

var (
	once     sync.Once
	instance *validator.Validate
)

var enumTags = map[string][]string{
	"severity":       {"low", "medium", "high", "critical", "emergency"},
	"alert_type":     {"crisis_detected", "panic_button", "manual_escalation", "system_alert"},
	"contact_method": {"phone", "sms", "email", "push"},
	"trigger_source": {"manual", "crisis_detection"},
}

func get() *validator.Validate {
	once.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		for tag, allowed := range enumTags {
			allowed := allowed
			v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
				value := fl.Field().String()
				if value == "" {
					return true
				}
				for _, a := range allowed {
					if value == a {
						return true
					}
				}
				return false
			})
		}
		instance = v
	})
	return instance
}

// Struct validates s and converts failures into a Validation error with one
// detail per offending field.
func Struct(s any) error {
	err := get().Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Validation(err.Error(), nil)
	}

	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = message(fe)
	}
	return errors.Validation("invalid input", details)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	}
	if allowed, ok := enumTags[fe.Tag()]; ok {
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.Join(allowed, ", "))
	}
	return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
}
