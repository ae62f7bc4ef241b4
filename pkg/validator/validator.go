package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	playground "github.com/go-playground/validator/v10"
)

// FieldError describes one failed rule on one field.
type FieldError struct {
	Field   string
	Rule    string
	Message string
}

// Validator provides validation functionality
type Validator interface {
	Validate(obj interface{}) []FieldError
}

type validator struct {
	v *playground.Validate
}

var (
	defaultOnce sync.Once
	defaultV    Validator
)

// Default returns a process-wide validator. playground.Validate caches struct
// metadata, so sharing one instance is preferred.
func Default() Validator {
	defaultOnce.Do(func() { defaultV = New() })
	return defaultV
}

func New() Validator {
	v := playground.New(playground.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &validator{v: v}
}

func (v *validator) Validate(obj interface{}) []FieldError {
	err := v.v.Struct(obj)
	if err == nil {
		return nil
	}

	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: message(fe),
		})
	}
	return out
}

func message(fe playground.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must not exceed %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters long", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
