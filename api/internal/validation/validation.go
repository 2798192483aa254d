package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var ErrInvalid = errors.New("invalid argument")

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error lists every field that failed. errors.Is(err, ErrInvalid) holds.
type Error struct {
	Problems []Problem
}

func (e *Error) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return ErrInvalid.Error()
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Message)
	}
	return ErrInvalid.Error() + ": " + strings.Join(parts, "; ")
}

func (e *Error) Is(target error) bool { return target == ErrInvalid }

func Fail(field string, message string) error {
	return &Error{Problems: []Problem{{Field: field, Message: message}}}
}

// ProblemsOf returns the field problems carried by err, if any.
func ProblemsOf(err error) []Problem {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Problems
	}
	return nil
}

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Struct validates v against its `validate` tags and reports problems with
// JSON field paths.
func Struct(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &Error{Problems: []Problem{{Field: "body", Message: err.Error()}}}
	}
	out := &Error{Problems: make([]Problem, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Problems = append(out.Problems, Problem{Field: fieldPath(fe.Namespace()), Message: message(fe)})
	}
	return out
}

// fieldPath drops the root type and any embedded struct names, which are the
// only segments without a lower-case JSON name.
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i == 0 || p == "" {
			continue
		}
		if p[0] >= 'A' && p[0] <= 'Z' {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return namespace
	}
	return strings.Join(out, ".")
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "uuid", "uuid4":
		return "must be a valid UUID"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return "must be at least " + fe.Param()
	case "max":
		switch fe.Kind() {
		case reflect.String:
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		case reflect.Slice:
			return fmt.Sprintf("must have at most %s entries", fe.Param())
		}
		return "must be at most " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
