package events

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// Validate checks payload against its struct tags. Every failing field is
// reported: the returned VALIDATION_ERROR wraps the combined errors and carries
// a field->message details map.
func Validate(payload any) error {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "event payload invalid")
	}

	details := make(map[string]string, len(fieldErrs))
	var combined error
	for _, fe := range fieldErrs {
		field := fieldPath(fe)
		msg := message(fe)
		details[field] = msg
		combined = multierr.Append(combined, fmt.Errorf("%s %s", field, msg))
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, combined, "event payload invalid").WithDetails(details)
}

// Decode unmarshals data into dest and validates the result. Type mismatches
// surface as VALIDATION_ERROR as well.
func Decode(data []byte, dest any) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "event payload malformed").
			WithDetails(map[string]string{"payload": err.Error()})
	}
	return Validate(dest)
}

// Errors splits a validation error back into its per-field errors.
func Errors(err error) []error {
	if typed := pkgerrors.As(err); typed != nil && typed.Unwrap() != nil {
		return multierr.Errors(typed.Unwrap())
	}
	return multierr.Errors(err)
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "datetime":
		return "must be an ISO-8601 date-time"
	}
	return "is invalid"
}
