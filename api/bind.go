package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
	return v
}

// JSON decodes the request body into dest and validates it.
// Returns true if binding and validation succeeded. Otherwise the error
// response is set in the Handler state and false is returned.
//
// When MaxBodySize is active, a body exceeding the limit during decode
// yields ErrPayloadTooLarge (413).
func JSON(r *http.Request, dest any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			SetError(r, ErrPayloadTooLarge.With("Request body too large"))
		} else {
			SetError(r, ErrBadRequest.With("Invalid JSON request body"))
		}
		return false
	}

	if err := validate.Struct(dest); err != nil {
		SetError(r, NewValidationError(translateErrors(err)))
		return false
	}
	return true
}

func translateErrors(err error) []FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []FieldError{{
			Code:    "validation",
			Message: err.Error(),
		}}
	}
	result := make([]FieldError, len(errs))
	for i, e := range errs {
		result[i] = FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: formatMessage(e.Tag(), e.Param()),
		}
	}
	return result
}

func formatMessage(tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "gt":
		return "must be greater than " + param
	case "oneof":
		return "must be one of: " + param
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}
