package models

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report field names as they appear in JSON.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ValidatePayload checks p against its struct tags.
func ValidatePayload(p Payload) error {
	if p == nil || reflect.ValueOf(p).IsNil() {
		return apperrors.New(apperrors.ErrInvalid, "payload is required")
	}
	if err := validate.Struct(p); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation,
			"invalid "+string(p.Type())+" payload: "+describeValidation(err), err)
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}
