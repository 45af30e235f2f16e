package model

import (
	"github.com/go-playground/validator/v10"
)

var (
	v = validator.New()
)

// Validate checks s against its validate tags and converts failures into a ValidationError.
func Validate(s interface{}) error {
	err := v.Struct(s)

	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)

	if !ok {
		return err
	}

	fields := make(map[string]interface{}, len(errs))

	for _, fe := range errs {
		fields[fe.Field()] = fe.Tag()
	}

	return ValidationError{Fields: fields}
}

// ValidateVar checks a single value against tag.
func ValidateVar(name string, value interface{}, tag string) error {
	if err := v.Var(value, tag); err != nil {
		return ValidationError{Fields: map[string]interface{}{name: tag}}
	}

	return nil
}
