package models

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
		str := fl.Field().String()
		if str == "" {
			return true
		}
		d, err := decimal.NewFromString(str)
		if err != nil || !d.IsPositive() {
			return false
		}
		_, err = ToMinor(d)
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("register positive_amount: %w", err)
	}
	return v, nil
}

// Validate checks a request DTO against its struct tags.
func Validate(req any) error {
	validateOnce.Do(func() {
		validate, errValidate = initValidator()
	})
	if errValidate != nil {
		return errValidate
	}
	return validate.Struct(req)
}
