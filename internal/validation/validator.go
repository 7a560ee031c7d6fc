package validation

import (
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

// New returns a configured validator with the custom tags registered. Field
// names in errors are the JSON names.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("money", validateMoney)
	_ = v.RegisterValidation("idemkey", validateIdempotencyKey)

	return v
}

// validateMoney accepts a non-negative decimal string with at most two places.
func validateMoney(fl validatorv10.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	return !d.IsNegative() && d.Equal(d.Round(2))
}

func validateIdempotencyKey(fl validatorv10.FieldLevel) bool {
	return lock.ValidateIdempotencyKey(fl.Field().String()) == nil
}
