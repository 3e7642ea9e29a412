package core

import (
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"subvalidator/internal/types"
)

// Validator wraps go-playground/validator so failures come back as AppErrors
// that name fields by their JSON keys.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator builds a Validator with the domain tags registered:
//
//	subscription_status  one of trial, active, past_due, canceled, unpaid
//	plan_level           one of starter, professional, enterprise
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})

	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("subscription_status", func(fl validator.FieldLevel) bool {
		return types.SubscriptionStatus(fl.Field().String()).Known()
	})
	_ = v.RegisterValidation("plan_level", func(fl validator.FieldLevel) bool {
		return types.PlanLevel(fl.Field().String()).Known()
	})

	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates dst. A missing required field yields
// validation_missing_required_field; any other rule yields
// validation_invalid_field. Both list the offending JSON fields under
// details.fields.
func (v *Validator) ValidateStruct(dst any) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("struct validation misuse", slog.Any("error", err))
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	var missing, invalid []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		} else {
			invalid = append(invalid, fe.Field())
		}
	}
	sort.Strings(missing)
	sort.Strings(invalid)

	if len(missing) > 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"missing required field: "+strings.Join(missing, ", "), err,
			map[string]any{"fields": missing})
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
		"invalid value for field: "+strings.Join(invalid, ", "), err,
		map[string]any{"fields": invalid})
}
