package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	apperrors "github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
)

var (
	stateRegex = regexp.MustCompile(`^[A-Z]{2}$`) // US state codes

	once     sync.Once
	validate *validator.Validate
)

// Validator returns the shared validator with the compliance tags registered:
// channel, direction, comm_type, request_method, us_state and timezone.
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		mustRegister(v, "channel", func(fl validator.FieldLevel) bool {
			return compliance.Channel(fl.Field().String()).Valid()
		})
		mustRegister(v, "direction", func(fl validator.FieldLevel) bool {
			return compliance.Direction(fl.Field().String()).Valid()
		})
		mustRegister(v, "comm_type", func(fl validator.FieldLevel) bool {
			return compliance.CommunicationType(fl.Field().String()).Valid()
		})
		mustRegister(v, "request_method", func(fl validator.FieldLevel) bool {
			return compliance.RequestMethod(fl.Field().String()).Valid()
		})
		mustRegister(v, "us_state", func(fl validator.FieldLevel) bool {
			return stateRegex.MatchString(fl.Field().String())
		})
		mustRegister(v, "timezone", func(fl validator.FieldLevel) bool {
			_, err := time.LoadLocation(fl.Field().String())
			return err == nil
		})
		validate = v
	})
	return validate
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("registering %s validation: %v", tag, err))
	}
}

// Struct validates s and converts failures into a validation AppError whose
// details map each failing field to the tag it violated.
func Struct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.NewValidationError("INVALID_INPUT", err.Error())
	}

	details := make(map[string]interface{}, len(fieldErrs))
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = fe.Tag()
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}

	return apperrors.NewValidationError("INVALID_INPUT", "invalid input: "+strings.Join(fields, ", ")).
		WithDetails(details).
		WithCause(err)
}

// NormalizeState upper-cases and trims a state code
func NormalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}
