package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers mandategate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("database_url", validateDatabaseURL); err != nil {
		return fmt.Errorf("failed to register database_url validator: %w", err)
	}
	return nil
}

// validateDatabaseURL accepts "sqlite://<path>", ":memory:", or a plain
// file path.
func validateDatabaseURL(fl validator.FieldLevel) bool {
	url := fl.Field().String()
	if url == ":memory:" {
		return true
	}
	if path, ok := strings.CutPrefix(url, "sqlite://"); ok {
		return path != ""
	}
	// A plain path must not carry some other scheme.
	return url != "" && !strings.Contains(url, "://")
}

// Validate runs struct-tag validation plus cross-field rules. Errors carry
// actionable messages; the caller treats any error as fatal.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis.enabled is true")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "database_url":
		return fmt.Sprintf("%s must be 'sqlite://<path>', ':memory:', or a file path", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
