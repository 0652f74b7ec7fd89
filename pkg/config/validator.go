package config

import (
	"fmt"
	"net/url"
	"slices"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
)

// ConfigValidator validates configuration with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateBackend(); err != nil {
		return fmt.Errorf("backend validation failed: %w", err)
	}
	if err := v.validateLangGraph(); err != nil {
		return fmt.Errorf("langgraph validation failed: %w", err)
	}
	if err := v.validateChat(); err != nil {
		return fmt.Errorf("chat validation failed: %w", err)
	}
	if err := v.validateHistory(); err != nil {
		return fmt.Errorf("history validation failed: %w", err)
	}
	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}
	if err := v.validateLog(); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateBackend() error {
	b := v.cfg.Backend
	if err := validateURL("backend", "ws_url", b.WSURL, true, "ws", "wss"); err != nil {
		return err
	}
	return validateURL("backend", "http_url", b.HTTPURL, true, "http", "https")
}

func (v *ConfigValidator) validateLangGraph() error {
	lg := v.cfg.LangGraph
	if err := validateURL("langgraph", "host_url", lg.HostURL, false, "http", "https"); err != nil {
		return err
	}
	return validateURL("langgraph", "studio_url", lg.StudioURL, false, "http", "https")
}

func (v *ConfigValidator) validateChat() error {
	c := v.cfg.Chat
	if err := validateURL("chat", "url", c.URL, true, "http", "https"); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return NewValidationError("chat", "timeout", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateHistory() error {
	if !v.cfg.History.Driver.IsValid() {
		return NewValidationError("history", "driver", fmt.Errorf("%w: unknown driver %q", ErrInvalidValue, v.cfg.History.Driver))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r.MaxAge < 0 {
		return NewValidationError("retention", "max_age", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if r.Enabled() && r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", fmt.Errorf("%w: must be positive when max_age is set", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateLog() error {
	l := v.cfg.Log
	if !slices.Contains(validLogLevels, l.Level) {
		return NewValidationError("log", "level", fmt.Errorf("%w: %q", ErrInvalidValue, l.Level))
	}
	if !slices.Contains(validLogFormats, l.Format) {
		return NewValidationError("log", "format", fmt.Errorf("%w: %q", ErrInvalidValue, l.Format))
	}
	return nil
}

func validateURL(section, field, raw string, required bool, schemes ...string) error {
	if raw == "" {
		if required {
			return NewValidationError(section, field, ErrMissingRequiredField)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return NewValidationError(section, field, fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return NewValidationError(section, field, fmt.Errorf("%w: %q must be an absolute %v URL", ErrInvalidValue, raw, schemes))
	}
	return nil
}
