package config

import "time"

// RetentionConfig controls deletion of old research history.
type RetentionConfig struct {
	// MaxAge is how long a research record is kept after its last update.
	// Zero disables cleanup.
	MaxAge time.Duration `yaml:"max_age"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Enabled reports whether cleanup should run.
func (r *RetentionConfig) Enabled() bool {
	return r != nil && r.MaxAge > 0
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		CleanupInterval: 12 * time.Hour,
	}
}
