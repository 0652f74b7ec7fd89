package config

import "time"

// Config is the resolved process configuration returned by Initialize.
// Every section is non-nil after loading.
type Config struct {
	configDir string

	Backend   *BackendConfig
	LangGraph *LangGraphConfig
	Chat      *ChatConfig
	Research  *ResearchSettings
	History   *HistoryConfig
	Retention *RetentionConfig
	Server    *ServerConfig
	Log       *LogConfig
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// BackendConfig locates the research backend.
type BackendConfig struct {
	// WSURL is the duplex research endpoint.
	WSURL string `yaml:"ws_url"`
	// HTTPURL is the base URL for the single request/response report endpoint.
	HTTPURL string `yaml:"http_url"`
}

// LangGraphConfig enables the chunked stream transport when HostURL is set.
type LangGraphConfig struct {
	HostURL     string `yaml:"host_url"`
	StudioURL   string `yaml:"studio_url"`
	AssistantID string `yaml:"assistant_id"`
}

// ChatConfig locates the follow-up chat collaborator.
type ChatConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HistoryDriver selects the durable history store.
type HistoryDriver string

const (
	HistoryDriverMemory   HistoryDriver = "memory"
	HistoryDriverPostgres HistoryDriver = "postgres"
)

// IsValid reports whether d names a known driver.
func (d HistoryDriver) IsValid() bool {
	switch d {
	case HistoryDriverMemory, HistoryDriverPostgres:
		return true
	}
	return false
}

// HistoryConfig selects where research history is kept.
type HistoryConfig struct {
	Driver HistoryDriver `yaml:"driver"`
}

// ServerConfig controls the local HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
