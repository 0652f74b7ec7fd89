package config

import "time"

// Built-in defaults applied under deepscope.yaml.
const (
	DefaultWSURL        = "ws://localhost:8000/ws"
	DefaultHTTPURL      = "http://localhost:8000"
	DefaultChatURL      = "http://localhost:8000/api/chat"
	DefaultStudioURL    = "https://smith.langchain.com/studio"
	DefaultServerAddr   = ":8080"
	DefaultReportType   = "research_report"
	DefaultReportSource = "web"
	DefaultTone         = "Objective"
	DefaultMCPStrategy  = "fast"
)

// DefaultChatTimeout of zero leaves chat requests unbounded.
const DefaultChatTimeout time.Duration = 0

// DefaultBackendConfig returns the built-in backend endpoints.
func DefaultBackendConfig() *BackendConfig {
	return &BackendConfig{WSURL: DefaultWSURL, HTTPURL: DefaultHTTPURL}
}

// DefaultLangGraphConfig leaves the chunk transport disabled.
func DefaultLangGraphConfig() *LangGraphConfig {
	return &LangGraphConfig{StudioURL: DefaultStudioURL}
}

// DefaultChatConfig returns the built-in chat collaborator settings.
func DefaultChatConfig() *ChatConfig {
	return &ChatConfig{URL: DefaultChatURL, Timeout: DefaultChatTimeout}
}

// DefaultResearchSettings returns the settings used when neither
// deepscope.yaml nor settings.yaml chooses otherwise.
func DefaultResearchSettings() *ResearchSettings {
	return &ResearchSettings{
		ReportType:   DefaultReportType,
		ReportSource: DefaultReportSource,
		Tone:         DefaultTone,
		MCPStrategy:  DefaultMCPStrategy,
	}
}

// DefaultHistoryConfig keeps history in memory.
func DefaultHistoryConfig() *HistoryConfig {
	return &HistoryConfig{Driver: HistoryDriverMemory}
}

// DefaultServerConfig returns the built-in listen address.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{Addr: DefaultServerAddr}
}

// DefaultLogConfig returns info-level text logging.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{Level: "info", Format: "text"}
}
