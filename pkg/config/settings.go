package config

import (
	"maps"
	"slices"
)

// ReportTypeMultiAgents is the report type served by the LangGraph
// multi-agent backend.
const ReportTypeMultiAgents = "multi_agents"

// ResearchSettings are the per-run research choices sent to the backend.
// A value is resolved once when a run starts and is not re-read while
// the run is live.
type ResearchSettings struct {
	ReportType   string           `yaml:"report_type" json:"report_type"`
	ReportSource string           `yaml:"report_source" json:"report_source"`
	Tone         string           `yaml:"tone" json:"tone"`
	QueryDomains []string         `yaml:"query_domains" json:"query_domains"`
	SourceURLs   []string         `yaml:"source_urls" json:"source_urls"`
	MCPEnabled   bool             `yaml:"mcp_enabled" json:"mcp_enabled"`
	MCPStrategy  string           `yaml:"mcp_strategy" json:"mcp_strategy"`
	MCPConfigs   []map[string]any `yaml:"mcp_configs" json:"mcp_configs"`

	// RequestMode asks for a single request/response run with no
	// intermediate events.
	RequestMode bool `yaml:"request_mode" json:"request_mode"`
}

// Clone returns a deep copy of s.
func (s ResearchSettings) Clone() ResearchSettings {
	c := s
	c.QueryDomains = slices.Clone(s.QueryDomains)
	c.SourceURLs = slices.Clone(s.SourceURLs)
	if s.MCPConfigs != nil {
		c.MCPConfigs = make([]map[string]any, len(s.MCPConfigs))
		for i, m := range s.MCPConfigs {
			c.MCPConfigs[i] = maps.Clone(m)
		}
	}
	return c
}

// SettingsOverride is a partial ResearchSettings. A nil field leaves the
// underlying value alone; a set field replaces it, so false, "" and an
// empty list are all valid overrides.
type SettingsOverride struct {
	ReportType   *string           `yaml:"report_type" json:"report_type"`
	ReportSource *string           `yaml:"report_source" json:"report_source"`
	Tone         *string           `yaml:"tone" json:"tone"`
	QueryDomains *[]string         `yaml:"query_domains" json:"query_domains"`
	SourceURLs   *[]string         `yaml:"source_urls" json:"source_urls"`
	MCPEnabled   *bool             `yaml:"mcp_enabled" json:"mcp_enabled"`
	MCPStrategy  *string           `yaml:"mcp_strategy" json:"mcp_strategy"`
	MCPConfigs   *[]map[string]any `yaml:"mcp_configs" json:"mcp_configs"`
	RequestMode  *bool             `yaml:"request_mode" json:"request_mode"`
}

// ResolveSettings layers overrides onto base, left to right. nil
// overrides are skipped. base is not modified and the result shares no
// memory with any argument.
func ResolveSettings(base ResearchSettings, overrides ...*SettingsOverride) ResearchSettings {
	out := base
	for _, o := range overrides {
		if o == nil {
			continue
		}
		apply(&out.ReportType, o.ReportType)
		apply(&out.ReportSource, o.ReportSource)
		apply(&out.Tone, o.Tone)
		apply(&out.QueryDomains, o.QueryDomains)
		apply(&out.SourceURLs, o.SourceURLs)
		apply(&out.MCPEnabled, o.MCPEnabled)
		apply(&out.MCPStrategy, o.MCPStrategy)
		apply(&out.MCPConfigs, o.MCPConfigs)
		apply(&out.RequestMode, o.RequestMode)
	}
	return out.Clone()
}

func apply[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
