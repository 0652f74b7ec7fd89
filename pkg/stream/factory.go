package stream

import (
	"log/slog"
	"net/http"

	"github.com/deepscope-io/deepscope/pkg/config"
)

// Factory builds the adapter chosen by SelectMode for each run.
type Factory struct {
	Backend    *config.BackendConfig
	LangGraph  *config.LangGraphConfig
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New returns an unstarted adapter for task.
func (f *Factory) New(task string, settings config.ResearchSettings) Adapter {
	switch SelectMode(settings, f.LangGraph) {
	case ModeRequest:
		return NewRequest(f.Backend.HTTPURL, f.HTTPClient, task, settings, f.Logger)
	case ModeChunk:
		return NewChunk(f.LangGraph, f.HTTPClient, task, settings, f.Logger)
	default:
		return NewDuplex(f.Backend.WSURL, task, settings, f.Logger)
	}
}
