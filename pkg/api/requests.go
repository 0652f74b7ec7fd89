package api

import "github.com/deepscope-io/deepscope/pkg/config"

// StartResearchRequest is the body of POST /api/v1/research.
type StartResearchRequest struct {
	Question string                   `json:"question"`
	Settings *config.SettingsOverride `json:"settings,omitempty"`
}

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// FeedbackRequest is the body of POST /api/v1/feedback. A null or absent
// content rejects the pending request.
type FeedbackRequest struct {
	Content *string `json:"content"`
}
