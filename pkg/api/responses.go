package api

import (
	"time"

	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/deepscope-io/deepscope/pkg/history"
)

// EventsResponse is returned by GET /api/v1/session/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	// Next is the since value that returns only events appended after this response.
	Next int `json:"next"`
}

// GroupedEventsResponse is returned by GET /api/v1/session/events/grouped.
type GroupedEventsResponse struct {
	Blocks []events.Event   `json:"blocks"`
	Logs   []events.LogLine `json:"logs"`
}

// HistorySummary is one entry of GET /api/v1/history.
type HistorySummary struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	EventCount int       `json:"event_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HistoryListResponse is returned by GET /api/v1/history.
type HistoryListResponse struct {
	Records []HistorySummary `json:"records"`
}

// ChatMessagesResponse is returned by GET /api/v1/history/:id/messages.
type ChatMessagesResponse struct {
	Messages []history.ChatMessage `json:"messages"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the result of one component check.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func newHistorySummary(r *history.Record) HistorySummary {
	return HistorySummary{
		ID:         r.ID,
		Question:   r.Question,
		EventCount: len(r.Events),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
