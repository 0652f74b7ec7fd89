// Package history keeps finished research sessions durable and decides,
// per live session, whether a snapshot needs to be created, updated or
// left alone.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepscope-io/deepscope/pkg/events"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("history record not found")

// Role names the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record is one durable research session.
type Record struct {
	ID        string         `json:"id"`
	Question  string         `json:"question"`
	Answer    string         `json:"answer"`
	Events    []events.Event `json:"events"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ChatMessage is one follow-up turn stored against a record.
type ChatMessage struct {
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is the durable history collaborator.
type Store interface {
	Create(ctx context.Context, question, answer string, evs []events.Event) (string, error)
	Update(ctx context.Context, id, answer string, evs []events.Event) error
	Get(ctx context.Context, id string) (*Record, error)
	// Find returns the most recently updated record with exactly this
	// question and answer, or ErrNotFound.
	Find(ctx context.Context, question, answer string) (*Record, error)
	// List returns records most recently updated first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Record, error)
	Delete(ctx context.Context, id string) error

	ListChatMessages(ctx context.Context, id string) ([]ChatMessage, error)
	AppendChatMessage(ctx context.Context, id string, msg ChatMessage) error

	// DeleteOlderThan removes records last updated before cutoff and
	// reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
}

// PersistenceError reports a failed durable read or write.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("history %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("history %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op, id string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, ID: id, Err: err}
}

func cloneEvents(evs []events.Event) []events.Event {
	if evs == nil {
		return nil
	}
	out := make([]events.Event, len(evs))
	for i, ev := range evs {
		out[i] = ev.Clone()
	}
	return out
}
