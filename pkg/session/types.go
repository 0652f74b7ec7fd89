// Package session drives one live research session: it starts a run over
// the selected transport, folds the run's output into an ordered event
// log, brokers human feedback, answers follow-up chat turns and hands
// settled sessions to the history synchronizer.
package session

import (
	"errors"

	"github.com/deepscope-io/deepscope/pkg/feedback"
	"github.com/deepscope-io/deepscope/pkg/stream"
)

// Phase is the machine's current mode.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseResearching      Phase = "researching"
	PhaseAwaitingFeedback Phase = "awaiting_feedback"
	PhaseChatting         Phase = "chatting"
	PhaseDone             Phase = "done"
)

var allPhases = []string{
	string(PhaseIdle),
	string(PhaseResearching),
	string(PhaseAwaitingFeedback),
	string(PhaseChatting),
	string(PhaseDone),
}

// Loading reports whether the phase has work in flight.
func (p Phase) Loading() bool {
	switch p {
	case PhaseResearching, PhaseAwaitingFeedback, PhaseChatting:
		return true
	default:
		return false
	}
}

var (
	// ErrBusy is returned when an operation is not valid in the current phase.
	ErrBusy = errors.New("session is busy")

	// ErrEmptyInput is returned for a blank question or chat message.
	ErrEmptyInput = errors.New("input is empty")

	// ErrNoPendingFeedback is returned when no feedback request is outstanding.
	ErrNoPendingFeedback = errors.New("no feedback request pending")
)

// ErrorMessage is the chat text shown when a run or chat turn fails.
const ErrorMessage = "Sorry, there was an error processing your request. Please try again."

// View is a point-in-time summary of the session.
type View struct {
	Key             string            `json:"key"`
	ID              string            `json:"id,omitempty"`
	Phase           Phase             `json:"phase"`
	Mode            stream.Mode       `json:"mode,omitempty"`
	Question        string            `json:"question"`
	Answer          string            `json:"answer"`
	Loading         bool              `json:"loading"`
	PendingFeedback *feedback.Request `json:"pending_feedback,omitempty"`
	EventCount      int               `json:"event_count"`
	ChatTurns       int               `json:"chat_turns"`
}
