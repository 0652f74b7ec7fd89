// Package stream normalises the research backends into one push-style
// producer contract.
//
// Three transports implement Adapter:
//
//	duplex   websocket; inbound research frames plus feedback requests,
//	         outbound control messages
//	chunk    LangGraph run stream; successive full-state snapshots, no
//	         return channel
//	request  one HTTP request/response; a single report, no return channel
//
// After a successful Start an adapter delivers callbacks to its Handler
// from one goroutine, in arrival order, and finishes with exactly one
// HandleClose. Adapters never retry.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/events"
)

// Mode names a transport.
type Mode string

const (
	ModeDuplex  Mode = "duplex"
	ModeChunk   Mode = "chunk"
	ModeRequest Mode = "request"
)

var (
	// ErrFeedbackUnsupported is returned by Send on adapters without a return channel.
	ErrFeedbackUnsupported = errors.New("transport does not support feedback")

	// ErrClosed is returned when using an adapter after Close.
	ErrClosed = errors.New("transport closed")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("transport already started")
)

// TransportError reports a connection that could not be opened, dropped
// mid-stream, or returned an unusable response.
type TransportError struct {
	Mode Mode
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %s: %v", e.Mode, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Handler receives adapter output.
type Handler interface {
	// HandleEvent receives one normalised event.
	HandleEvent(ev events.Event)
	// HandleFeedbackRequest is called when the backend asks the user a
	// question. Only duplex adapters call it.
	HandleFeedbackRequest(prompt string)
	// HandleClose is called once when the adapter stops. err is nil for a
	// clean end of stream or a local Close, and a *TransportError otherwise.
	HandleClose(err error)
}

// ControlMessage is sent back to the backend over a duplex connection.
type ControlMessage struct {
	Type    string  `json:"type"`
	Content *string `json:"content"`
}

// FeedbackMessage builds the control message answering a feedback
// request. A nil content rejects the request.
func FeedbackMessage(content *string) ControlMessage {
	return ControlMessage{Type: string(events.TypeHumanFeedback), Content: content}
}

// Adapter is one research run over one transport.
type Adapter interface {
	Mode() Mode
	SupportsFeedback() bool
	// Start opens the transport and begins delivering to h. Setup failures
	// are returned directly and h is never called.
	Start(ctx context.Context, h Handler) error
	// Send transmits a control message. Adapters without a return channel
	// return ErrFeedbackUnsupported.
	Send(ctx context.Context, msg ControlMessage) error
	// Close stops the run and waits for the delivery goroutine to exit.
	// It is idempotent. It must not be called from inside a Handler
	// callback of the same adapter.
	Close() error
}

// SelectMode picks the transport for a run. Request mode wins when asked
// for; the chunk stream is used for multi-agent reports when a LangGraph
// host is configured; everything else goes over the duplex socket.
func SelectMode(settings config.ResearchSettings, lg *config.LangGraphConfig) Mode {
	switch {
	case settings.RequestMode:
		return ModeRequest
	case settings.ReportType == config.ReportTypeMultiAgents && lg != nil && lg.HostURL != "":
		return ModeChunk
	default:
		return ModeDuplex
	}
}

// lifecycle tracks start/close for an adapter and owns the context and
// done channel of its delivery goroutine.
type lifecycle struct {
	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// begin marks the adapter started and returns the run context. The run
// context outlives parent's cancellation and ends only on Close.
func (l *lifecycle) begin(parent context.Context) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.started {
		return nil, ErrAlreadyStarted
	}
	l.started = true
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	l.cancel = cancel
	l.done = make(chan struct{})
	return ctx, nil
}

// watch cancels the run if parent ends before the returned stop is
// called. Adapters watch the caller's context only while setting up.
func (l *lifecycle) watch(parent context.Context) (stop func() bool) {
	return context.AfterFunc(parent, l.cancel)
}

// abort releases a run whose setup failed before the goroutine started.
func (l *lifecycle) abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel()
	close(l.done)
	l.closed = true
}

func (l *lifecycle) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// shutdown marks the adapter closed and cancels the run. It returns the
// done channel to wait on, or nil if there is nothing to wait for.
func (l *lifecycle) shutdown() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		if l.started {
			return l.done
		}
		return nil
	}
	l.closed = true
	if !l.started {
		return nil
	}
	l.cancel()
	return l.done
}
