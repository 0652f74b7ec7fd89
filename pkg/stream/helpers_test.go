package stream

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepscope-io/deepscope/pkg/events"
)

const waitTimeout = 5 * time.Second

// recorder is a Handler that keeps everything it is given.
type recorder struct {
	mu      sync.Mutex
	events  []events.Event
	prompts chan string
	closed  chan error
}

func newRecorder() *recorder {
	return &recorder{
		prompts: make(chan string, 8),
		closed:  make(chan error, 1),
	}
}

func (r *recorder) HandleEvent(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) HandleFeedbackRequest(prompt string) {
	r.prompts <- prompt
}

func (r *recorder) HandleClose(err error) {
	r.closed <- err
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) types() []events.Type {
	var out []events.Type
	for _, ev := range r.snapshot() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.closed:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for HandleClose")
		return nil
	}
}

func (r *recorder) waitPrompt(t *testing.T) string {
	t.Helper()
	select {
	case p := <-r.prompts:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for feedback request")
		return ""
	}
}

func (r *recorder) assertNotClosed(t *testing.T) {
	t.Helper()
	select {
	case err := <-r.closed:
		t.Fatalf("unexpected HandleClose(%v)", err)
	default:
	}
}

func stringsReader(s string) *strings.Reader {
	return strings.NewReader(s)
}
