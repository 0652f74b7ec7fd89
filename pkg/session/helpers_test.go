package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepscope-io/deepscope/pkg/chat"
	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/deepscope-io/deepscope/pkg/history"
	"github.com/deepscope-io/deepscope/pkg/stream"
)

const waitTimeout = 5 * time.Second

// trace records lifecycle steps across adapters in the order they happen.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, fmt.Sprintf(format, args...))
}

func (t *trace) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

// fakeAdapter is driven by the test: emit, askFeedback and end stand in
// for the adapter's delivery goroutine.
type fakeAdapter struct {
	n        int
	mode     stream.Mode
	startErr error
	sendErr  error
	trace    *trace
	// onSend runs inside Send before the message is recorded.
	onSend func(stream.ControlMessage)

	mu     sync.Mutex
	h      stream.Handler
	ended  bool
	sent   []stream.ControlMessage
	closed chan struct{}
}

func (a *fakeAdapter) Mode() stream.Mode { return a.mode }

func (a *fakeAdapter) SupportsFeedback() bool { return a.mode == stream.ModeDuplex }

func (a *fakeAdapter) Start(_ context.Context, h stream.Handler) error {
	a.trace.add("start:%d", a.n)
	if a.startErr != nil {
		return a.startErr
	}
	a.mu.Lock()
	a.h = h
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Send(_ context.Context, msg stream.ControlMessage) error {
	if a.sendErr != nil {
		return a.sendErr
	}
	if a.onSend != nil {
		a.onSend(msg)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	select {
	case <-a.closed:
		a.mu.Unlock()
		return nil
	default:
	}
	close(a.closed)
	a.trace.add("close:%d", a.n)
	h, ended := a.h, a.ended
	a.ended = true
	a.mu.Unlock()
	if h != nil && !ended {
		h.HandleClose(nil)
	}
	return nil
}

func (a *fakeAdapter) handler() stream.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.h
}

func (a *fakeAdapter) emit(evs ...events.Event) {
	h := a.handler()
	for _, ev := range evs {
		h.HandleEvent(ev)
	}
}

func (a *fakeAdapter) askFeedback(prompt string) {
	a.handler().HandleFeedbackRequest(prompt)
}

func (a *fakeAdapter) end(err error) {
	a.mu.Lock()
	h, ended := a.h, a.ended
	a.ended = true
	a.mu.Unlock()
	if !ended {
		h.HandleClose(err)
	}
}

func (a *fakeAdapter) sentMessages() []stream.ControlMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]stream.ControlMessage(nil), a.sent...)
}

func (a *fakeAdapter) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-a.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("adapter %d was not closed", a.n)
	}
}

// fakeFactory hands out fake adapters in order.
type fakeFactory struct {
	mode     stream.Mode
	startErr error
	trace    trace

	mu       sync.Mutex
	adapters []*fakeAdapter
	settings []config.ResearchSettings
	tasks    []string
}

func (f *fakeFactory) New(task string, settings config.ResearchSettings) stream.Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	mode := f.mode
	if mode == "" {
		mode = stream.ModeDuplex
	}
	a := &fakeAdapter{
		n:        len(f.adapters) + 1,
		mode:     mode,
		startErr: f.startErr,
		trace:    &f.trace,
		closed:   make(chan struct{}),
	}
	f.adapters = append(f.adapters, a)
	f.settings = append(f.settings, settings)
	f.tasks = append(f.tasks, task)
	return a
}

func (f *fakeFactory) adapter(t *testing.T, n int) *fakeAdapter {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.GreaterOrEqual(t, len(f.adapters), n, "adapter %d was never created", n)
	return f.adapters[n-1]
}

// askerFunc adapts a function to chat.Asker.
type askerFunc func(ctx context.Context, report string, messages []chat.Message) (*chat.Response, error)

func (f askerFunc) Ask(ctx context.Context, report string, messages []chat.Message) (*chat.Response, error) {
	return f(ctx, report, messages)
}

// countingStore counts durable writes.
type countingStore struct {
	*history.MemoryStore
	creates atomic.Int32
	updates atomic.Int32
	// gate, when non-nil, holds Create until it is closed.
	gate chan struct{}
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: history.NewMemoryStore()}
}

func (s *countingStore) Create(ctx context.Context, question, answer string, evs []events.Event) (string, error) {
	s.creates.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return s.MemoryStore.Create(ctx, question, answer, evs)
}

func (s *countingStore) Update(ctx context.Context, id, answer string, evs []events.Event) error {
	s.updates.Add(1)
	return s.MemoryStore.Update(ctx, id, answer, evs)
}

func ptr[T any](v T) *T { return &v }

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func waitPhase(t *testing.T, m *Machine, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Phase() == want }, waitTimeout, 5*time.Millisecond,
		"phase never became %s", want)
}
