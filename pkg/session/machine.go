package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepscope-io/deepscope/pkg/chat"
	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/deepscope-io/deepscope/pkg/feedback"
	"github.com/deepscope-io/deepscope/pkg/history"
	"github.com/deepscope-io/deepscope/pkg/metrics"
	"github.com/deepscope-io/deepscope/pkg/stream"
)

// AdapterFactory builds the transport for one research run.
type AdapterFactory interface {
	New(task string, settings config.ResearchSettings) stream.Adapter
}

// Options configure a Machine.
type Options struct {
	Factory AdapterFactory
	Chat    chat.Asker
	// History is optional; without it nothing is persisted.
	History *history.Synchronizer
	// Defaults are the resolved research settings each run starts from.
	Defaults config.ResearchSettings
	Logger   *slog.Logger
}

// Machine is the live session. All methods are safe for concurrent use.
//
// Every state change happens under one mutex. Transport callbacks carry
// the generation of the run that produced them; a callback from a run
// that has since been superseded or reset is ignored. Adapters are always
// closed with the mutex released.
type Machine struct {
	factory  AdapterFactory
	chat     chat.Asker
	history  *history.Synchronizer
	defaults config.ResearchSettings
	logger   *slog.Logger
	feedback *feedback.Coordinator

	mu       sync.Mutex
	gen      uint64
	phase    Phase
	key      string
	id       string
	question string
	answer   string
	mode     stream.Mode
	log      *events.Log
	turns    []chat.Message
	run      *run
	buffered []held
	// unsynced holds chat turns made before the session had a durable identity.
	unsynced []history.ChatMessage

	persisting sync.WaitGroup
}

// held is a run callback that arrived while feedback was awaited. A held
// feedback request carries ask and prompt instead of an event.
type held struct {
	ev     events.Event
	ask    bool
	prompt string
}

type run struct {
	gen     uint64
	adapter stream.Adapter
	mode    stream.Mode
}

// New returns an idle machine.
func New(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		factory:  opts.Factory,
		chat:     opts.Chat,
		history:  opts.History,
		defaults: opts.Defaults.Clone(),
		logger:   logger,
		feedback: feedback.New(),
		log:      events.NewLog(),
	}
	m.setPhase(PhaseIdle)
	return m
}

// StartResearch supersedes whatever the session was doing and starts a new
// run for question. overrides are layered onto the default settings for
// this run only. The previous run's adapter is closed and any pending
// feedback request is cancelled before the new run starts.
//
// Transport failures do not return an error; they show up as an error
// chat event and the session settles in PhaseDone.
func (m *Machine) StartResearch(ctx context.Context, question string, overrides *config.SettingsOverride) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrEmptyInput
	}
	settings := config.ResolveSettings(m.defaults, overrides)

	m.mu.Lock()
	prev := m.detach()
	m.clear()
	m.key = uuid.NewString()
	m.question = question
	m.appendEvent(events.NewQuestion(question))
	adapter := m.factory.New(question, settings)
	r := &run{gen: m.gen, adapter: adapter, mode: adapter.Mode()}
	m.run = r
	m.mode = r.mode
	m.setPhase(PhaseResearching)
	key := m.key
	m.mu.Unlock()

	closeAdapter(prev, m.logger)

	m.logger.Info("Research started",
		"session_key", key, "mode", r.mode, "report_type", settings.ReportType)

	if err := adapter.Start(ctx, &runHandler{m: m, gen: r.gen}); err != nil {
		if errors.Is(err, stream.ErrClosed) {
			// reset before the transport came up
			return nil
		}
		var te *stream.TransportError
		if !errors.As(err, &te) {
			err = &stream.TransportError{Mode: r.mode, Op: "start", Err: err}
		}
		m.mu.Lock()
		if m.gen == r.gen {
			m.run = nil
			m.finish(r, err)
		}
		m.mu.Unlock()
	}
	return nil
}

// SendChatMessage asks a follow-up question about the finished report and
// waits for the answer. In an idle session the text starts a research run
// instead.
//
// A failed chat request does not return an error: the user's question
// stays in the log followed by an error chat event.
func (m *Machine) SendChatMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	m.mu.Lock()
	switch m.phase {
	case PhaseIdle:
		m.mu.Unlock()
		return m.StartResearch(ctx, text, nil)
	case PhaseDone:
	default:
		m.mu.Unlock()
		return ErrBusy
	}

	gen := m.gen
	m.appendEvent(events.NewQuestion(text))
	m.turns = append(m.turns, chat.Message{Role: chat.RoleUser, Content: text})
	messages := append([]chat.Message(nil), m.turns...)
	report := m.answer
	m.setPhase(PhaseChatting)
	id := m.id
	userTurn := history.ChatMessage{Role: history.RoleUser, Content: text, Timestamp: time.Now()}
	if id == "" {
		m.unsynced = append(m.unsynced, userTurn)
	}
	m.mu.Unlock()

	if id != "" {
		m.appendChatMessage(ctx, id, userTurn)
	}

	resp, err := m.chat.Ask(ctx, report, messages)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	var assistantTurn history.ChatMessage
	if err != nil {
		m.logger.Error("Chat request failed", "session_key", m.key, "error", err)
		m.appendEvent(events.NewChat(ErrorMessage, nil))
	} else {
		m.appendEvent(events.NewChat(resp.Content, resp.Metadata))
		m.turns = append(m.turns, chat.Message{Role: chat.RoleAssistant, Content: resp.Content})
		assistantTurn = history.ChatMessage{
			Role: history.RoleAssistant, Content: resp.Content, Metadata: resp.Metadata, Timestamp: time.Now(),
		}
		if m.id == "" {
			m.unsynced = append(m.unsynced, assistantTurn)
		}
	}
	m.setPhase(PhaseDone)
	id = m.id
	m.persist()
	m.mu.Unlock()

	if err == nil && id != "" {
		m.appendChatMessage(ctx, id, assistantTurn)
	}
	return nil
}

// ResolveFeedback answers the pending feedback request with value and
// resumes the run.
func (m *Machine) ResolveFeedback(ctx context.Context, value string) error {
	return m.answerFeedback(m.feedback.Resolve(ctx, value))
}

// RejectFeedback declines the pending feedback request and resumes the run.
func (m *Machine) RejectFeedback(ctx context.Context) error {
	return m.answerFeedback(m.feedback.Reject(ctx))
}

func (m *Machine) answerFeedback(err error) error {
	if errors.Is(err, feedback.ErrNoPendingRequest) {
		return ErrNoPendingFeedback
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resume()
	return nil
}

// PendingFeedback returns the outstanding feedback request, if any.
func (m *Machine) PendingFeedback() (feedback.Request, bool) {
	return m.feedback.Current()
}

// Reset closes the live run, cancels pending feedback and returns to
// PhaseIdle with every live field cleared. Durable history is untouched.
func (m *Machine) Reset() {
	m.mu.Lock()
	prev := m.detach()
	m.clear()
	m.setPhase(PhaseIdle)
	m.mu.Unlock()

	closeAdapter(prev, m.logger)
}

// Close resets the session and waits for outstanding history writes.
func (m *Machine) Close() {
	m.Reset()
	m.WaitPersistence()
}

// WaitPersistence blocks until history writes triggered so far have settled.
func (m *Machine) WaitPersistence() {
	m.persisting.Wait()
}

// View returns a summary of the session.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		Key:        m.key,
		ID:         m.id,
		Phase:      m.phase,
		Mode:       m.mode,
		Question:   m.question,
		Answer:     m.answer,
		Loading:    m.phase.Loading(),
		EventCount: m.log.Len(),
		ChatTurns:  len(m.turns),
	}
	if req, ok := m.feedback.Current(); ok {
		v.PendingFeedback = &req
	}
	return v
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Log returns the live session's event log. A new research run or Reset
// replaces it; a previously returned log stays readable but receives no
// further events.
func (m *Machine) Log() *events.Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log
}

// Events returns a copy of the live log.
func (m *Machine) Events() []events.Event {
	return m.Log().Snapshot()
}

// detach ends the current run's claim on the session: later callbacks from
// it are ignored and pending feedback is cancelled. The caller closes the
// returned adapter after releasing the mutex.
func (m *Machine) detach() stream.Adapter {
	m.gen++
	m.feedback.Cancel()
	m.buffered = nil
	r := m.run
	m.run = nil
	if r == nil {
		return nil
	}
	return r.adapter
}

// clear drops every live field. The synchronizer's bookkeeping for the
// old key goes too unless a write for it is still running; that write
// releases it when it settles.
func (m *Machine) clear() {
	if m.history != nil && m.key != "" {
		m.history.Forget(m.key)
	}
	m.key = ""
	m.id = ""
	m.question = ""
	m.answer = ""
	m.mode = ""
	m.log = events.NewLog()
	m.turns = nil
	m.unsynced = nil
}

func (m *Machine) setPhase(p Phase) {
	m.phase = p
	metrics.SetPhase(string(p), allPhases)
}

func (m *Machine) appendEvent(ev events.Event) {
	m.log.Append(ev)
	metrics.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
}

// accept appends an event from the current run and applies its effect on
// the answer. It reports whether the event ends the run.
func (m *Machine) accept(r *run, ev events.Event) bool {
	m.appendEvent(ev)
	switch ev.Type {
	case events.TypeReport:
		text := ev.OutputText()
		if text == "" {
			text = ev.Content
		}
		if r.mode == stream.ModeChunk {
			m.answer = text
		} else {
			m.answer += text
		}
	case events.TypePath:
		return r.mode == stream.ModeDuplex
	}
	return false
}

// resume leaves PhaseAwaitingFeedback once no request is outstanding and
// replays the callbacks that arrived in the meantime, in order. A held
// feedback request is opened again and stops the replay; the callbacks
// after it stay held until that request is answered.
func (m *Machine) resume() {
	if m.phase != PhaseAwaitingFeedback || m.run == nil {
		return
	}
	if _, pending := m.feedback.Current(); pending {
		return
	}
	m.setPhase(PhaseResearching)
	r := m.run
	buffered := m.buffered
	m.buffered = nil
	for i, b := range buffered {
		if b.ask {
			if m.openFeedback(r, b.prompt) {
				m.buffered = buffered[i+1:]
				return
			}
			continue
		}
		if m.accept(r, b.ev) {
			go closeAdapter(r.adapter, m.logger)
		}
	}
}

// openFeedback opens a feedback request answered through r and moves to
// PhaseAwaitingFeedback. Callers hold m.mu.
func (m *Machine) openFeedback(r *run, prompt string) bool {
	adapter := r.adapter
	_, err := m.feedback.Open(prompt, func(ctx context.Context, content *string) error {
		return adapter.Send(ctx, stream.FeedbackMessage(content))
	})
	if err != nil {
		m.logger.Warn("Dropping feedback request", "session_key", m.key, "error", err)
		return false
	}
	m.setPhase(PhaseAwaitingFeedback)
	m.logger.Info("Awaiting human feedback", "session_key", m.key)
	return true
}

// finish settles the session after its run stopped. Callers hold m.mu and
// have already cleared m.run.
func (m *Machine) finish(r *run, err error) {
	if err != nil {
		metrics.TransportErrors.WithLabelValues(string(r.mode)).Inc()
		m.logger.Error("Research transport failed", "session_key", m.key, "mode", r.mode, "error", err)
		m.appendEvent(events.NewChat(ErrorMessage, nil))
	}
	if m.question == "" {
		m.setPhase(PhaseIdle)
		return
	}
	m.setPhase(PhaseDone)
	m.logger.Info("Research finished",
		"session_key", m.key, "mode", r.mode, "events", m.log.Len(), "answer_bytes", len(m.answer))
	m.persist()
}

// persist hands the settled session to the synchronizer in the background.
// Callers hold m.mu.
func (m *Machine) persist() {
	if m.history == nil {
		return
	}
	snap := history.Snapshot{
		Key:      m.key,
		ID:       m.id,
		Question: m.question,
		Answer:   m.answer,
		Events:   m.log.Snapshot(),
		Done:     m.phase == PhaseDone,
	}
	m.persisting.Add(1)
	go func() {
		defer m.persisting.Done()
		res, err := m.history.SaveOrUpdate(context.Background(), snap)
		if m.release(snap.Key) || err != nil {
			// err is already logged and counted by the synchronizer
			return
		}
		if res.ID != "" {
			m.adopt(snap.Key, res.ID)
		}
	}()
}

// release forgets key in the synchronizer if the session has moved on from
// it, and reports whether it did.
func (m *Machine) release(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == key {
		return false
	}
	m.history.Forget(key)
	return true
}

// adopt records the durable identity of the session named by key and
// writes chat turns that were made before it was known.
func (m *Machine) adopt(key, id string) {
	m.mu.Lock()
	if m.key != key || m.id == id {
		m.mu.Unlock()
		return
	}
	m.id = id
	backlog := m.unsynced
	m.unsynced = nil
	m.mu.Unlock()

	for _, msg := range backlog {
		m.appendChatMessage(context.Background(), id, msg)
	}
}

func (m *Machine) appendChatMessage(ctx context.Context, id string, msg history.ChatMessage) {
	if m.history == nil {
		return
	}
	if err := m.history.Store().AppendChatMessage(context.WithoutCancel(ctx), id, msg); err != nil {
		metrics.HistoryWriteFailures.Inc()
		m.logger.Error("Failed to store chat message", "id", id, "role", msg.Role, "error", err)
	}
}

func closeAdapter(a stream.Adapter, logger *slog.Logger) {
	if a == nil {
		return
	}
	if err := a.Close(); err != nil {
		logger.Warn("Failed to close research transport", "mode", a.Mode(), "error", err)
	}
}

// runHandler routes one run's callbacks into the machine.
type runHandler struct {
	m   *Machine
	gen uint64
}

// current returns the run if it still owns the session. Callers hold m.mu.
func (h *runHandler) current() *run {
	if h.m.gen != h.gen || h.m.run == nil || h.m.run.gen != h.gen {
		return nil
	}
	return h.m.run
}

func (h *runHandler) HandleEvent(ev events.Event) {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	r := h.current()
	if r == nil {
		return
	}
	if m.phase == PhaseAwaitingFeedback {
		m.buffered = append(m.buffered, held{ev: ev})
		return
	}
	if m.accept(r, ev) {
		// Close waits for this callback to return.
		go closeAdapter(r.adapter, m.logger)
	}
}

func (h *runHandler) HandleFeedbackRequest(prompt string) {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	r := h.current()
	if r == nil {
		return
	}
	if m.phase == PhaseAwaitingFeedback {
		if m.feedback.Awaiting() {
			m.logger.Warn("Dropping feedback request while another is pending", "session_key", m.key)
			return
		}
		// the previous answer is still being sent; ask once it lands
		m.buffered = append(m.buffered, held{ask: true, prompt: prompt})
		return
	}
	m.openFeedback(r, prompt)
}

func (h *runHandler) HandleClose(err error) {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	r := h.current()
	if r == nil {
		return
	}
	if m.phase == PhaseAwaitingFeedback {
		// nobody is left to receive the answer
		m.feedback.Cancel()
		m.setPhase(PhaseResearching)
		for _, b := range m.buffered {
			if !b.ask {
				m.accept(r, b.ev)
			}
		}
		m.buffered = nil
	}
	m.run = nil
	m.finish(r, err)
}
