package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepscope-io/deepscope/pkg/chat"
	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/deepscope-io/deepscope/pkg/history"
	"github.com/deepscope-io/deepscope/pkg/stream"
)

func newWSBackend(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		script(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func unusedChat() chat.Asker {
	return askerFunc(func(context.Context, string, []chat.Message) (*chat.Response, error) {
		return nil, errors.New("chat not expected")
	})
}

func TestMachine_DuplexEndToEnd(t *testing.T) {
	url := newWSBackend(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		writeFrame(ctx, conn, map[string]any{"type": "logs", "content": "starting_research", "output": "Starting research"})
		writeFrame(ctx, conn, map[string]any{"type": "report", "output": "X is ..."})
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	})

	store := newCountingStore()
	syncer := history.NewSynchronizer(store, nil)

	var gotReport string
	var gotMessages []chat.Message
	asker := askerFunc(func(_ context.Context, report string, messages []chat.Message) (*chat.Response, error) {
		gotReport, gotMessages = report, messages
		return &chat.Response{Content: "More about X."}, nil
	})

	m := New(Options{
		Factory: &stream.Factory{Backend: &config.BackendConfig{WSURL: url}},
		Chat:    asker,
		History: syncer,
	})
	t.Cleanup(m.Close)

	require.NoError(t, m.StartResearch(context.Background(), "What is X?", nil))
	waitPhase(t, m, PhaseDone)
	m.WaitPersistence()

	view := m.View()
	assert.Equal(t, "X is ...", view.Answer)
	assert.Equal(t, stream.ModeDuplex, view.Mode)
	assert.False(t, view.Loading)
	require.NotEmpty(t, view.ID, "session should adopt the created identity")
	assert.EqualValues(t, 1, store.creates.Load())
	assert.Equal(t, []events.Type{events.TypeQuestion, events.TypeLogs, events.TypeReport}, types(m.Events()))

	require.NoError(t, m.SendChatMessage(context.Background(), "Tell me more"))
	m.WaitPersistence()

	evs := m.Events()
	assert.Equal(t, []events.Type{
		events.TypeQuestion, events.TypeLogs, events.TypeReport, events.TypeQuestion, events.TypeChat,
	}, types(evs))
	assert.Equal(t, "Tell me more", evs[3].Content)
	assert.Equal(t, "More about X.", evs[4].Content)
	assert.Equal(t, "X is ...", gotReport)
	assert.Equal(t, []chat.Message{{Role: chat.RoleUser, Content: "Tell me more"}}, gotMessages)

	assert.EqualValues(t, 1, store.creates.Load(), "follow-up must not create a second record")
	assert.EqualValues(t, 1, store.updates.Load())
	assert.Equal(t, view.ID, m.View().ID)

	rec, err := store.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Events, 5)

	msgs, err := store.ListChatMessages(context.Background(), view.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, history.RoleAssistant, msgs[1].Role)
}

func TestMachine_FeedbackOverDuplex(t *testing.T) {
	feedbackCh := make(chan string, 1)
	url := newWSBackend(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		writeFrame(ctx, conn, map[string]any{"type": "logs", "content": "planning", "output": "Planning"})
		writeFrame(ctx, conn, map[string]any{"type": "human_feedback", "content": "request", "output": "Confirm scope? (y/n)"})
		_, fb, err := conn.Read(ctx)
		if err != nil {
			return
		}
		feedbackCh <- string(fb)
		writeFrame(ctx, conn, map[string]any{"type": "report", "output": "Scoped report"})
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	})

	m := New(Options{
		Factory: &stream.Factory{Backend: &config.BackendConfig{WSURL: url}},
		Chat:    unusedChat(),
	})
	t.Cleanup(m.Close)

	require.NoError(t, m.StartResearch(context.Background(), "What is X?", nil))
	waitPhase(t, m, PhaseAwaitingFeedback)

	req, ok := m.PendingFeedback()
	require.True(t, ok)
	assert.Equal(t, "Confirm scope? (y/n)", req.Prompt)
	require.NotNil(t, m.View().PendingFeedback)
	assert.Equal(t, []events.Type{events.TypeQuestion, events.TypeLogs}, types(m.Events()))

	require.NoError(t, m.ResolveFeedback(context.Background(), "y"))
	assert.JSONEq(t, `{"type":"human_feedback","content":"y"}`, <-feedbackCh)

	waitPhase(t, m, PhaseDone)
	assert.Equal(t, []events.Type{events.TypeQuestion, events.TypeLogs, events.TypeReport}, types(m.Events()))
	assert.Equal(t, "Scoped report", m.View().Answer)
	_, ok = m.PendingFeedback()
	assert.False(t, ok)
}

func TestMachine_EventsBufferedWhileAwaitingFeedback(t *testing.T) {
	f := &fakeFactory{}
	m := New(Options{Factory: f, Chat: unusedChat()})

	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.emit(events.Event{Type: events.TypeLogs, Content: "a"})
	a.askFeedback("ok?")
	assert.Equal(t, PhaseAwaitingFeedback, m.Phase())

	a.emit(events.Event{Type: events.TypeLogs, Content: "b"}, events.NewReport("done"))
	assert.Equal(t, 2, m.Log().Len(), "events are held back while awaiting feedback")

	// a second request while one is pending is dropped
	a.askFeedback("again?")
	req, _ := m.PendingFeedback()
	assert.Equal(t, "ok?", req.Prompt)

	require.NoError(t, m.RejectFeedback(context.Background()))
	sent := a.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "human_feedback", sent[0].Type)
	assert.Nil(t, sent[0].Content)

	assert.Equal(t, PhaseResearching, m.Phase())
	evs := m.Events()
	require.Len(t, evs, 4)
	assert.Equal(t, "a", evs[1].Content)
	assert.Equal(t, "b", evs[2].Content)
	assert.Equal(t, "done", m.View().Answer)

	a.end(nil)
	assert.Equal(t, PhaseDone, m.Phase())
}

func TestMachine_FeedbackRequestDuringAnswerIsReplayed(t *testing.T) {
	f := &fakeFactory{}
	m := New(Options{Factory: f, Chat: unusedChat()})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.askFeedback("first?")

	// the server reacts to the answer before Send returns
	var once sync.Once
	a.onSend = func(stream.ControlMessage) {
		once.Do(func() {
			done := make(chan struct{})
			go func() {
				defer close(done)
				a.emit(events.Event{Type: events.TypeLogs, Content: "between"})
				a.askFeedback("second?")
				a.emit(events.Event{Type: events.TypeLogs, Content: "after"})
			}()
			<-done
		})
	}

	require.NoError(t, m.ResolveFeedback(context.Background(), "y"))
	assert.Equal(t, PhaseAwaitingFeedback, m.Phase())
	req, ok := m.PendingFeedback()
	require.True(t, ok, "the second request is opened once the first answer lands")
	assert.Equal(t, "second?", req.Prompt)

	evs := m.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, "between", evs[1].Content)

	require.NoError(t, m.ResolveFeedback(context.Background(), "z"))
	assert.Equal(t, PhaseResearching, m.Phase())
	evs = m.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, "after", evs[2].Content)

	sent := a.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "y", *sent[0].Content)
	assert.Equal(t, "z", *sent[1].Content)
}

func TestMachine_FeedbackRequestHeldUntilCloseIsDiscarded(t *testing.T) {
	f := &fakeFactory{}
	m := New(Options{Factory: f, Chat: unusedChat()})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.askFeedback("first?")
	a.onSend = func(stream.ControlMessage) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.askFeedback("second?")
			a.emit(events.NewReport("done"))
			a.end(nil)
		}()
		<-done
	}

	require.NoError(t, m.ResolveFeedback(context.Background(), "y"))
	assert.Equal(t, PhaseDone, m.Phase())
	_, ok := m.PendingFeedback()
	assert.False(t, ok)
	assert.Equal(t, "done", m.View().Answer)
}

func TestMachine_FeedbackSendFailureKeepsRequest(t *testing.T) {
	f := &fakeFactory{}
	m := New(Options{Factory: f, Chat: unusedChat()})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.sendErr = stream.ErrClosed
	a.askFeedback("ok?")

	err := m.ResolveFeedback(context.Background(), "y")
	require.ErrorIs(t, err, stream.ErrClosed)
	assert.Equal(t, PhaseAwaitingFeedback, m.Phase())
	_, ok := m.PendingFeedback()
	assert.True(t, ok)
}

func TestMachine_ResolveWithoutPendingFeedback(t *testing.T) {
	m := New(Options{Factory: &fakeFactory{}, Chat: unusedChat()})
	assert.ErrorIs(t, m.ResolveFeedback(context.Background(), "y"), ErrNoPendingFeedback)
	assert.ErrorIs(t, m.RejectFeedback(context.Background()), ErrNoPendingFeedback)
}

func TestMachine_NewResearchWhileAwaitingFeedback(t *testing.T) {
	f := &fakeFactory{}
	m := New(Options{Factory: f, Chat: unusedChat()})

	require.NoError(t, m.StartResearch(context.Background(), "first", nil))
	first := f.adapter(t, 1)
	first.emit(events.Event{Type: events.TypeLogs, Content: "old"})
	first.askFeedback("ok?")
	require.Equal(t, PhaseAwaitingFeedback, m.Phase())

	require.NoError(t, m.StartResearch(context.Background(), "second", nil))
	first.waitClosed(t)
	_, pending := m.PendingFeedback()
	assert.False(t, pending, "pending feedback must be cancelled")

	second := f.adapter(t, 2)
	assert.Equal(t, []string{"start:1", "close:1", "start:2"}, f.trace.all(),
		"prior adapter closes before the new one starts")

	// late output from the superseded run is ignored
	first.emit(events.Event{Type: events.TypeLogs, Content: "stale"})
	second.emit(events.Event{Type: events.TypeLogs, Content: "fresh"})

	evs := m.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, "second", evs[0].Content)
	assert.Equal(t, "fresh", evs[1].Content)
	assert.Equal(t, PhaseResearching, m.Phase())
	assert.ErrorIs(t, m.ResolveFeedback(context.Background(), "y"), ErrNoPendingFeedback)
}

func TestMachine_TransportClosedWhileAwaitingFeedback(t *testing.T) {
	f := &fakeFactory{}
	m := New(Options{Factory: f, Chat: unusedChat()})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.askFeedback("ok?")
	a.emit(events.NewReport("partial"))

	a.end(&stream.TransportError{Mode: stream.ModeDuplex, Op: "read", Err: errors.New("reset")})

	assert.Equal(t, PhaseDone, m.Phase())
	_, pending := m.PendingFeedback()
	assert.False(t, pending)
	evs := m.Events()
	assert.Equal(t, []events.Type{events.TypeQuestion, events.TypeReport, events.TypeChat}, types(evs))
	assert.Equal(t, ErrorMessage, evs[2].Content)
	assert.Equal(t, "partial", m.View().Answer)
}

func TestMachine_DuplexReportsConcatenateAndPathEndsRun(t *testing.T) {
	f := &fakeFactory{}
	m := New(Options{Factory: f, Chat: unusedChat()})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)

	a.emit(events.NewReport("X is "), events.NewReport("a letter."))
	assert.Equal(t, "X is a letter.", m.View().Answer)

	a.emit(events.Event{Type: events.TypePath, Output: json.RawMessage(`{"pdf":"outputs/x.pdf"}`)})
	a.waitClosed(t)
	waitPhase(t, m, PhaseDone)
	assert.Equal(t, events.TypePath, m.Events()[3].Type)
}

func TestMachine_ChunkReportReplacesAnswer(t *testing.T) {
	f := &fakeFactory{mode: stream.ModeChunk}
	m := New(Options{Factory: f, Chat: unusedChat()})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)

	a.emit(events.NewLanggraphButton("https://studio/thread/1"), events.NewReport("draft"), events.NewReport("final"))
	assert.Equal(t, "final", m.View().Answer)
	assert.Equal(t, stream.ModeChunk, m.View().Mode)
	a.end(nil)
	assert.Equal(t, PhaseDone, m.Phase())
}

func TestMachine_TransportFailures(t *testing.T) {
	t.Run("start fails", func(t *testing.T) {
		f := &fakeFactory{startErr: errors.New("connection refused")}
		store := newCountingStore()
		m := New(Options{Factory: f, Chat: unusedChat(), History: history.NewSynchronizer(store, nil)})

		require.NoError(t, m.StartResearch(context.Background(), "q", nil))
		assert.Equal(t, PhaseDone, m.Phase())
		evs := m.Events()
		assert.Equal(t, []events.Type{events.TypeQuestion, events.TypeChat}, types(evs))
		assert.Equal(t, ErrorMessage, evs[1].Content)

		m.WaitPersistence()
		assert.Zero(t, store.creates.Load(), "a run without an answer is not persisted")
	})

	t.Run("dropped mid-stream", func(t *testing.T) {
		f := &fakeFactory{}
		m := New(Options{Factory: f, Chat: unusedChat()})
		require.NoError(t, m.StartResearch(context.Background(), "q", nil))
		a := f.adapter(t, 1)
		a.emit(events.Event{Type: events.TypeLogs, Content: "x"})
		a.end(&stream.TransportError{Mode: stream.ModeDuplex, Op: "read", Err: errors.New("EOF")})

		assert.Equal(t, PhaseDone, m.Phase())
		evs := m.Events()
		assert.Equal(t, ErrorMessage, evs[len(evs)-1].Content)
	})
}

func TestMachine_ChatFailureKeepsUserMessage(t *testing.T) {
	f := &fakeFactory{}
	asker := askerFunc(func(context.Context, string, []chat.Message) (*chat.Response, error) {
		return nil, &chat.RequestError{StatusCode: http.StatusBadGateway}
	})
	m := New(Options{Factory: f, Chat: asker})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.emit(events.NewReport("answer"))
	a.end(nil)

	require.NoError(t, m.SendChatMessage(context.Background(), "follow up"))
	evs := m.Events()
	require.Len(t, evs, 4)
	assert.Equal(t, events.TypeQuestion, evs[2].Type)
	assert.Equal(t, "follow up", evs[2].Content)
	assert.Equal(t, events.TypeChat, evs[3].Type)
	assert.Equal(t, ErrorMessage, evs[3].Content)
	assert.Equal(t, PhaseDone, m.Phase())
	assert.Equal(t, 1, m.View().ChatTurns)
}

func TestMachine_ChatCarriesPriorTurns(t *testing.T) {
	f := &fakeFactory{}
	var calls [][]chat.Message
	asker := askerFunc(func(_ context.Context, _ string, messages []chat.Message) (*chat.Response, error) {
		calls = append(calls, messages)
		return &chat.Response{Content: "reply " + messages[len(messages)-1].Content}, nil
	})
	m := New(Options{Factory: f, Chat: asker})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.emit(events.NewReport("answer"))
	a.end(nil)

	require.NoError(t, m.SendChatMessage(context.Background(), "one"))
	require.NoError(t, m.SendChatMessage(context.Background(), "two"))

	require.Len(t, calls, 2)
	assert.Equal(t, []chat.Message{
		{Role: chat.RoleUser, Content: "one"},
		{Role: chat.RoleAssistant, Content: "reply one"},
		{Role: chat.RoleUser, Content: "two"},
	}, calls[1])
	assert.Equal(t, 4, m.View().ChatTurns)
}

func TestMachine_InputValidation(t *testing.T) {
	f := &fakeFactory{}
	m := New(Options{Factory: f, Chat: unusedChat()})

	assert.ErrorIs(t, m.StartResearch(context.Background(), "   ", nil), ErrEmptyInput)
	assert.ErrorIs(t, m.SendChatMessage(context.Background(), ""), ErrEmptyInput)

	// chat from idle starts a research run
	require.NoError(t, m.SendChatMessage(context.Background(), "What is X?"))
	assert.Equal(t, PhaseResearching, m.Phase())
	assert.Equal(t, []string{"What is X?"}, f.tasks)

	assert.ErrorIs(t, m.SendChatMessage(context.Background(), "more"), ErrBusy)
	f.adapter(t, 1).askFeedback("ok?")
	assert.ErrorIs(t, m.SendChatMessage(context.Background(), "more"), ErrBusy)
}

func TestMachine_BusyWhileChatting(t *testing.T) {
	f := &fakeFactory{}
	release := make(chan struct{})
	entered := make(chan struct{})
	asker := askerFunc(func(ctx context.Context, _ string, _ []chat.Message) (*chat.Response, error) {
		close(entered)
		<-release
		return &chat.Response{Content: "ok"}, nil
	})
	m := New(Options{Factory: f, Chat: asker})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.emit(events.NewReport("answer"))
	a.end(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, m.SendChatMessage(context.Background(), "first"))
	}()
	<-entered
	assert.Equal(t, PhaseChatting, m.Phase())
	assert.True(t, m.View().Loading)
	assert.ErrorIs(t, m.SendChatMessage(context.Background(), "second"), ErrBusy)

	close(release)
	wg.Wait()
	assert.Equal(t, PhaseDone, m.Phase())
}

func TestMachine_ResetDuringChatDropsResponse(t *testing.T) {
	f := &fakeFactory{}
	release := make(chan struct{})
	entered := make(chan struct{})
	asker := askerFunc(func(context.Context, string, []chat.Message) (*chat.Response, error) {
		close(entered)
		<-release
		return &chat.Response{Content: "late"}, nil
	})
	m := New(Options{Factory: f, Chat: asker})
	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.emit(events.NewReport("answer"))
	a.end(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.SendChatMessage(context.Background(), "hello")
	}()
	<-entered
	m.Reset()
	close(release)
	<-done

	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Zero(t, m.Log().Len())
}

func TestMachine_Reset(t *testing.T) {
	f := &fakeFactory{}
	store := newCountingStore()
	m := New(Options{Factory: f, Chat: unusedChat(), History: history.NewSynchronizer(store, nil)})

	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	a := f.adapter(t, 1)
	a.emit(events.NewReport("answer"))
	a.end(nil)
	m.WaitPersistence()
	require.EqualValues(t, 1, store.creates.Load())

	require.NoError(t, m.StartResearch(context.Background(), "next", nil))
	b := f.adapter(t, 2)
	b.askFeedback("ok?")
	m.Reset()
	b.waitClosed(t)

	view := m.View()
	assert.Equal(t, PhaseIdle, view.Phase)
	assert.Empty(t, view.Key)
	assert.Empty(t, view.ID)
	assert.Empty(t, view.Question)
	assert.Empty(t, view.Answer)
	assert.Zero(t, view.EventCount)
	assert.Nil(t, view.PendingFeedback)

	recs, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "durable history survives a reset")
}

func TestMachine_SupersededKeyIsForgotten(t *testing.T) {
	f := &fakeFactory{}
	store := newCountingStore()
	syncer := history.NewSynchronizer(store, nil)
	m := New(Options{Factory: f, Chat: unusedChat(), History: syncer})

	require.NoError(t, m.StartResearch(context.Background(), "q", nil))
	f.adapter(t, 1).emit(events.NewReport("answer"))
	f.adapter(t, 1).end(nil)
	m.WaitPersistence()
	first := m.View().Key
	require.NotEmpty(t, syncer.Identity(first))

	require.NoError(t, m.StartResearch(context.Background(), "next", nil))
	assert.Empty(t, syncer.Identity(first), "a superseded session leaves no bookkeeping behind")
	second := m.View().Key

	// a write still running when the session moves on releases the key itself
	store.gate = make(chan struct{})
	f.adapter(t, 2).emit(events.NewReport("second answer"))
	f.adapter(t, 2).end(nil)
	require.Eventually(t, func() bool { return store.creates.Load() == 2 }, waitTimeout, 5*time.Millisecond)
	m.Reset()
	close(store.gate)
	m.WaitPersistence()

	assert.Empty(t, syncer.Identity(second))
	assert.Empty(t, m.View().ID)
	recs, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestMachine_SettingsResolvedPerRun(t *testing.T) {
	f := &fakeFactory{}
	defaults := config.ResearchSettings{ReportType: "research_report", ReportSource: "web", Tone: "Objective"}
	m := New(Options{Factory: f, Chat: unusedChat(), Defaults: defaults})

	require.NoError(t, m.StartResearch(context.Background(), "q", &config.SettingsOverride{Tone: ptr("Analytical")}))
	require.NoError(t, m.StartResearch(context.Background(), "q2", nil))

	require.Len(t, f.settings, 2)
	assert.Equal(t, "Analytical", f.settings[0].Tone)
	assert.Equal(t, "web", f.settings[0].ReportSource)
	assert.Equal(t, "Objective", f.settings[1].Tone, "overrides apply to one run only")
}
