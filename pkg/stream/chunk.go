package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/diff"
	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/deepscope-io/deepscope/pkg/metrics"
)

// ReportPlaceholder is the report value the multi-agent graph carries
// before a real report exists. It is never surfaced as a report.
const ReportPlaceholder = "Full report content here"

// Chunk event names with transport meaning.
const (
	chunkEventError = "error"
	chunkEventEnd   = "end"
)

// ChunkAdapter runs one question as a LangGraph multi-agent run and turns
// its snapshot stream into report and differences events.
type ChunkAdapter struct {
	client    *LangGraphClient
	studioURL string
	task      string
	settings  config.ResearchSettings
	logger    *slog.Logger

	life lifecycle
}

// NewChunk returns an adapter for the LangGraph host in lg.
func NewChunk(lg *config.LangGraphConfig, httpClient *http.Client, task string, settings config.ResearchSettings, logger *slog.Logger) *ChunkAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	studio := lg.StudioURL
	if studio == "" {
		studio = config.DefaultStudioURL
	}
	return &ChunkAdapter{
		client:    NewLangGraphClient(lg, httpClient),
		studioURL: studio,
		task:      task,
		settings:  settings.Clone(),
		logger:    logger.With("mode", ModeChunk),
	}
}

func (a *ChunkAdapter) Mode() Mode             { return ModeChunk }
func (a *ChunkAdapter) SupportsFeedback() bool { return false }

// MonitorLink returns the studio URL for watching threadID.
func (a *ChunkAdapter) MonitorLink(threadID string) string {
	return fmt.Sprintf("%s/thread/%s?baseUrl=%s", a.studioURL, threadID, a.client.Host())
}

// Start resolves an assistant, creates a thread and opens the run stream.
func (a *ChunkAdapter) Start(ctx context.Context, h Handler) error {
	runCtx, err := a.life.begin(ctx)
	if err != nil {
		return err
	}
	stop := a.life.watch(ctx)

	fail := func(op string, err error) error {
		stop()
		a.life.abort()
		return &TransportError{Mode: ModeChunk, Op: op, Err: err}
	}

	assistantID, err := a.client.FindAssistant(runCtx)
	if err != nil {
		return fail("find assistant", err)
	}
	threadID, err := a.client.CreateThread(runCtx)
	if err != nil {
		return fail("create thread", err)
	}
	run, err := a.client.StreamRun(runCtx, threadID, assistantID, NewResearchTask(a.task, a.settings.ReportSource))
	if err != nil {
		return fail("stream run", err)
	}
	if !stop() {
		_ = run.Close()
		a.life.abort()
		return &TransportError{Mode: ModeChunk, Op: "stream run", Err: context.Cause(ctx)}
	}

	a.logger.Info("Chunk research started", "host", a.client.Host(), "thread_id", threadID, "assistant_id", assistantID)
	go a.pump(runCtx, run, a.MonitorLink(threadID), h)
	return nil
}

// Send always fails: the chunk stream has no return channel.
func (a *ChunkAdapter) Send(context.Context, ControlMessage) error {
	return ErrFeedbackUnsupported
}

// Close cancels the run stream and waits for delivery to stop.
func (a *ChunkAdapter) Close() error {
	done := a.life.shutdown()
	if done != nil {
		<-done
	}
	return nil
}

func (a *ChunkAdapter) pump(ctx context.Context, run *RunStream, link string, h Handler) {
	defer close(a.life.done)
	defer func() { _ = run.Close() }()

	h.HandleEvent(events.NewLanggraphButton(link))

	var tracker snapshotTracker
	for chunk, err := range run.Chunks() {
		if err != nil {
			if errors.Is(err, ErrMalformedChunk) {
				metrics.MalformedFrames.WithLabelValues(string(ModeChunk)).Inc()
				a.logger.Warn("Dropping malformed chunk", "error", err)
				continue
			}
			h.HandleClose(a.streamError(ctx, err))
			return
		}
		switch chunk.Event {
		case chunkEventError:
			h.HandleClose(&TransportError{Mode: ModeChunk, Op: "stream", Err: fmt.Errorf("backend error: %s", chunk.Raw)})
			return
		case chunkEventEnd:
			h.HandleClose(nil)
			return
		}
		for _, ev := range tracker.next(chunk, a.logger) {
			h.HandleEvent(ev)
		}
	}
	h.HandleClose(nil)
}

func (a *ChunkAdapter) streamError(ctx context.Context, err error) error {
	if a.life.isClosed() || ctx.Err() != nil {
		return nil
	}
	return &TransportError{Mode: ModeChunk, Op: "read", Err: err}
}

// snapshotTracker turns successive chunks into events. A chunk carrying
// a real report is promoted to a report event and is not diffed; any
// other chunk is diffed against its predecessor.
type snapshotTracker struct {
	prev       map[string]any
	lastReport string
	promoted   bool
}

func (t *snapshotTracker) next(c Chunk, logger *slog.Logger) []events.Event {
	cur := c.Snapshot()
	prev := t.prev
	t.prev = cur

	if report, ok := c.Report(); ok && report != "" && report != ReportPlaceholder {
		if t.promoted && report == t.lastReport {
			return nil
		}
		t.promoted, t.lastReport = true, report
		return []events.Event{events.NewReport(report)}
	}

	if prev == nil {
		return nil
	}
	set := diff.Compute(prev, cur)
	if set.Empty() {
		return nil
	}
	serialized, err := set.Marshal()
	if err != nil {
		logger.Warn("Failed to serialize snapshot differences", "error", err)
		return nil
	}
	return []events.Event{events.NewDifferences(serialized)}
}
