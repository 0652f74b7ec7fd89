package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/deepscope-io/deepscope/pkg/metrics"
	"github.com/deepscope-io/deepscope/pkg/version"
)

// maxFrameBytes bounds one inbound frame. Report chunks and source lists
// routinely exceed the websocket library's 32 KiB default.
const maxFrameBytes = 16 << 20

// StartTask is the body of the "start" frame that opens a duplex run.
type StartTask struct {
	Task string `json:"task"`
	config.ResearchSettings
}

// startFrame renders the opening text frame: the word "start", a space,
// then the JSON task.
func startFrame(task string, settings config.ResearchSettings) ([]byte, error) {
	body, err := json.Marshal(StartTask{Task: task, ResearchSettings: settings})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal start task: %w", err)
	}
	return append([]byte("start "), body...), nil
}

// DuplexAdapter runs one question over a websocket connection.
type DuplexAdapter struct {
	url      string
	task     string
	settings config.ResearchSettings
	logger   *slog.Logger

	life lifecycle
	conn *websocket.Conn
}

// NewDuplex returns an adapter that will dial url and ask task.
func NewDuplex(url, task string, settings config.ResearchSettings, logger *slog.Logger) *DuplexAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplexAdapter{
		url:      url,
		task:     task,
		settings: settings.Clone(),
		logger:   logger.With("mode", ModeDuplex),
	}
}

func (a *DuplexAdapter) Mode() Mode             { return ModeDuplex }
func (a *DuplexAdapter) SupportsFeedback() bool { return true }

// Start dials the backend, sends the start frame and begins reading.
func (a *DuplexAdapter) Start(ctx context.Context, h Handler) error {
	runCtx, err := a.life.begin(ctx)
	if err != nil {
		return err
	}
	stop := a.life.watch(ctx)

	header := http.Header{}
	version.SetUserAgent(header)
	conn, _, err := websocket.Dial(runCtx, a.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		stop()
		a.life.abort()
		return &TransportError{Mode: ModeDuplex, Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxFrameBytes)

	frame, err := startFrame(a.task, a.settings)
	if err == nil {
		err = conn.Write(runCtx, websocket.MessageText, frame)
	}
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		_ = conn.CloseNow()
		a.life.abort()
		return &TransportError{Mode: ModeDuplex, Op: "start", Err: err}
	}

	a.life.mu.Lock()
	a.conn = conn
	a.life.mu.Unlock()
	a.logger.Info("Duplex research started", "url", a.url)
	go a.readLoop(runCtx, conn, h)
	return nil
}

// Send writes msg as a JSON text frame.
func (a *DuplexAdapter) Send(ctx context.Context, msg ControlMessage) error {
	conn := a.connection()
	if conn == nil {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Mode: ModeDuplex, Op: "send", Err: err}
	}
	return nil
}

// Close terminates the connection and waits for the read loop to exit.
func (a *DuplexAdapter) Close() error {
	done := a.life.shutdown()
	if done == nil {
		return nil
	}
	a.life.mu.Lock()
	conn := a.conn
	a.life.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
	<-done
	return nil
}

// connection returns the live connection, or nil before Start and after Close.
func (a *DuplexAdapter) connection() *websocket.Conn {
	a.life.mu.Lock()
	defer a.life.mu.Unlock()
	if a.life.closed {
		return nil
	}
	return a.conn
}

func (a *DuplexAdapter) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) {
	defer close(a.life.done)
	defer func() { _ = conn.CloseNow() }()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			h.HandleClose(a.readError(err))
			return
		}

		ev, err := events.Decode(data)
		if err != nil {
			metrics.MalformedFrames.WithLabelValues(string(ModeDuplex)).Inc()
			a.logger.Warn("Dropping malformed frame", "error", err, "bytes", len(data))
			continue
		}

		if ev.Type == events.TypeHumanFeedback {
			prompt := ev.OutputText()
			if prompt == "" {
				prompt = ev.Content
			}
			h.HandleFeedbackRequest(prompt)
			continue
		}
		h.HandleEvent(ev)
	}
}

// readError classifies the error that ended the read loop. A local Close
// or a normal close from the server is a clean end.
func (a *DuplexAdapter) readError(err error) error {
	if a.life.isClosed() {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return &TransportError{Mode: ModeDuplex, Op: "read", Err: err}
}
