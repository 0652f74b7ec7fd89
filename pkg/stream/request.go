package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/deepscope-io/deepscope/pkg/version"
)

// reportPath is the backend's single-shot report endpoint.
const reportPath = "/report/"

// reportResponse is the subset of the report endpoint's reply we use.
type reportResponse struct {
	Report   string `json:"report"`
	DocxPath string `json:"docx_path,omitempty"`
	PDFPath  string `json:"pdf_path,omitempty"`
}

// RequestAdapter runs one question as a single HTTP request. It emits the
// finished report, and the generated file paths when the backend returns
// them, then closes.
type RequestAdapter struct {
	url        string
	task       string
	settings   config.ResearchSettings
	httpClient *http.Client
	logger     *slog.Logger

	life lifecycle
}

// NewRequest returns an adapter posting to baseURL's report endpoint.
func NewRequest(baseURL string, httpClient *http.Client, task string, settings config.ResearchSettings, logger *slog.Logger) *RequestAdapter {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestAdapter{
		url:        strings.TrimSuffix(baseURL, "/") + reportPath,
		task:       task,
		settings:   settings.Clone(),
		httpClient: httpClient,
		logger:     logger.With("mode", ModeRequest),
	}
}

func (a *RequestAdapter) Mode() Mode             { return ModeRequest }
func (a *RequestAdapter) SupportsFeedback() bool { return false }

// Start issues the request in the background.
func (a *RequestAdapter) Start(ctx context.Context, h Handler) error {
	runCtx, err := a.life.begin(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(StartTask{Task: a.task, ResearchSettings: a.settings})
	if err != nil {
		a.life.abort()
		return fmt.Errorf("failed to marshal report request: %w", err)
	}
	go a.do(runCtx, body, h)
	return nil
}

// Send always fails: a request run has no return channel.
func (a *RequestAdapter) Send(context.Context, ControlMessage) error {
	return ErrFeedbackUnsupported
}

// Close cancels an in-flight request and waits for delivery to stop.
func (a *RequestAdapter) Close() error {
	done := a.life.shutdown()
	if done != nil {
		<-done
	}
	return nil
}

func (a *RequestAdapter) do(ctx context.Context, body []byte, h Handler) {
	defer close(a.life.done)

	report, err := a.fetch(ctx, body)
	if err != nil {
		if a.life.isClosed() || ctx.Err() != nil {
			h.HandleClose(nil)
			return
		}
		h.HandleClose(&TransportError{Mode: ModeRequest, Op: "report", Err: err})
		return
	}

	if report.Report != "" {
		h.HandleEvent(events.NewReport(report.Report))
	}
	if report.DocxPath != "" || report.PDFPath != "" {
		paths, _ := json.Marshal(map[string]string{"docx": report.DocxPath, "pdf": report.PDFPath})
		h.HandleEvent(events.Event{Type: events.TypePath, Output: paths})
	}
	h.HandleClose(nil)
}

func (a *RequestAdapter) fetch(ctx context.Context, body []byte) (*reportResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	version.SetUserAgent(req.Header)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out reportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode report response: %w", err)
	}
	a.logger.Info("Report request completed", "report_bytes", len(out.Report))
	return &out, nil
}
