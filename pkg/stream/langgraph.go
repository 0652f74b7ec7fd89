package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/version"
)

var (
	// ErrNoAssistant is returned when the LangGraph host has no assistants.
	ErrNoAssistant = errors.New("langgraph host has no assistants")

	// ErrStreamConsumed is yielded when a RunStream is ranged over twice.
	ErrStreamConsumed = errors.New("run stream already consumed")

	// ErrMalformedChunk is yielded for a chunk whose data is not JSON. The
	// stream continues after it.
	ErrMalformedChunk = errors.New("malformed chunk")
)

// LangGraphClient speaks the subset of the LangGraph server API used to
// launch a multi-agent research run.
type LangGraphClient struct {
	host        string
	assistantID string
	httpClient  *http.Client
}

// NewLangGraphClient returns a client for cfg.HostURL.
func NewLangGraphClient(cfg *config.LangGraphConfig, httpClient *http.Client) *LangGraphClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &LangGraphClient{
		host:        strings.TrimSuffix(cfg.HostURL, "/"),
		assistantID: cfg.AssistantID,
		httpClient:  httpClient,
	}
}

// Host returns the normalised host URL.
func (c *LangGraphClient) Host() string {
	return c.host
}

type assistant struct {
	AssistantID string `json:"assistant_id"`
	GraphID     string `json:"graph_id"`
}

// FindAssistant returns the configured assistant id, or the first
// assistant the host lists.
func (c *LangGraphClient) FindAssistant(ctx context.Context) (string, error) {
	if c.assistantID != "" {
		return c.assistantID, nil
	}
	var found []assistant
	body := map[string]any{"metadata": nil, "offset": 0, "limit": 10}
	if err := c.postJSON(ctx, "/assistants/search", body, &found); err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", ErrNoAssistant
	}
	return found[0].AssistantID, nil
}

// CreateThread creates an empty thread and returns its id.
func (c *LangGraphClient) CreateThread(ctx context.Context) (string, error) {
	var thread struct {
		ThreadID string `json:"thread_id"`
	}
	if err := c.postJSON(ctx, "/threads", map[string]any{}, &thread); err != nil {
		return "", err
	}
	if thread.ThreadID == "" {
		return "", errors.New("langgraph returned a thread without id")
	}
	return thread.ThreadID, nil
}

// ResearchTask is the multi-agent graph input.
type ResearchTask struct {
	Query                string          `json:"query"`
	Source               string          `json:"source"`
	IncludeHumanFeedback bool            `json:"include_human_feedback"`
	MaxSections          int             `json:"max_sections"`
	PublishFormats       map[string]bool `json:"publish_formats"`
	Verbose              bool            `json:"verbose"`
}

// NewResearchTask returns the graph input for query.
func NewResearchTask(query, source string) ResearchTask {
	return ResearchTask{
		Query:          query,
		Source:         source,
		MaxSections:    3,
		PublishFormats: map[string]bool{"markdown": true, "pdf": true, "docx": true},
		Verbose:        true,
	}
}

// StreamRun starts a run on threadID and returns its value stream. The
// caller must Close the stream.
func (c *LangGraphClient) StreamRun(ctx context.Context, threadID, assistantID string, task ResearchTask) (*RunStream, error) {
	body := map[string]any{
		"assistant_id": assistantID,
		"input":        map[string]any{"task": task},
		"stream_mode":  "values",
	}
	resp, err := c.post(ctx, "/threads/"+threadID+"/runs/stream", body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return &RunStream{body: resp.Body}, nil
}

func (c *LangGraphClient) postJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.post(ctx, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *LangGraphClient) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	version.SetUserAgent(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("POST %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Chunk is one snapshot of the run state.
type Chunk struct {
	Event string
	Data  any
	Raw   string
}

// Snapshot returns the chunk in the nested-map form compared between
// successive chunks.
func (c Chunk) Snapshot() map[string]any {
	return map[string]any{"event": c.Event, "data": c.Data}
}

// Report returns data.report when it is a string.
func (c Chunk) Report() (string, bool) {
	m, ok := c.Data.(map[string]any)
	if !ok {
		return "", false
	}
	r, ok := m["report"].(string)
	return r, ok
}

// RunStream is a lazy, forward-only, non-restartable sequence of Chunks.
type RunStream struct {
	body     io.ReadCloser
	consumed atomic.Bool
}

// Chunks yields decoded chunks until the stream ends. Ranging a second
// time yields ErrStreamConsumed.
func (s *RunStream) Chunks() iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(Chunk{}, ErrStreamConsumed)
			return
		}
		for ev, err := range readSSE(s.body) {
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			c := Chunk{Event: ev.Event, Raw: ev.Data}
			if ev.Data != "" {
				if err := json.Unmarshal([]byte(ev.Data), &c.Data); err != nil {
					if !yield(Chunk{}, fmt.Errorf("%w: event %q: %v", ErrMalformedChunk, ev.Event, err)) {
						return
					}
					continue
				}
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Close releases the underlying response.
func (s *RunStream) Close() error {
	return s.body.Close()
}
