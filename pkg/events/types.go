// Package events defines the typed records that make up a research
// session timeline and the append-only Log that holds them.
//
// A record is a tagged union discriminated by Type. Every variant shares
// one struct; unused fields stay empty and are omitted on the wire:
//
//	question         {content}
//	report           {content, output}
//	reportBlock      {content, output}     (presentation only, see Group)
//	chat             {content, metadata?}
//	logs             {content (header), output, metadata}
//	sourceBlock      {items: [{name, url}]} (presentation only)
//	imagesBlock      {metadata: [image refs]} (presentation only)
//	langgraphButton  {link}
//	differences      {content, output: serialized difference set}
//	path             {output: access paths}
//
// Records are values. Once appended to a Log they are never mutated,
// and readers always receive deep copies.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates event records.
type Type string

// Event types produced by transports and the session machine.
const (
	TypeQuestion        Type = "question"
	TypeReport          Type = "report"
	TypeChat            Type = "chat"
	TypeLogs            Type = "logs"
	TypeLanggraphButton Type = "langgraphButton"
	TypeDifferences     Type = "differences"
	TypePath            Type = "path"
)

// Presentation-only types produced by Group. They are never appended to a Log.
const (
	TypeReportBlock Type = "reportBlock"
	TypeSourceBlock Type = "sourceBlock"
	TypeImagesBlock Type = "imagesBlock"
)

// TypeHumanFeedback marks an inbound duplex frame asking for feedback.
// It is intercepted by the session machine and never appended.
const TypeHumanFeedback Type = "human_feedback"

// Log header values with special meaning for grouping.
const (
	ContentAddedSourceURLs = "added_source_urls"
	ContentSelectedImages  = "selected_images"
	ContentSubqueries      = "subqueries"
	ContentDifferences     = "differences"
)

// ErrMissingType is returned by Decode when a frame carries no type tag.
var ErrMissingType = errors.New("event frame has no type")

// Source is one entry of a sourceBlock.
type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Event is one immutable timeline record.
type Event struct {
	Type     Type            `json:"type"`
	Content  string          `json:"content,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Items    []Source        `json:"items,omitempty"`
	Link     string          `json:"link,omitempty"`
}

// OutputText returns Output as display text: JSON strings are unquoted,
// anything else is returned as raw JSON.
func (e Event) OutputText() string {
	return rawText(e.Output)
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	c := e
	c.Output = cloneRaw(e.Output)
	c.Metadata = cloneRaw(e.Metadata)
	if e.Items != nil {
		c.Items = append([]Source(nil), e.Items...)
	}
	return c
}

// Decode parses one inbound transport frame into an Event.
// JSON null payloads are normalised to absent fields.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event frame: %w", err)
	}
	if ev.Type == "" {
		return Event{}, ErrMissingType
	}
	ev.Output = dropNull(ev.Output)
	ev.Metadata = dropNull(ev.Metadata)
	return ev, nil
}

// NewQuestion returns a question record for a user turn.
func NewQuestion(text string) Event {
	return Event{Type: TypeQuestion, Content: text}
}

// NewReport returns a report record carrying text as its output.
func NewReport(text string) Event {
	return Event{Type: TypeReport, Output: String(text)}
}

// NewChat returns an assistant chat record.
func NewChat(text string, metadata json.RawMessage) Event {
	return Event{Type: TypeChat, Content: text, Metadata: dropNull(metadata)}
}

// NewLanggraphButton returns the monitoring link record for a chunk run.
func NewLanggraphButton(link string) Event {
	return Event{Type: TypeLanggraphButton, Link: link}
}

// NewDifferences wraps a serialized difference set. The output is the
// serialized set encoded as a JSON string, matching what clients render.
func NewDifferences(serialized []byte) Event {
	return Event{Type: TypeDifferences, Content: ContentDifferences, Output: String(string(serialized))}
}

// String encodes s as a JSON string value.
func String(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func dropNull(raw json.RawMessage) json.RawMessage {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return raw
}
