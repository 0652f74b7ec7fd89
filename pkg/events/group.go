package events

import (
	"encoding/json"
	"net/url"
	"strings"
)

// LogLine is the presentation projection of a logs record.
type LogLine struct {
	Header   string          `json:"header"`
	Text     string          `json:"text"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Group folds a timeline into presentation blocks without touching the
// input:
//   - consecutive added_source_urls logs become one sourceBlock whose
//     items are named by host
//   - selected_images logs become an imagesBlock
//   - consecutive report records merge into one reportBlock
//
// Every other record passes through in place.
func Group(evs []Event) []Event {
	out := make([]Event, 0, len(evs))
	var (
		sources = -1 // index in out of the open sourceBlock
		report  = -1 // index in out of the open reportBlock
	)
	for _, ev := range evs {
		switch {
		case ev.Type == TypeLogs && ev.Content == ContentAddedSourceURLs:
			items, ok := sourceItems(ev.Metadata)
			if !ok {
				out = append(out, ev.Clone())
				sources, report = -1, -1
				continue
			}
			report = -1
			if sources >= 0 {
				out[sources].Items = append(out[sources].Items, items...)
				continue
			}
			out = append(out, Event{Type: TypeSourceBlock, Items: items})
			sources = len(out) - 1

		case ev.Type == TypeLogs && ev.Content == ContentSelectedImages:
			out = append(out, Event{Type: TypeImagesBlock, Metadata: cloneRaw(ev.Metadata)})
			sources, report = -1, -1

		case ev.Type == TypeReport:
			sources = -1
			text := ev.OutputText()
			if text == "" {
				text = ev.Content
			}
			if report >= 0 {
				out[report].Content += text
				out[report].Output = String(out[report].Content)
				continue
			}
			out = append(out, Event{Type: TypeReportBlock, Content: text, Output: String(text)})
			report = len(out) - 1

		default:
			out = append(out, ev.Clone())
			sources, report = -1, -1
		}
	}
	return out
}

// LogLines projects the logs records of evs, in order.
func LogLines(evs []Event) []LogLine {
	var lines []LogLine
	for _, ev := range evs {
		if ev.Type != TypeLogs {
			continue
		}
		lines = append(lines, LogLine{Header: ev.Content, Text: ev.OutputText(), Metadata: cloneRaw(ev.Metadata)})
	}
	return lines
}

func sourceItems(metadata json.RawMessage) ([]Source, bool) {
	var urls []string
	if err := json.Unmarshal(metadata, &urls); err != nil {
		return nil, false
	}
	items := make([]Source, 0, len(urls))
	for _, u := range urls {
		items = append(items, Source{Name: hostName(u), URL: u})
	}
	return items, true
}

func hostName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
