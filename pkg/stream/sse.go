package stream

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// readSSE yields the events of an SSE stream in order. A blank line ends
// an event; consecutive data lines are joined with newlines; comments and
// unknown fields are ignored. A trailing event without a blank line is
// still delivered. Read errors end the sequence with a non-nil error.
func readSSE(r io.Reader) iter.Seq2[SSEEvent, error] {
	return func(yield func(SSEEvent, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

		var (
			ev      SSEEvent
			hasData bool
		)
		flush := func() bool {
			if ev.Event == "" && !hasData {
				return true
			}
			out := ev
			ev, hasData = SSEEvent{}, false
			return yield(out, nil)
		}

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				ev.Event = value
			case "data":
				if hasData {
					ev.Data += "\n" + value
				} else {
					ev.Data = value
					hasData = true
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(SSEEvent{}, err)
			return
		}
		flush()
	}
}
