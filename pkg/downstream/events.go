package downstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
)

// EventType is the kind of a streaming event from the backend.
type EventType string

const (
	EventProgressIndicator      EventType = "ProgressIndicator"
	EventTextChunk              EventType = "TextChunk"
	EventInform                 EventType = "Inform"
	EventEndOfTurn              EventType = "EndOfTurn"
	EventValidationFailureChunk EventType = "ValidationFailureChunk"
)

// Event is one decoded streaming event.
type Event struct {
	Type EventType
	// Text is the chunk, the full answer or the failure reason, depending
	// on Type.
	Text string
	Raw  json.RawMessage
}

// envelope is the data payload of a backend SSE frame.
type envelope struct {
	Message struct {
		Type    EventType `json:"type"`
		Message string    `json:"message"`
		Errors  []string  `json:"errors,omitempty"`
	} `json:"message"`
}

// maxFrameBytes bounds a single SSE line.
const maxFrameBytes = 1 << 20

// ParseStream reads SSE frames from r. Comment lines and frames without
// data are skipped; the event type comes from the event: line or, failing
// that, from the payload. Iteration stops at EOF or on the first error.
func ParseStream(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

		var (
			eventType string
			data      strings.Builder
		)
		flush := func() bool {
			defer func() {
				eventType = ""
				data.Reset()
			}()
			if data.Len() == 0 {
				return true
			}
			ev, err := decodeEvent(eventType, data.String())
			if err != nil {
				yield(Event{}, err)
				return false
			}
			return yield(ev, nil)
		}

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, ":"):
				// keep-alive comment
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Event{}, fmt.Errorf("read event stream: %w", err))
			return
		}
		flush()
	}
}

func decodeEvent(eventType, data string) (Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", eventType, err)
	}
	ev := Event{
		Type: EventType(eventType),
		Text: env.Message.Message,
		Raw:  json.RawMessage(data),
	}
	if ev.Type == "" {
		ev.Type = env.Message.Type
	}
	if ev.Type == EventValidationFailureChunk && ev.Text == "" && len(env.Message.Errors) > 0 {
		ev.Text = strings.Join(env.Message.Errors, "; ")
	}
	return ev, nil
}
