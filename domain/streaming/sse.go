package streaming

import (
	"bufio"
	"bytes"
	"strings"
)

// SSEEvent is one parsed Server-Sent Event from an OpenRouter chat
// completion stream.
type SSEEvent struct {
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
	ID    string `json:"id,omitempty"`
	Retry int    `json:"retry,omitempty"`
}

// ParseSSEEvents splits a raw SSE body into its constituent events, per
// https://html.spec.whatwg.org/multipage/server-sent-events.html.
// finalizeStreamTokens (app/engine.go) walks the parsed events back from the
// end to the last one carrying usage: OpenRouter sends its usage chunk after
// the content-delta events and before the closing "[DONE]" event.
func ParseSSEEvents(data []byte) []SSEEvent {
	if len(data) == 0 {
		return nil
	}

	var events []SSEEvent
	var current SSEEvent
	var dataLines []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(dataLines) > 0 || current.Event != "" || current.ID != "" {
				current.Data = strings.Join(dataLines, "\n")
				events = append(events, current)
				current = SSEEvent{}
				dataLines = nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // comment line
		}

		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue // field with no value
		}

		field := line[:colonIdx]
		value := line[colonIdx+1:]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}

		switch field {
		case "event":
			current.Event = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			current.ID = value
		case "retry":
			if ms, ok := parseRetry(value); ok {
				current.Retry = ms
			}
		}
	}

	// OpenRouter doesn't always terminate the stream with a trailing blank
	// line before closing the connection, so the final event has to be
	// flushed here too.
	if len(dataLines) > 0 || current.Event != "" || current.ID != "" {
		current.Data = strings.Join(dataLines, "\n")
		events = append(events, current)
	}

	return events
}

// ParseSSELastEvent returns the final event in an SSE body, or nil if the
// body contained none.
func ParseSSELastEvent(data []byte) *SSEEvent {
	events := ParseSSEEvents(data)
	if len(events) == 0 {
		return nil
	}
	return &events[len(events)-1]
}

// ExtractSSELastData returns the data field of the final SSE event in data.
// For a complete OpenRouter completion stream that is the closing "[DONE]"
// marker, not the usage chunk sent just before it.
func ExtractSSELastData(data []byte) string {
	event := ParseSSELastEvent(data)
	if event == nil {
		return ""
	}
	return event.Data
}

// parseRetry parses an SSE "retry:" field, which the spec requires to be
// ASCII digits only; anything else means the field is ignored.
func parseRetry(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	var v int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int(c-'0')
	}
	return v, true
}
