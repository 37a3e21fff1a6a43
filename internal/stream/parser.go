// Package stream turns the chunked line-oriented JSON output of the AI CLI
// into typed events. Chunks arrive at arbitrary byte boundaries, so the
// parser carries the trailing partial line between Feed calls.
package stream

import (
	"bytes"
	"encoding/json"
)

// EventType discriminates parsed stream events.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventAssistant      EventType = "assistant"
	EventToolResult     EventType = "tool_result"
	EventFinalResult    EventType = "final_result"
	EventError          EventType = "error"
)

// ContentItem is one element of an assistant message's content array.
type ContentItem struct {
	Type      string          `json:"type"` // "text" or "tool_use"
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`
}

// Event is a single classified unit of subprocess output. Only the fields
// relevant to Type are populated.
type Event struct {
	Type      EventType
	SessionID string        // EventSessionStarted
	Items     []ContentItem // EventAssistant
	Payload   string        // EventToolResult
	Text      string        // EventFinalResult, EventError
}

// rawLine is the superset envelope of every line the CLI emits.
type rawLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []json.RawMessage `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

// toolResultItem is a content element of type "tool_result". Its content is
// either a plain string or an array of {type:"text",text:...} blocks.
type toolResultItem struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Parser incrementally decodes the subprocess output stream. It is not safe
// for concurrent use; each subprocess invocation owns one Parser.
type Parser struct {
	carry       []byte
	sessionSeen bool
}

// NewParser returns a Parser with an empty carry-over buffer.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one chunk of raw output and returns the events decoded from
// every complete line it now holds. The trailing partial line, if any, is
// retained for the next call. Lines that do not parse as JSON records are
// skipped; a noisy line must never stall the rest of the stream.
func (p *Parser) Feed(chunk []byte) []Event {
	p.carry = append(p.carry, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.carry, '\n')
		if idx < 0 {
			break
		}
		line := p.carry[:idx]
		p.carry = p.carry[idx+1:]
		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush decodes whatever remains in the carry buffer as a final line. The CLI
// does not always terminate its last record with a newline before exiting.
func (p *Parser) Flush() []Event {
	if len(p.carry) == 0 {
		return nil
	}
	line := p.carry
	p.carry = nil
	if ev, ok := p.parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

func (p *Parser) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}

	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		// Malformed or partially buffered line; drop it and keep going.
		return Event{}, false
	}

	switch raw.Type {
	case "system":
		if raw.SessionID == "" {
			return Event{}, false
		}
		// Only the first session announcement produces an event, so the
		// caller posts at most one "thinking" notice per invocation.
		if p.sessionSeen {
			return Event{}, false
		}
		p.sessionSeen = true
		return Event{Type: EventSessionStarted, SessionID: raw.SessionID}, true

	case "assistant":
		items := parseContentItems(raw.Message.Content)
		if len(items) == 0 {
			return Event{}, false
		}
		return Event{Type: EventAssistant, Items: items}, true

	case "user":
		// Tool results come back on user-role lines.
		payload, ok := parseToolResult(raw.Message.Content)
		if !ok {
			return Event{}, false
		}
		return Event{Type: EventToolResult, Payload: payload}, true

	case "result":
		if raw.IsError {
			return Event{Type: EventError, Text: raw.Result}, true
		}
		return Event{Type: EventFinalResult, Text: raw.Result}, true

	case "error":
		msg := raw.Error
		if msg == "" {
			msg = raw.Result
		}
		return Event{Type: EventError, Text: msg}, true
	}

	return Event{}, false
}

func parseContentItems(blocks []json.RawMessage) []ContentItem {
	var items []ContentItem
	for _, block := range blocks {
		var item ContentItem
		if err := json.Unmarshal(block, &item); err != nil {
			continue
		}
		switch item.Type {
		case "text":
			if item.Text != "" {
				items = append(items, item)
			}
		case "tool_use":
			items = append(items, item)
		}
	}
	return items
}

func parseToolResult(blocks []json.RawMessage) (string, bool) {
	for _, block := range blocks {
		var item toolResultItem
		if err := json.Unmarshal(block, &item); err != nil {
			continue
		}
		if item.Type != "tool_result" || len(item.Content) == 0 {
			continue
		}

		// String form first, then the text-block array form.
		var s string
		if err := json.Unmarshal(item.Content, &s); err == nil {
			return s, true
		}
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(item.Content, &parts); err == nil {
			var buf bytes.Buffer
			for _, part := range parts {
				if part.Type == "text" {
					buf.WriteString(part.Text)
				}
			}
			return buf.String(), true
		}
	}
	return "", false
}
