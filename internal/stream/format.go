// format.go renders stream events into chat-safe progress text: tool icons,
// length-tiered tool-result summaries, transport length ceiling, and control
// character stripping.
package stream

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultMessageLimit is the chat transport's hard length ceiling.
const DefaultMessageLimit = 4000

// Summarization tiers for tool-result payloads, in characters.
const (
	fullTextLimit  = 500
	headTailLimit  = 2000
	headTailSlice  = 200
	summaryMaxLine = 12
)

const elisionMarker = "… (truncated)"

var toolIcons = map[string]string{
	"Bash":      "💻",
	"Read":      "📖",
	"Write":     "✏️",
	"Edit":      "✏️",
	"Grep":      "🔍",
	"Glob":      "🔍",
	"WebFetch":  "🌐",
	"WebSearch": "🌐",
	"Task":      "🧩",
}

const defaultToolIcon = "🔧"

// ToolIcon returns the display icon for a tool invocation.
func ToolIcon(name string) string {
	if icon, ok := toolIcons[name]; ok {
		return icon
	}
	return defaultToolIcon
}

// RenderItem formats one assistant content item for the progress path.
func RenderItem(item ContentItem) string {
	switch item.Type {
	case "text":
		return StripControl(item.Text)
	case "tool_use":
		return fmt.Sprintf("%s %s", ToolIcon(item.ToolName), item.ToolName)
	}
	return ""
}

// SummarizeToolResult applies the tiered policy: short payloads pass through
// whole, medium ones keep head and tail, long ones get an extractive summary
// with error and fatal lines pulled to the front.
func SummarizeToolResult(payload string) string {
	payload = StripControl(payload)
	switch {
	case len(payload) <= fullTextLimit:
		return payload
	case len(payload) <= headTailLimit:
		head := payload[:runeSafeCut(payload, headTailSlice)]
		tail := payload[runeSafeCut(payload, len(payload)-headTailSlice):]
		return head + "\n" + elisionMarker + "\n" + tail
	default:
		return extractiveSummary(payload)
	}
}

// extractiveSummary keeps the most diagnostic lines of a long payload:
// error-looking lines first, then leading lines up to the line budget.
func extractiveSummary(payload string) string {
	lines := strings.Split(payload, "\n")

	var picked []string
	seen := make(map[int]bool)
	for i, line := range lines {
		if len(picked) >= summaryMaxLine {
			break
		}
		if isDiagnosticLine(line) {
			picked = append(picked, strings.TrimSpace(line))
			seen[i] = true
		}
	}
	for i, line := range lines {
		if len(picked) >= summaryMaxLine {
			break
		}
		if seen[i] || strings.TrimSpace(line) == "" {
			continue
		}
		picked = append(picked, strings.TrimSpace(line))
	}

	summary := strings.Join(picked, "\n")
	if len(summary) > headTailLimit {
		summary = summary[:runeSafeCut(summary, headTailLimit)]
	}
	return summary + "\n" + elisionMarker
}

func isDiagnosticLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range []string{"error", "fatal", "panic", "fail"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Clamp enforces the transport length ceiling, appending an explicit elision
// marker when text had to be cut.
func Clamp(text string, limit int) string {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if len(text) <= limit {
		return text
	}
	cut := limit - len(elisionMarker)
	if cut < 0 {
		cut = 0
	}
	return text[:runeSafeCut(text, cut)] + elisionMarker
}

// runeSafeCut backs n up to the nearest rune start in s, so slicing at the
// returned index never splits a multi-byte character.
func runeSafeCut(s string, n int) int {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return n
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// StripControl removes non-printable control sequences while keeping newlines
// and tabs, which the chat transport renders fine.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
