package contextstore

import (
	"fmt"
	"strings"
)

// WindowFetch is how many recent rows the prompt builder considers.
const WindowFetch = 200

// WindowByteBudget bounds the UTF-8 size of the built prompt.
const WindowByteBudget = 15000

// BuildWindow assembles the conversation history prompt for a key. Rows are
// formatted oldest to newest as "<name>: <content>" lines under the byte
// budget; when the full set would overflow, the window restarts from the
// midpoint of the remaining tail until it fits, and the header notes the
// truncation. Returns "" when the key has no history.
func (s *Store) BuildWindow(contextKey, currentQuery string) string {
	msgs := s.Recent(contextKey, WindowFetch)
	if len(msgs) == 0 {
		return ""
	}

	lines := make([]string, len(msgs))
	total := 0
	for i, m := range msgs {
		lines[i] = formatLine(m)
		total += len(lines[i]) + 1
	}

	const headerReserve = 96
	budget := WindowByteBudget - headerReserve

	start := 0
	truncated := false
	for total > budget && len(lines)-start > 1 {
		truncated = true
		remaining := len(lines) - start
		newStart := start + remaining/2
		for i := start; i < newStart; i++ {
			total -= len(lines[i]) + 1
		}
		start = newStart
	}

	shown := lines[start:]
	var b strings.Builder
	if truncated {
		fmt.Fprintf(&b, "[chat history: last %d of %d messages, older history truncated]\n", len(shown), len(msgs))
	} else {
		fmt.Fprintf(&b, "[chat history: %d messages]\n", len(shown))
	}
	for _, line := range shown {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func formatLine(m Message) string {
	name := m.SenderName
	if name == "" {
		if m.Role == "assistant" {
			name = "Assistant"
		} else {
			name = "User"
		}
	}
	return name + ": " + m.Content
}
