package tui

import "strings"

// humanError keeps the innermost message of an error chain, capitalized.
// "agent execution failed: error_max_turns" → "Error_max_turns"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	idx := strings.LastIndex(msg, ": ")
	if idx == -1 || idx+2 >= len(msg) {
		return msg
	}
	inner := msg[idx+2:]
	return strings.ToUpper(inner[:1]) + inner[1:]
}
