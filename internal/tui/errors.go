package tui

import "strings"

// humanErrorText keeps the innermost message of a wrapped error chain.
// "list tasks: storage unavailable: database is locked" → "Database is locked"
func humanErrorText(msg string) string {
	if msg == "" {
		return "unknown error"
	}
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		return strings.ToUpper(inner[:1]) + inner[1:]
	}
	return msg
}
