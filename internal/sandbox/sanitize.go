package sandbox

import "strings"

// maxLogMessageLen caps rule log lines so a chatty rule cannot bloat the
// audit trail.
const maxLogMessageLen = 1024

// sanitizeLogMessage strips control characters (log-forging vectors like
// embedded newlines and ANSI escapes) and caps the message length.
func sanitizeLogMessage(msg string) string {
	var b strings.Builder
	b.Grow(min(len(msg), maxLogMessageLen))
	for _, r := range msg {
		if b.Len() >= maxLogMessageLen {
			break
		}
		if r < 0x20 || r == 0x7f {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
