package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// maxLoggedCommand caps how much of a command string appears in a log line.
const maxLoggedCommand = 200

// TruncateCommand sanitizes a command string for logging and truncates it so
// a single oversized command cannot flood the log.
func TruncateCommand(cmd string) string {
	cmd = SanitizeForLog(cmd)
	if len(cmd) > maxLoggedCommand {
		return cmd[:maxLoggedCommand] + "...(truncated)"
	}
	return cmd
}
