package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"normal text", "normal text"},
		{"line1\nline2", "line1 line2"},
		{"tab\there", "tab here"},
		{"cr\rhere", "cr here"},
		{"esc\x1b[31mred", "esc[31mred"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := SanitizeForLog(tc.in); got != tc.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTruncateCommand(t *testing.T) {
	short := "ls -la"
	if got := TruncateCommand(short); got != short {
		t.Errorf("short command should pass through, got %q", got)
	}

	long := strings.Repeat("a", 500)
	got := TruncateCommand(long)
	if len(got) != maxLoggedCommand+len("...(truncated)") {
		t.Errorf("unexpected truncated length %d", len(got))
	}
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Errorf("expected truncation marker, got %q", got[len(got)-20:])
	}
}

func TestTruncateCommandSanitizes(t *testing.T) {
	got := TruncateCommand("ls\nfake audit line")
	if strings.Contains(got, "\n") {
		t.Errorf("newlines must not survive, got %q", got)
	}
}
