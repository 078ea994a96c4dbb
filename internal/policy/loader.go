package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the policy file omits a field.
const (
	DefaultMaxCommandLength = 4096
	DefaultRatePerWindow    = 60
	DefaultRateWindow       = time.Minute
	DefaultStreakThreshold  = 5
	DefaultStreakWindow     = 5 * time.Minute
)

// DefaultBanLadder escalates ban durations for repeat offenders. The last
// entry is the cap.
var DefaultBanLadder = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
}

// Load reads and compiles a policy from the given YAML file. An empty path
// returns the built-in default policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := p.compile(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &p, nil
}

// Default returns the built-in policy: a conservative whitelist of common
// development tools plus deny rules for the classic dangerous shapes.
func Default() *Policy {
	p := &Policy{
		Version: "1",
		Whitelist: []string{
			"ls", "cat", "pwd", "cd", "echo", "head", "tail", "wc",
			"grep", "find", "which", "env", "date", "whoami",
			"git", "go", "npm", "node", "python3", "make",
			"mkdir", "touch", "cp", "mv",
		},
		DenyRules: []Rule{
			{
				ID:     "recursive-delete",
				Reason: "recursive force delete is not permitted",
				Match:  Match{Regex: `rm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\b`},
			},
			{
				ID:     "privilege-escalation",
				Reason: "privilege escalation is not permitted",
				Match:  Match{Regex: `\b(sudo|su|doas)\b`},
			},
			{
				ID:     "raw-disk-write",
				Reason: "raw disk access is not permitted",
				Match:  Match{Regex: `\bdd\b.*\bof=/dev/`},
			},
			{
				ID:     "force-push",
				Reason: "history-destructive push is not permitted",
				Match:  Match{Substring: "push --force"},
			},
			{
				ID:     "fork-bomb",
				Reason: "fork bomb pattern",
				Match:  Match{Substring: ":(){ :|:& };:"},
			},
		},
		EnhancedRules: []Rule{
			{
				ID:     "network-egress",
				Reason: "outbound transfer tools are not permitted",
				Match:  Match{Regex: `\b(curl|wget|nc|ncat|scp|rsync)\b`},
			},
			{
				ID:     "filesystem-wipe",
				Reason: "destructive filesystem command",
				Match:  Match{Regex: `\b(mkfs|shred|wipefs)\b`},
			},
			{
				ID:     "ai-pipe-to-shell",
				Reason: "piping into a shell interpreter requires human review",
				AIOnly: true,
				Match:  Match{Regex: `\|\s*(sh|bash|zsh)\b`},
			},
			{
				ID:     "ai-crontab",
				Reason: "persistence via crontab requires human review",
				AIOnly: true,
				Match:  Match{Substring: "crontab"},
			},
		},
	}
	if err := p.compile(); err != nil {
		// The built-in policy is fixed at compile time; failing to compile
		// it is a programming error.
		panic(fmt.Sprintf("default policy: %v", err))
	}
	return p
}

// Unmarshal the ladder as a list of Go duration strings ("1m", "5m", ...).
func (b *Ban) UnmarshalYAML(value *yaml.Node) error {
	type rawBan struct {
		StreakThreshold int      `yaml:"streak_threshold"`
		StreakWindow    string   `yaml:"streak_window"`
		Ladder          []string `yaml:"ladder"`
	}
	var raw rawBan
	if err := value.Decode(&raw); err != nil {
		return err
	}
	b.StreakThreshold = raw.StreakThreshold
	if raw.StreakWindow != "" {
		d, err := time.ParseDuration(raw.StreakWindow)
		if err != nil {
			return fmt.Errorf("ban streak_window: %w", err)
		}
		b.StreakWindow = d
	}
	for _, s := range raw.Ladder {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("ban ladder entry %q: %w", s, err)
		}
		b.Ladder = append(b.Ladder, d)
	}
	return nil
}

// Unmarshal the window as a Go duration string.
func (r *RateLimit) UnmarshalYAML(value *yaml.Node) error {
	type rawLimit struct {
		PerWindow int    `yaml:"per_window"`
		Window    string `yaml:"window"`
	}
	var raw rawLimit
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.PerWindow = raw.PerWindow
	if raw.Window != "" {
		d, err := time.ParseDuration(raw.Window)
		if err != nil {
			return fmt.Errorf("rate_limit window: %w", err)
		}
		r.Window = d
	}
	return nil
}
