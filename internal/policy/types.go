// Package policy defines the data-driven security policy consulted by the
// command validation pipeline: the executable whitelist, the deny-rule tables,
// rate ceilings and the ban escalation ladder. The policy is loaded once from
// a YAML file at startup; adding or changing a rule never requires a code
// change.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Rule is a single deny rule. Exactly one matcher must be set; the matcher
// set is closed (substring or regex) so rules stay declarative.
type Rule struct {
	ID     string `yaml:"id"`
	Reason string `yaml:"reason"`

	// AIOnly restricts the rule to commands tagged as AI-originated. Only
	// meaningful in the enhanced tier.
	AIOnly bool `yaml:"ai_only,omitempty"`

	Match Match `yaml:"match"`

	re *regexp.Regexp // compiled form of Match.Regex
}

// Match holds the rule's matcher. Substring does a case-sensitive substring
// test against the full command string; Regex is a Go regular expression.
type Match struct {
	Substring string `yaml:"substring,omitempty"`
	Regex     string `yaml:"regex,omitempty"`
}

// Matches reports whether the rule matches the given command string.
func (r *Rule) Matches(command string) bool {
	if r.Match.Substring != "" {
		return strings.Contains(command, r.Match.Substring)
	}
	if r.re != nil {
		return r.re.MatchString(command)
	}
	return false
}

// compile validates the rule and compiles its regex matcher.
func (r *Rule) compile() error {
	if r.ID == "" {
		return fmt.Errorf("rule is missing an id")
	}
	hasSub := r.Match.Substring != ""
	hasRe := r.Match.Regex != ""
	if hasSub == hasRe {
		return fmt.Errorf("rule %q: exactly one of substring or regex must be set", r.ID)
	}
	if hasRe {
		re, err := regexp.Compile(r.Match.Regex)
		if err != nil {
			return fmt.Errorf("rule %q: invalid regex: %w", r.ID, err)
		}
		r.re = re
	}
	return nil
}

// Policy is the full security policy document.
type Policy struct {
	Version string `yaml:"version"`

	// Whitelist lists executable names (leading command tokens) that may be
	// run. Matching is on the base name, so "ls" covers "/bin/ls".
	Whitelist []string `yaml:"whitelist"`

	// MaxCommandLength bounds the raw command string. Zero selects the default.
	MaxCommandLength int `yaml:"max_command_length"`

	// DenyRules is the base deny tier, checked against every command even
	// when its executable is whitelisted.
	DenyRules []Rule `yaml:"deny_rules"`

	// EnhancedRules is the contextual tier: network-egress and destructive
	// patterns, plus AIOnly rules applied when the caller tags the command
	// as AI-originated.
	EnhancedRules []Rule `yaml:"enhanced_rules"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Ban       Ban       `yaml:"ban"`

	whitelist map[string]bool
}

// RateLimit configures the per-client sliding-window ceiling.
type RateLimit struct {
	// PerWindow is the maximum command attempts per client per window.
	PerWindow int `yaml:"per_window"`
	// Window is the sliding-window interval.
	Window time.Duration `yaml:"window"`
}

// Ban configures the violation-streak ban ladder.
type Ban struct {
	// StreakThreshold is the number of consecutive blocked commands that
	// triggers a ban.
	StreakThreshold int `yaml:"streak_threshold"`
	// StreakWindow is how long a violation streak stays live without new
	// violations before it resets.
	StreakWindow time.Duration `yaml:"streak_window"`
	// Ladder lists ban durations; the n-th ban for a client uses the n-th
	// entry, and bans past the end of the ladder use the last entry (cap).
	Ladder []time.Duration `yaml:"ladder"`
}

// Whitelisted reports whether the given executable name is allowed.
func (p *Policy) Whitelisted(exe string) bool {
	return p.whitelist[exe]
}

// compile validates the policy and builds lookup structures.
func (p *Policy) compile() error {
	if len(p.Whitelist) == 0 {
		return fmt.Errorf("policy has an empty whitelist")
	}
	if p.MaxCommandLength <= 0 {
		p.MaxCommandLength = DefaultMaxCommandLength
	}
	if p.RateLimit.PerWindow <= 0 {
		p.RateLimit.PerWindow = DefaultRatePerWindow
	}
	if p.RateLimit.Window <= 0 {
		p.RateLimit.Window = DefaultRateWindow
	}
	if p.Ban.StreakThreshold <= 0 {
		p.Ban.StreakThreshold = DefaultStreakThreshold
	}
	if p.Ban.StreakWindow <= 0 {
		p.Ban.StreakWindow = DefaultStreakWindow
	}
	if len(p.Ban.Ladder) == 0 {
		p.Ban.Ladder = append([]time.Duration(nil), DefaultBanLadder...)
	}

	p.whitelist = make(map[string]bool, len(p.Whitelist))
	for _, exe := range p.Whitelist {
		p.whitelist[exe] = true
	}

	seen := make(map[string]bool)
	for _, tier := range [][]Rule{p.DenyRules, p.EnhancedRules} {
		for i := range tier {
			if err := tier[i].compile(); err != nil {
				return err
			}
			if seen[tier[i].ID] {
				return fmt.Errorf("duplicate rule id %q", tier[i].ID)
			}
			seen[tier[i].ID] = true
		}
	}
	return nil
}
