// Package validate implements the ordered command validation pipeline. Every
// inbound command passes through the same chain of stages, first rejection
// wins, and every call appends exactly one audit entry before returning.
package validate

import (
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/termgate/internal/audit"
	"github.com/gluk-w/termgate/internal/logutil"
	"github.com/gluk-w/termgate/internal/policy"
	"github.com/gluk-w/termgate/internal/security"
)

// Rule IDs for the pipeline's built-in stages. Deny-rule rejections carry the
// offending rule's own ID from the policy file.
const (
	RuleBanned         = "Banned"
	RuleRateLimited    = "RateLimited"
	RuleCommandTooLong = "CommandTooLong"
	RuleControlChars   = "ControlCharacters"
	RuleMalformed      = "Malformed"
	RuleNotWhitelisted = "NotWhitelisted"
	RulePathTraversal  = "PathTraversal"
)

// Origin tags who produced a command. The tag is asserted by the caller and
// selects the deny-rule tier only; it is not a security boundary, since a
// caller could mislabel an AI command as human-originated.
type Origin string

const (
	OriginHuman Origin = "human"
	OriginAI    Origin = "ai"
)

// Request is one command submitted for validation.
type Request struct {
	Command       string
	ClientID      string
	SessionID     string
	WorkspaceRoot string
	Origin        Origin
}

// Result is the pipeline's decision. A false Allowed short-circuited the
// remaining stages at the stage named by RuleID.
type Result struct {
	Allowed    bool
	RuleID     string
	Reason     string
	RetryAfter time.Duration // set for Banned and RateLimited rejections
}

// Pipeline runs the ordered validator chain: ban check, rate limit,
// structural checks, whitelist and base deny tier, path containment, then the
// enhanced contextual tier.
type Pipeline struct {
	policy *policy.Policy
	guard  *security.Guard
	sink   audit.Sink
	nowFn  func() time.Time
}

// NewPipeline assembles a pipeline over the given policy, client guard and
// audit sink.
func NewPipeline(p *policy.Policy, guard *security.Guard, sink audit.Sink) *Pipeline {
	return &Pipeline{
		policy: p,
		guard:  guard,
		sink:   sink,
		nowFn:  time.Now,
	}
}

// Validate runs the full chain for one command. Exactly one audit entry is
// appended per call, before the decision is returned, so that an allowed
// command is audited before it can reach the shell process.
func (p *Pipeline) Validate(req Request) Result {
	res := p.evaluate(req)

	if res.Allowed {
		p.guard.RecordAllowed(req.ClientID)
	} else {
		if until, banned := p.guard.RecordViolation(req.ClientID); banned {
			log.Printf("[validate] client %s ban escalated until %s after %s rejection",
				req.ClientID, until.Format(time.RFC3339), res.RuleID)
		}
	}

	decision := audit.DecisionAllowed
	if !res.Allowed {
		decision = audit.DecisionBlocked
	}
	p.sink.Append(audit.Entry{
		Timestamp: p.nowFn(),
		ClientID:  req.ClientID,
		SessionID: req.SessionID,
		Command:   req.Command,
		Decision:  decision,
		RuleID:    res.RuleID,
		Reason:    res.Reason,
	})

	if !res.Allowed {
		log.Printf("[validate] blocked client=%s session=%s rule=%s cmd=%q",
			req.ClientID, req.SessionID, res.RuleID, logutil.TruncateCommand(req.Command))
	}
	return res
}

// evaluate runs the stages in order without touching counters or the audit
// sink; Validate owns that bookkeeping.
func (p *Pipeline) evaluate(req Request) Result {
	// Stage 1: ban check. Fast path, no pattern evaluation for banned clients.
	if remaining, banned := p.guard.CheckBan(req.ClientID); banned {
		return Result{
			RuleID:     RuleBanned,
			Reason:     fmt.Sprintf("client is banned, retry in %s", remaining.Truncate(time.Second)),
			RetryAfter: remaining,
		}
	}

	// Rate limit: counts every non-banned attempt and shares the violation
	// ladder with pattern rejections.
	if ok, retryAfter := p.guard.AllowRate(req.ClientID); !ok {
		return Result{
			RuleID:     RuleRateLimited,
			Reason:     fmt.Sprintf("rate ceiling exceeded, retry in %s", retryAfter.Truncate(time.Second)),
			RetryAfter: retryAfter,
		}
	}

	// Stage 2: structural checks.
	if len(req.Command) > p.policy.MaxCommandLength {
		return Result{
			RuleID: RuleCommandTooLong,
			Reason: fmt.Sprintf("command exceeds %d bytes", p.policy.MaxCommandLength),
		}
	}
	for _, r := range req.Command {
		if r == 0 || (r < 32 && r != '\t') {
			return Result{RuleID: RuleControlChars, Reason: "command contains control characters"}
		}
	}

	calls, err := parseCommand(req.Command)
	if err != nil {
		return Result{RuleID: RuleMalformed, Reason: "command could not be parsed as shell input"}
	}

	// Stage 3: whitelist. Every simple command in the line must name a
	// whitelisted executable; pipelines cannot smuggle one past the check.
	for _, c := range calls {
		name := exeName(c.exe)
		if name == "" || !p.policy.Whitelisted(name) {
			return Result{
				RuleID: RuleNotWhitelisted,
				Reason: fmt.Sprintf("executable %q is not in the allow-list", logutil.SanitizeForLog(c.exe)),
			}
		}
	}

	// Base deny tier: checked even for whitelisted executables, because
	// arguments can still be dangerous.
	for i := range p.policy.DenyRules {
		rule := &p.policy.DenyRules[i]
		if rule.Matches(req.Command) {
			return Result{RuleID: rule.ID, Reason: rule.Reason}
		}
	}

	// Stage 4: path containment, symlinks resolved before the check. The
	// executable token is checked too: the whitelist matches base names, so
	// without this an out-of-workspace binary named after a whitelisted
	// executable would run.
	for _, c := range calls {
		if looksLikePath(c.exe) && !executableContained(req.WorkspaceRoot, c.exe) {
			return Result{
				RuleID: RulePathTraversal,
				Reason: fmt.Sprintf("executable path %q resolves outside the workspace", logutil.SanitizeForLog(c.exe)),
			}
		}
		for _, arg := range c.args {
			if !looksLikePath(arg) {
				continue
			}
			if !containedInWorkspace(req.WorkspaceRoot, arg) {
				return Result{
					RuleID: RulePathTraversal,
					Reason: fmt.Sprintf("path %q resolves outside the workspace", logutil.SanitizeForLog(arg)),
				}
			}
		}
	}

	// Stage 5: enhanced contextual tier. AIOnly rules apply only to commands
	// tagged as AI-originated.
	for i := range p.policy.EnhancedRules {
		rule := &p.policy.EnhancedRules[i]
		if rule.AIOnly && req.Origin != OriginAI {
			continue
		}
		if rule.Matches(req.Command) {
			return Result{RuleID: rule.ID, Reason: rule.Reason}
		}
	}

	return Result{Allowed: true}
}

// SetNowFunc sets the clock used for audit timestamps in tests.
func (p *Pipeline) SetNowFunc(fn func() time.Time) {
	p.nowFn = fn
}
