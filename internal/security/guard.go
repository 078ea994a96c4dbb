// Package security tracks per-client command velocity and issues temporary,
// escalating bans. Rate-limit violations and pattern violations feed one
// shared escalation ladder so a client cannot evade banning by alternating
// violation types.
package security

import (
	"log"
	"sync"
	"time"

	"github.com/gluk-w/termgate/internal/policy"
)

// clientState holds the security bookkeeping for one client identifier.
// Counters are process-lifetime; window fields implement the sliding-window
// rate limit.
type clientState struct {
	commandCount uint64
	blockedCount uint64

	windowStart time.Time
	windowCount int

	bannedUntil   time.Time
	banCount      int // prior bans, drives the ladder index
	streak        int // consecutive blocked commands
	lastViolation time.Time
	lastSeen      time.Time
}

// Guard enforces per-client rate limits and bans. State is created lazily on
// first use and garbage-collected by Sweep once a client has been quiet with
// no sessions and no active ban.
type Guard struct {
	mu      sync.Mutex
	clients map[string]*clientState

	rate  policy.RateLimit
	ban   policy.Ban
	nowFn func() time.Time // injectable clock for testing
}

// NewGuard creates a Guard with the given rate and ban configuration.
func NewGuard(rate policy.RateLimit, ban policy.Ban) *Guard {
	return &Guard{
		clients: make(map[string]*clientState),
		rate:    rate,
		ban:     ban,
		nowFn:   time.Now,
	}
}

// CheckBan reports whether the client is currently banned, and if so for how
// much longer. Ban checks do not count against the rate window.
func (g *Guard) CheckBan(clientID string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	s := g.getOrCreate(clientID, now)
	if now.Before(s.bannedUntil) {
		return s.bannedUntil.Sub(now), true
	}
	return 0, false
}

// AllowRate records one allowed-path command attempt against the client's
// sliding window and reports whether it fits under the ceiling. When the
// ceiling is exceeded the returned duration is the time until the window
// resets, for use as a retry-after hint.
func (g *Guard) AllowRate(clientID string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	s := g.getOrCreate(clientID, now)

	if now.Sub(s.windowStart) >= g.rate.Window {
		s.windowStart = now
		s.windowCount = 0
	}
	s.windowCount++
	if s.windowCount > g.rate.PerWindow {
		return false, s.windowStart.Add(g.rate.Window).Sub(now)
	}
	return true, 0
}

// RecordAllowed notes a command that cleared every validation stage. It
// resets the client's violation streak.
func (g *Guard) RecordAllowed(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.getOrCreate(clientID, g.nowFn())
	s.commandCount++
	s.streak = 0
}

// RecordViolation notes a blocked command (pattern or rate-limit rejection).
// When the client's consecutive-violation streak crosses the configured
// threshold within the streak window, a ban is issued with a duration that
// escalates along the ladder, capped at the last entry. Returns the ban
// expiry and true when a new ban was issued.
func (g *Guard) RecordViolation(clientID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	s := g.getOrCreate(clientID, now)
	s.blockedCount++

	if s.streak > 0 && now.Sub(s.lastViolation) > g.ban.StreakWindow {
		s.streak = 0
	}
	s.streak++
	s.lastViolation = now

	if s.streak < g.ban.StreakThreshold {
		return time.Time{}, false
	}

	idx := s.banCount
	if idx >= len(g.ban.Ladder) {
		idx = len(g.ban.Ladder) - 1
	}
	duration := g.ban.Ladder[idx]
	s.bannedUntil = now.Add(duration)
	s.banCount++
	s.streak = 0

	log.Printf("[security] client %s banned for %s (ban #%d, %d consecutive violations)",
		clientID, duration, s.banCount, g.ban.StreakThreshold)
	return s.bannedUntil, true
}

// Status is a read-only snapshot of a client's security state.
type Status struct {
	CommandCount uint64     `json:"command_count"`
	BlockedCount uint64     `json:"blocked_count"`
	WindowCount  int        `json:"window_count"`
	Streak       int        `json:"violation_streak"`
	BanCount     int        `json:"ban_count"`
	BannedUntil  *time.Time `json:"banned_until,omitempty"`
}

// Snapshot returns the current state for a client. Unknown clients return a
// zero Status.
func (g *Guard) Snapshot(clientID string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.clients[clientID]
	if !ok {
		return Status{}
	}
	st := Status{
		CommandCount: s.commandCount,
		BlockedCount: s.blockedCount,
		WindowCount:  s.windowCount,
		Streak:       s.streak,
		BanCount:     s.banCount,
	}
	if g.nowFn().Before(s.bannedUntil) {
		bu := s.bannedUntil
		st.BannedUntil = &bu
	}
	return st
}

// Sweep removes state for clients idle longer than ttl that have no active
// ban and, per hasSessions, no live sessions. Returns the number removed.
func (g *Guard) Sweep(ttl time.Duration, hasSessions func(clientID string) bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	removed := 0
	for id, s := range g.clients {
		if now.Sub(s.lastSeen) < ttl {
			continue
		}
		if now.Before(s.bannedUntil) {
			continue
		}
		if hasSessions != nil && hasSessions(id) {
			continue
		}
		delete(g.clients, id)
		removed++
	}
	if removed > 0 {
		log.Printf("[security] swept %d idle client states", removed)
	}
	return removed
}

// getOrCreate returns the state for a client, creating it lazily.
// Must be called with g.mu held.
func (g *Guard) getOrCreate(clientID string, now time.Time) *clientState {
	s, ok := g.clients[clientID]
	if !ok {
		s = &clientState{windowStart: now}
		g.clients[clientID] = s
	}
	s.lastSeen = now
	return s
}

// SetNowFunc sets the clock function used for testing.
func (g *Guard) SetNowFunc(fn func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nowFn = fn
}
