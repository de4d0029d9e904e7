// Package tracker counts abusive events per address over a sliding window
// and keeps the time-bounded blocklist, persisted to a text file.
package tracker

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Enforcer installs and removes packet-filter rules for an address. Both
// calls must be idempotent; errors are logged and never stop the tracker.
type Enforcer interface {
	Ban(addr string) error
	Unban(addr string) error
}

// Logger receives block, unblock and enforcement outcome messages.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Config is fixed for the lifetime of a Tracker.
type Config struct {
	Threshold     int
	Window        time.Duration
	BlockDuration time.Duration
	// Path of the persisted blocklist. Empty disables persistence.
	Path string
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sends block and unblock messages to l instead of logrus.
func WithLogger(l Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// Tracker owns the attempt windows and the blocklist. State changes are
// serialized by mu; an address is never both blocked and tracked in a
// window. Enforcer calls run after mu is released, serialized by emu in the
// order the state changed.
type Tracker struct {
	mu       sync.Mutex
	emu      sync.Mutex
	cfg      Config
	enforcer Enforcer
	now      func() time.Time
	log      Logger

	windows map[string][]time.Time
	blocks  map[string]time.Time
}

// action is a pending Ban or Unban collected while mu is held.
type action struct {
	addr string
	ban  bool
}

// New returns an empty tracker. Call Load to restore the persisted blocklist.
func New(cfg Config, enforcer Enforcer, opts ...Option) *Tracker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if enforcer == nil {
		enforcer = nopEnforcer{}
	}
	t := &Tracker{
		cfg:      cfg,
		enforcer: enforcer,
		now:      time.Now,
		log:      log.StandardLogger(),
		windows:  make(map[string][]time.Time),
		blocks:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsBlocked reports whether addr has an unexpired block. An expired block is
// removed, unbanned and the blocklist rewritten before returning false.
func (t *Tracker) IsBlocked(addr string) bool {
	t.mu.Lock()
	expiry, ok := t.blocks[addr]
	if !ok || t.now().Before(expiry) {
		t.mu.Unlock()
		return ok
	}
	a := t.releaseLocked(addr, "expired")
	t.persistLocked()
	t.unlockAndEnforce(a)
	return false
}

// RegisterAttempt records one abusive event for addr and blocks it once
// Threshold events fall within Window. It returns true when this call
// installed the block. Attempts from an actively blocked address are ignored.
func (t *Tracker) RegisterAttempt(addr string) bool {
	t.mu.Lock()

	var actions []action
	now := t.now()
	if expiry, ok := t.blocks[addr]; ok {
		if now.Before(expiry) {
			t.mu.Unlock()
			return false
		}
		actions = append(actions, t.releaseLocked(addr, "expired"))
	}

	window := prune(append(t.windows[addr], now), now, t.cfg.Window)
	if len(window) < t.cfg.Threshold {
		t.windows[addr] = window
		t.unlockAndEnforce(actions...)
		return false
	}

	delete(t.windows, addr)
	expiry := now.Add(t.cfg.BlockDuration)
	t.blocks[addr] = expiry
	t.log.Printf("Blocking IP %s until %s (%d attempts in %s)",
		addr, expiry.Format(time.DateTime), len(window), t.cfg.Window)
	t.persistLocked()
	t.unlockAndEnforce(append(actions, action{addr: addr, ban: true})...)
	return true
}

// Cleanup drops empty or stale attempt windows and releases every block
// whose term has passed.
func (t *Tracker) Cleanup() {
	t.mu.Lock()

	now := t.now()
	for addr, window := range t.windows {
		window = prune(window, now, t.cfg.Window)
		if len(window) == 0 {
			delete(t.windows, addr)
			continue
		}
		t.windows[addr] = window
	}

	var actions []action
	for addr, expiry := range t.blocks {
		if !now.Before(expiry) {
			actions = append(actions, t.releaseLocked(addr, "expired"))
		}
	}
	t.unlockAndEnforce(actions...)
}

// Release removes an active block before its term ends. It returns false if
// addr was not blocked.
func (t *Tracker) Release(addr string) bool {
	t.mu.Lock()
	if _, ok := t.blocks[addr]; !ok {
		t.mu.Unlock()
		return false
	}
	a := t.releaseLocked(addr, "released")
	t.persistLocked()
	t.unlockAndEnforce(a)
	return true
}

// Reapply sends every active block to the enforcer again, as needed after a
// restart when the packet filter was flushed. It returns the number of
// successful bans.
func (t *Tracker) Reapply() int {
	t.mu.Lock()
	now := t.now()
	var actions []action
	for addr, expiry := range t.blocks {
		if now.Before(expiry) {
			actions = append(actions, action{addr: addr, ban: true})
		}
	}
	return t.unlockAndEnforce(actions...)
}

// Blocked returns a copy of the active blocks and their expiry times.
func (t *Tracker) Blocked() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make(map[string]time.Time, len(t.blocks))
	for addr, expiry := range t.blocks {
		if now.Before(expiry) {
			out[addr] = expiry
		}
	}
	return out
}

// Stats returns the number of tracked windows and blocklist entries.
func (t *Tracker) Stats() (tracked, blocked int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows), len(t.blocks)
}

// releaseLocked drops the block for addr and returns the matching Unban.
// Callers must hold t.mu.
func (t *Tracker) releaseLocked(addr, reason string) action {
	delete(t.blocks, addr)
	t.log.Printf("Unblocking IP %s (%s)", addr, reason)
	return action{addr: addr}
}

// unlockAndEnforce releases t.mu, which the caller must hold, and then runs
// actions against the enforcer. emu is taken before mu is released so that
// enforcement follows the order of state changes. It returns the number of
// calls that succeeded.
func (t *Tracker) unlockAndEnforce(actions ...action) int {
	if len(actions) == 0 {
		t.mu.Unlock()
		return 0
	}
	t.emu.Lock()
	t.mu.Unlock()
	defer t.emu.Unlock()

	n := 0
	for _, a := range actions {
		if a.ban {
			if err := t.enforcer.Ban(a.addr); err != nil {
				t.log.Printf("Failed to block IP %s: %v", a.addr, err)
				continue
			}
		} else if err := t.enforcer.Unban(a.addr); err != nil {
			t.log.Printf("Failed to unblock IP %s: %v", a.addr, err)
			continue
		}
		n++
	}
	return n
}

// prune drops timestamps older than window, reusing the backing array.
func prune(window []time.Time, now time.Time, d time.Duration) []time.Time {
	kept := window[:0]
	for _, ts := range window {
		if now.Sub(ts) <= d {
			kept = append(kept, ts)
		}
	}
	return kept
}

type nopEnforcer struct{}

func (nopEnforcer) Ban(string) error   { return nil }
func (nopEnforcer) Unban(string) error { return nil }
