// Package watch feeds appended log lines through the classifier into the
// tracker, and runs the periodic expiry sweep.
package watch

import (
	"net/netip"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/wltechblog/logguard/internal/classify"
)

// Blocklist is the part of the tracker used per line.
type Blocklist interface {
	IsBlocked(addr string) bool
	RegisterAttempt(addr string) bool
}

// Whitelist reports addresses that must never be registered.
type Whitelist interface {
	Contains(addr string) bool
}

// Journal records classification anomalies and registrations.
type Journal interface {
	Printf(format string, args ...interface{})
}

// LineHandler consumes one complete line read from a source.
type LineHandler interface {
	HandleLine(src classify.Source, line string)
}

// Pipeline classifies lines and registers abusive ones. It keeps no state
// between lines.
type Pipeline struct {
	blocks    Blocklist
	whitelist Whitelist
	journal   Journal
}

// NewPipeline returns a pipeline. whitelist may be nil.
func NewPipeline(blocks Blocklist, whitelist Whitelist, journal Journal) *Pipeline {
	if journal == nil {
		journal = log.StandardLogger()
	}
	return &Pipeline{blocks: blocks, whitelist: whitelist, journal: journal}
}

// HandleLine runs one line through parse, address checks and classification.
func (p *Pipeline) HandleLine(src classify.Source, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	prefix := src.Prefix()
	log.Tracef("[%s] %s", prefix, line)

	ev, err := src.Parse(line)
	if err != nil {
		p.journal.Printf("[%s] Failed to parse line: %s", prefix, line)
		return
	}
	if ev == nil {
		return
	}

	addr := ev.Address()
	if _, err := netip.ParseAddr(addr); err != nil {
		p.journal.Printf("[%s] Invalid address %q in line: %s", prefix, addr, line)
		return
	}
	if p.whitelist != nil && p.whitelist.Contains(addr) {
		log.Debugf("IP %s is whitelisted, skipping", addr)
		return
	}
	if p.blocks.IsBlocked(addr) {
		return
	}

	reason, bad := src.Classify(ev)
	if !bad {
		return
	}
	p.journal.Printf("[%s] Registering IP %s (%s)", prefix, addr, reason)
	p.blocks.RegisterAttempt(addr)
}
