package firewall

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Preview logs what would be blocked without touching the packet filter.
// It remembers the addresses it was asked to ban so Rules reflects them.
type Preview struct {
	mu     sync.Mutex
	banned map[string]struct{}
}

func NewPreview() *Preview {
	return &Preview{banned: make(map[string]struct{})}
}

func (p *Preview) Name() string { return "preview" }

func (p *Preview) Prepare() error {
	log.Printf("Preview mode: no firewall rules will be installed")
	return nil
}

func (p *Preview) Ban(addr string) error {
	if _, err := isIPv6(addr); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banned[addr] = struct{}{}
	log.Printf("[PREVIEW] Would block %s", addr)
	return nil
}

func (p *Preview) Unban(addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.banned, addr)
	log.Printf("[PREVIEW] Would unblock %s", addr)
	return nil
}

func (p *Preview) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banned = make(map[string]struct{})
	return nil
}

func (p *Preview) Rules() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.banned))
	for addr := range p.banned {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}
