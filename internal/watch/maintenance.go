package watch

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Maintainer is the part of the tracker driven by the maintenance loop.
type Maintainer interface {
	Cleanup()
	Persist() error
	Stats() (tracked, blocked int)
}

// Maintain runs Cleanup followed by Persist every interval until ctx is
// cancelled. A failing or panicking tick does not stop the loop.
func Maintain(ctx context.Context, m Maintainer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Started periodic cleanup every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maintainOnce(m)
		}
	}
}

func maintainOnce(m Maintainer) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered from panic in cleanup: %v", r)
		}
	}()

	m.Cleanup()
	if err := m.Persist(); err != nil {
		log.Printf("Warning: Failed to save blocklist during periodic cleanup: %v", err)
	}
	tracked, blocked := m.Stats()
	log.Debugf("Periodic cleanup done: %d tracked, %d blocked", tracked, blocked)
}
