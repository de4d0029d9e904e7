package tracker

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Persist rewrites the blocklist file with one "address=unixExpiry" line per
// active block.
func (t *Tracker) Persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked()
}

// persistLocked is Persist for callers already holding t.mu. Failures are
// logged and the in-memory state stays authoritative.
func (t *Tracker) persistLocked() {
	if err := t.writeLocked(); err != nil {
		t.log.Printf("Failed to save blocklist: %v", err)
	}
}

func (t *Tracker) writeLocked() error {
	if t.cfg.Path == "" {
		return nil
	}

	addrs := make([]string, 0, len(t.blocks))
	for addr := range t.blocks {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var buf bytes.Buffer
	for _, addr := range addrs {
		fmt.Fprintf(&buf, "%s=%d\n", addr, t.blocks[addr].Unix())
	}

	if err := writeFileAtomic(t.cfg.Path, buf.Bytes()); err != nil {
		return err
	}
	log.Debugf("Saved blocklist to %s: %d IPs", t.cfg.Path, len(addrs))
	return nil
}

// Load merges the persisted blocklist into the tracker, skipping malformed
// lines and entries that have already expired. A missing file is created
// empty.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.Path == "" {
		return nil
	}

	f, err := os.Open(t.cfg.Path)
	if os.IsNotExist(err) {
		log.Printf("Blocklist file does not exist, creating %s", t.cfg.Path)
		return t.writeLocked()
	}
	if err != nil {
		return errors.Wrap(err, "failed to open blocklist file")
	}
	defer f.Close()

	now := t.now()
	loaded, skipped := 0, 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		addr, expiry, ok := parseEntry(line)
		if !ok {
			log.Warnf("Skipping invalid blocklist entry: %q", line)
			skipped++
			continue
		}
		if !now.Before(expiry) {
			skipped++
			continue
		}
		delete(t.windows, addr)
		t.blocks[addr] = expiry
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "failed to read blocklist file")
	}

	log.Printf("Loaded blocklist from %s: %d active, %d skipped", t.cfg.Path, loaded, skipped)
	return nil
}

func parseEntry(line string) (string, time.Time, bool) {
	addr, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", time.Time{}, false
	}
	addr = strings.TrimSpace(addr)
	value = strings.Trim(strings.TrimSpace(value), `"'`)
	if addr == "" {
		return "", time.Time{}, false
	}

	ts, err := strconv.ParseUint(value, 10, 63)
	if err != nil {
		return "", time.Time{}, false
	}
	return addr, time.Unix(int64(ts), 0), true
}

// writeFileAtomic replaces path through a temporary file in the same
// directory so readers never see a partial blocklist.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary blocklist file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write blocklist file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to write blocklist file")
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrap(err, "failed to set blocklist file mode")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to replace blocklist file")
}
