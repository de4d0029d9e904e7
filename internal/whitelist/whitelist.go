// Package whitelist holds the addresses and networks that are never blocked.
package whitelist

import (
	"bufio"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Whitelist is immutable once built and safe for concurrent use.
type Whitelist struct {
	prefixes []netip.Prefix
}

// Loopback networks are always whitelisted.
var loopback = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// New returns a whitelist of the loopback networks plus entries, each an IP
// address or CIDR. Invalid entries are skipped with a warning.
func New(entries ...string) *Whitelist {
	w := &Whitelist{prefixes: append([]netip.Prefix(nil), loopback...)}
	for _, e := range entries {
		if err := w.add(e); err != nil {
			log.Warnf("Invalid IP address or CIDR in whitelist: %v", err)
		}
	}
	return w
}

func (w *Whitelist) add(entry string) error {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return errors.Wrapf(err, "%q", entry)
		}
		w.prefixes = append(w.prefixes, p.Masked())
		return nil
	}
	ip, err := netip.ParseAddr(entry)
	if err != nil {
		return errors.Wrapf(err, "%q", entry)
	}
	ip = ip.Unmap()
	w.prefixes = append(w.prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	return nil
}

// Load builds a whitelist from a file with one IP or CIDR per line and '#'
// comments. A missing file is replaced by a commented example. When
// includeLocal is set, the addresses of the host's interfaces are added.
func Load(path string, includeLocal bool) (*Whitelist, error) {
	w := New()
	if includeLocal {
		w.addLocal()
	}
	if path == "" {
		return w, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		log.Printf("Whitelist file %s does not exist, creating example file", path)
		if err := createExample(path); err != nil {
			log.Warnf("Failed to create example whitelist file: %v", err)
		}
		return w, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open whitelist file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := w.add(line); err != nil {
			log.Printf("Invalid IP address or CIDR at line %d: %s", lineNum, line)
			continue
		}
		log.Debugf("Added %s to whitelist", line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading whitelist file")
	}
	return w, nil
}

func (w *Whitelist) addLocal() {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Warnf("Failed to list interface addresses: %v", err)
		return
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipNet.IP); ok {
			ip = ip.Unmap()
			w.prefixes = append(w.prefixes, netip.PrefixFrom(ip, ip.BitLen()))
		}
	}
}

// Contains reports whether addr is whitelisted. Unparsable input is not.
func (w *Whitelist) Contains(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range w.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Len returns the number of entries, including the built-in ones.
func (w *Whitelist) Len() int {
	return len(w.prefixes)
}

func createExample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", filepath.Dir(path))
	}
	content := `# logguard whitelist
# One IP address or CIDR range per line; these are never blocked.
# Loopback and the host's own addresses are always whitelisted.

# 192.168.1.10
# 10.0.0.0/8
# 2001:db8::/32
`
	return os.WriteFile(path, []byte(content), 0644)
}
