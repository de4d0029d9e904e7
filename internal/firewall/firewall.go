// Package firewall installs and removes per-address block rules in the host
// packet filter.
package firewall

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// Firewall is a ban/unban capability backed by a packet filter.
type Firewall interface {
	// Name identifies the backend in log messages.
	Name() string
	// Prepare creates or resets the chain or set the backend owns.
	Prepare() error
	Ban(addr string) error
	Unban(addr string) error
	// Flush removes every rule installed by the backend.
	Flush() error
	// Rules lists the installed rules, for diagnostics.
	Rules() ([]string, error)
}

// Options selects and configures a backend.
type Options struct {
	Type   string
	Chain  string
	Target string
	Set    string
	Set6   string
}

const (
	DefaultChain  = "logguard"
	DefaultTarget = "REJECT"
	DefaultSet    = "logguard"
)

// New returns the backend named by opts.Type: "iptables", "nftables" or
// "preview". The returned firewall is not prepared.
func New(opts Options) (Firewall, error) {
	switch strings.ToLower(opts.Type) {
	case "", "iptables":
		return NewIPTables(opts.Chain, opts.Target)
	case "nftables", "nft":
		return NewNFTables(opts.Set, opts.Set6), nil
	case "preview", "none":
		return NewPreview(), nil
	default:
		return nil, errors.Errorf("unknown firewall type %q", opts.Type)
	}
}

// isIPv6 reports whether addr must go through the IPv6 filter. IPv4-mapped
// IPv6 addresses are handled as IPv4.
func isIPv6(addr string) (bool, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false, errors.Wrapf(err, "invalid address %q", addr)
	}
	return !ip.Unmap().Is4(), nil
}

// hostAddr strips an IPv4-mapped prefix so rules are written in the family's
// own notation.
func hostAddr(addr string) string {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return addr
	}
	return ip.Unmap().String()
}
