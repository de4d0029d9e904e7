package firewall

import (
	"github.com/coreos/go-iptables/iptables"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const filterTable = "filter"

// IPTables keeps one rule per blocked address in a dedicated chain that is
// jumped to from INPUT, for both iptables and ip6tables.
type IPTables struct {
	chain  string
	target string
	v4     *iptables.IPTables
	v6     *iptables.IPTables
}

// NewIPTables opens the iptables and, when available, ip6tables backends.
func NewIPTables(chain, target string) (*IPTables, error) {
	if chain == "" {
		chain = DefaultChain
	}
	if target == "" {
		target = DefaultTarget
	}

	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, errors.Wrap(err, "iptables command not found")
	}
	v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		log.Warnf("ip6tables not available, IPv6 addresses will not be blocked: %v", err)
		v6 = nil
	}
	return &IPTables{chain: chain, target: target, v4: v4, v6: v6}, nil
}

func (f *IPTables) Name() string { return "iptables" }

func (f *IPTables) handles() []*iptables.IPTables {
	if f.v6 == nil {
		return []*iptables.IPTables{f.v4}
	}
	return []*iptables.IPTables{f.v4, f.v6}
}

func (f *IPTables) handle(addr string) (*iptables.IPTables, error) {
	v6, err := isIPv6(addr)
	if err != nil {
		return nil, err
	}
	if !v6 {
		return f.v4, nil
	}
	if f.v6 == nil {
		return nil, errors.Errorf("ip6tables not available for %s", addr)
	}
	return f.v6, nil
}

// Prepare creates the chain, or flushes it if it already exists, and makes
// sure INPUT jumps to it.
func (f *IPTables) Prepare() error {
	for _, ipt := range f.handles() {
		chains, err := ipt.ListChains(filterTable)
		if err != nil {
			return errors.Wrap(err, "failed to read iptables")
		}
		if contains(chains, f.chain) {
			log.Printf("Using existing iptables chain: %s (flushed)", f.chain)
		} else {
			log.Printf("Creating custom iptables chain: %s", f.chain)
		}
		if err := ipt.ClearChain(filterTable, f.chain); err != nil {
			return errors.Wrapf(err, "failed to clear chain %s", f.chain)
		}

		linked, err := ipt.Exists(filterTable, "INPUT", "-j", f.chain)
		if err != nil {
			return errors.Wrap(err, "failed to check INPUT chain")
		}
		if !linked {
			if err := ipt.Insert(filterTable, "INPUT", 1, "-j", f.chain); err != nil {
				return errors.Wrapf(err, "failed to add chain %s to INPUT", f.chain)
			}
		}
	}
	return nil
}

func (f *IPTables) rule(addr string) []string {
	return []string{"-s", hostAddr(addr), "-j", f.target}
}

// Ban appends a rule for addr unless it already exists.
func (f *IPTables) Ban(addr string) error {
	ipt, err := f.handle(addr)
	if err != nil {
		return err
	}
	if err := ipt.AppendUnique(filterTable, f.chain, f.rule(addr)...); err != nil {
		return errors.Wrapf(err, "failed to add rule for %s", addr)
	}
	log.Debugf("Added block rule for %s", addr)
	return nil
}

// Unban removes the rule for addr if it exists.
func (f *IPTables) Unban(addr string) error {
	ipt, err := f.handle(addr)
	if err != nil {
		return err
	}
	if err := ipt.DeleteIfExists(filterTable, f.chain, f.rule(addr)...); err != nil {
		return errors.Wrapf(err, "failed to remove rule for %s", addr)
	}
	log.Debugf("Removed block rule for %s", addr)
	return nil
}

// Flush empties the chain, leaving the INPUT jump in place.
func (f *IPTables) Flush() error {
	for _, ipt := range f.handles() {
		exists, err := ipt.ChainExists(filterTable, f.chain)
		if err != nil {
			return errors.Wrap(err, "failed to read iptables")
		}
		if !exists {
			log.Printf("Chain %s doesn't exist, nothing to flush", f.chain)
			continue
		}
		if err := ipt.ClearChain(filterTable, f.chain); err != nil {
			return errors.Wrapf(err, "failed to flush chain %s", f.chain)
		}
	}
	log.Printf("Flushed iptables chain: %s", f.chain)
	return nil
}

// Rules lists the rules in the chain for every available family.
func (f *IPTables) Rules() ([]string, error) {
	var out []string
	for _, ipt := range f.handles() {
		rules, err := ipt.List(filterTable, f.chain)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list chain %s", f.chain)
		}
		out = append(out, rules...)
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
