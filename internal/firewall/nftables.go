package firewall

import (
	"github.com/apiban/nftlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// NFTables blocks addresses by adding them to an nftables set that an input
// rule drops. IPv6 addresses go to a separate set when one is configured.
type NFTables struct {
	set  string
	set6 string
}

// NewNFTables returns a backend for the named sets. An empty set6 disables
// IPv6 blocking.
func NewNFTables(set, set6 string) *NFTables {
	if set == "" {
		set = DefaultSet
	}
	return &NFTables{set: set, set6: set6}
}

func (f *NFTables) Name() string { return "nftables" }

func (f *NFTables) setFor(addr string) (string, error) {
	v6, err := isIPv6(addr)
	if err != nil {
		return "", err
	}
	if !v6 {
		return f.set, nil
	}
	if f.set6 == "" {
		return "", errors.Errorf("no nftables IPv6 set configured for %s", addr)
	}
	return f.set6, nil
}

// Prepare creates the IPv4 set and its input rule when the set is missing.
// The IPv6 set, if configured, must already exist.
func (f *NFTables) Prepare() error {
	if _, err := nftlib.NftListSet(f.set); err != nil {
		log.Printf("Set %s not found, creating it: %v", f.set, err)
		if err := addSet(f.set); err != nil {
			return err
		}
		if _, err := nftlib.NftListSet(f.set); err != nil {
			return errors.Wrapf(err, "cannot verify set %s", f.set)
		}
	}

	if f.set6 != "" {
		if _, err := nftlib.NftListSet(f.set6); err != nil {
			log.Warnf("IPv6 set %s not found, IPv6 addresses will not be blocked: %v", f.set6, err)
		}
	}
	return nil
}

func addSet(name string) error {
	chains, err := nftlib.NftGetInputChains()
	if err != nil {
		return errors.Wrap(err, "error finding an input chain")
	}
	if len(chains) == 0 {
		return errors.New("no nftables input chain found")
	}

	chain, err := nftlib.NftGetChainDetails(chains[0])
	if err != nil {
		return errors.Wrap(err, "error getting input chain details")
	}

	log.Printf("Creating set %s in %s %s", name, chain.Table, chain.Chain)
	if err := nftlib.NftAddSet(chain, name); err != nil {
		return errors.Wrapf(err, "unable to create set %s", name)
	}
	if err := nftlib.NftAddSetRuleInput(chain, name); err != nil {
		log.Warnf("Unable to create input rule for set %s, please create it manually: %v", name, err)
	}
	return nil
}

// Ban adds addr to its set unless it is already an element.
func (f *NFTables) Ban(addr string) error {
	name, err := f.setFor(addr)
	if err != nil {
		return err
	}
	details, err := nftlib.NftListSet(name)
	if err != nil {
		return errors.Wrapf(err, "failed to list set %s", name)
	}

	host := hostAddr(addr)
	if contains(details.Elements, host) {
		return nil
	}
	if err := nftlib.NftAddSetElement(details, host); err != nil {
		return errors.Wrapf(err, "failed to add %s to set %s", addr, name)
	}
	log.Debugf("Added %s to set %s", addr, name)
	return nil
}

// Unban removes addr from its set if present.
func (f *NFTables) Unban(addr string) error {
	name, err := f.setFor(addr)
	if err != nil {
		return err
	}
	details, err := nftlib.NftListSet(name)
	if err != nil {
		return errors.Wrapf(err, "failed to list set %s", name)
	}

	host := hostAddr(addr)
	if !contains(details.Elements, host) {
		return nil
	}
	if err := nftlib.NftDelSetElement(details, host); err != nil {
		return errors.Wrapf(err, "failed to remove %s from set %s", addr, name)
	}
	log.Debugf("Removed %s from set %s", addr, name)
	return nil
}

func (f *NFTables) sets() []string {
	if f.set6 == "" {
		return []string{f.set}
	}
	return []string{f.set, f.set6}
}

// Flush removes every element from the configured sets.
func (f *NFTables) Flush() error {
	for _, name := range f.sets() {
		details, err := nftlib.NftListSet(name)
		if err != nil {
			log.Printf("Set %s doesn't exist, nothing to flush", name)
			continue
		}
		for _, elem := range details.Elements {
			if err := nftlib.NftDelSetElement(details, elem); err != nil {
				return errors.Wrapf(err, "failed to remove %s from set %s", elem, name)
			}
		}
		log.Printf("Flushed nftables set: %s", name)
	}
	return nil
}

// Rules lists the set elements as "set address".
func (f *NFTables) Rules() ([]string, error) {
	var out []string
	for _, name := range f.sets() {
		details, err := nftlib.NftListSet(name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list set %s", name)
		}
		for _, elem := range details.Elements {
			out = append(out, name+" "+elem)
		}
	}
	return out, nil
}
