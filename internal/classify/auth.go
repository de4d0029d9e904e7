package classify

import (
	"net/netip"
	"strings"
)

var authSignals = []Signal{FailedPassword, InvalidUser}

// ParseAuthLog recognizes failed-password and invalid-user lines written by
// sshd. Every other line, including connection-closed and PAM
// authentication-failure banners, yields no event and no error.
func ParseAuthLog(line string) (Event, error) {
	if !strings.Contains(line, "sshd") {
		return nil, nil
	}

	for _, sig := range authSignals {
		i := strings.Index(line, sig.String())
		if i < 0 {
			continue
		}
		if addr, ok := addressAfterFrom(line[i+len(sig.String()):]); ok {
			return AuthEvent{Addr: addr, Signal: sig}, nil
		}
	}
	return nil, nil
}

// addressAfterFrom returns the token in " from <addr> ". The last occurrence
// is used because the user name before it is chosen by the client.
func addressAfterFrom(rest string) (string, bool) {
	i := strings.LastIndex(rest, " from ")
	if i < 0 {
		return "", false
	}
	rest = rest[i+len(" from "):]
	if j := strings.IndexByte(rest, ' '); j >= 0 {
		rest = rest[:j]
	}
	if _, err := netip.ParseAddr(rest); err != nil {
		return "", false
	}
	return rest, true
}
