// Package classify turns log lines into events and decides whether an event
// is abusive. Classification depends only on the current line.
package classify

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnparsable is returned for a line with no extractable client address.
var ErrUnparsable = errors.New("unparsable log line")

// Format is the log format of a watched source.
type Format int

const (
	FormatApache Format = iota + 1
	FormatCaddy
	FormatSSH
)

// String returns the name used in configuration prefixes.
func (f Format) String() string {
	switch f {
	case FormatApache:
		return "apache"
	case FormatCaddy:
		return "caddy"
	case FormatSSH:
		return "ssh"
	default:
		return "unknown"
	}
}

// ParseFormat maps a configuration name to a Format. "nginx" and "web" are
// accepted as aliases for the combined log format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "apache", "nginx", "web":
		return FormatApache, nil
	case "caddy":
		return FormatCaddy, nil
	case "ssh", "sshd", "auth":
		return FormatSSH, nil
	default:
		return 0, errors.Errorf("unknown log format %q", name)
	}
}

// InferFormat guesses the format from a file name.
func InferFormat(path string) Format {
	base := filepath.Base(path)
	switch {
	case base == "auth.log" || base == "secure":
		return FormatSSH
	case strings.HasSuffix(base, ".json"):
		return FormatCaddy
	default:
		return FormatApache
	}
}

// Source is a watched log path together with its format and, for web
// formats, the rules used to classify requests.
type Source struct {
	Format Format
	Path   string
	Rules  *RuleSet
}

// ParseSource reads a configured log path entry of the form
// "[format:]path". Without a prefix the format is inferred from the name.
func ParseSource(entry string, rules *RuleSet) (Source, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return Source{}, errors.New("empty log path")
	}

	src := Source{Path: entry, Rules: rules}
	if prefix, rest, ok := strings.Cut(entry, ":"); ok && !strings.ContainsRune(prefix, '/') {
		f, err := ParseFormat(prefix)
		if err != nil {
			return Source{}, err
		}
		src.Format = f
		src.Path = strings.TrimSpace(rest)
		if src.Path == "" {
			return Source{}, errors.Errorf("empty path in %q", entry)
		}
	} else {
		src.Format = InferFormat(entry)
	}
	return src, nil
}

// WithPath returns a copy of s for another file of the same kind, as used
// when a watched directory fans out to the files inside it.
func (s Source) WithPath(path string) Source {
	s.Path = path
	return s
}

// Prefix is the tag used in diagnostic log lines.
func (s Source) Prefix() string {
	switch s.Format {
	case FormatCaddy:
		return "CADDY"
	case FormatSSH:
		return "SSH"
	default:
		return "APACHE"
	}
}

// Parse extracts an event from a line. A nil event with a nil error means
// the line carries nothing actionable.
func (s Source) Parse(line string) (Event, error) {
	switch s.Format {
	case FormatCaddy:
		return ParseCaddyLog(line)
	case FormatSSH:
		return ParseAuthLog(line)
	default:
		return ParseAccessLog(line)
	}
}

// Classify returns whether ev is abusive and a short reason.
func (s Source) Classify(ev Event) (string, bool) {
	switch e := ev.(type) {
	case WebEvent:
		if e.Malformed {
			return "malformed-request", true
		}
		rules := s.Rules
		if rules == nil {
			rules = defaultRules
		}
		return rules.Match(e.Target)
	case AuthEvent:
		return e.Signal.String(), true
	default:
		return "", false
	}
}

// IsAbusive reports whether ev should count toward blocking its address.
func (s Source) IsAbusive(ev Event) bool {
	_, bad := s.Classify(ev)
	return bad
}
