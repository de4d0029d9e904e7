package classify

import (
	"net"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Common/combined log format as written by Apache and nginx. Quotes inside
// the request line are backslash-escaped by both servers.
// Group 1: client address, group 2: request line, group 3: status.
var accessLogRegex = regexp.MustCompile(`^(\S+) \S+ \S+ \[[^\]]*\] "((?:[^"\\]|\\.)*)" (\d{3}|-) (?:\d+|-)`)

var methodRegex = regexp.MustCompile(`^[A-Z]+$`)

// ParseAccessLog extracts the client address and request target from a
// combined/common log format line. A line that does not have the structured
// form still yields a malformed WebEvent keyed by its first token. Only a
// line without any token is ErrUnparsable.
func ParseAccessLog(line string) (Event, error) {
	m := accessLogRegex.FindStringSubmatch(line)
	if m == nil {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil, ErrUnparsable
		}
		return WebEvent{Addr: fields[0], Malformed: true}, nil
	}

	target, ok := requestTarget(m[2])
	if !ok {
		return WebEvent{Addr: m[1], Malformed: true}, nil
	}
	return WebEvent{Addr: m[1], Target: target}, nil
}

// requestTarget splits "METHOD target PROTO" (or HTTP/0.9 "METHOD target").
func requestTarget(request string) (string, bool) {
	fields := strings.Fields(request)
	switch len(fields) {
	case 2:
	case 3:
		if !strings.HasPrefix(fields[2], "HTTP/") {
			return "", false
		}
	default:
		return "", false
	}
	if !methodRegex.MatchString(fields[0]) {
		return "", false
	}
	return fields[1], true
}

// ParseCaddyLog extracts the client address and request URI from a Caddy
// JSON access log line.
func ParseCaddyLog(line string) (Event, error) {
	if !gjson.Valid(line) {
		return nil, ErrUnparsable
	}

	req := gjson.Get(line, "request")
	addr := req.Get("client_ip").String()
	if addr == "" {
		addr = req.Get("remote_ip").String()
	}
	if addr == "" {
		if host, _, err := net.SplitHostPort(req.Get("remote_addr").String()); err == nil {
			addr = host
		}
	}
	if addr == "" {
		return nil, ErrUnparsable
	}

	uri := req.Get("uri").String()
	if uri == "" || req.Get("method").String() == "" {
		return WebEvent{Addr: addr, Malformed: true}, nil
	}
	return WebEvent{Addr: addr, Target: uri}, nil
}
