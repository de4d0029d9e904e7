package classify

// Event is a structured record extracted from a single log line. It is
// either a WebEvent or an AuthEvent.
type Event interface {
	Address() string
	event()
}

// WebEvent is a request seen in a web-server access log.
type WebEvent struct {
	Addr   string
	Target string
	// Malformed is set when the request line could not be split into
	// method, target and protocol (TLS bytes on a plaintext port, "-", ...).
	Malformed bool
}

func (e WebEvent) Address() string { return e.Addr }
func (WebEvent) event()            {}

// Signal identifies the kind of SSH authentication abuse.
type Signal int

const (
	FailedPassword Signal = iota + 1
	InvalidUser
)

func (s Signal) String() string {
	switch s {
	case FailedPassword:
		return "Failed password"
	case InvalidUser:
		return "Invalid user"
	default:
		return "unknown"
	}
}

// AuthEvent is an actionable SSH daemon authentication failure.
type AuthEvent struct {
	Addr   string
	Signal Signal
}

func (e AuthEvent) Address() string { return e.Addr }
func (AuthEvent) event()            {}
