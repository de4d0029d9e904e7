// Package control serves list, check and unblock commands to the logguard
// CLI over a Unix domain socket.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Command names accepted by the server.
type Command string

const (
	ListCommand    Command = "list"
	CheckCommand   Command = "check"
	UnblockCommand Command = "unblock"
)

const codeUnauthorized = "unauthorized"

// Message is both the request and the response on the socket, one JSON
// object per connection in each direction.
type Message struct {
	Command string `json:"command"`
	Target  string `json:"target,omitempty"`
	Result  string `json:"result,omitempty"`
	Success bool   `json:"success"`
	APIKey  string `json:"api_key,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Blocklist is the part of the tracker the server exposes.
type Blocklist interface {
	IsBlocked(addr string) bool
	Release(addr string) bool
	Blocked() map[string]time.Time
}

// Server accepts commands on a Unix socket.
type Server struct {
	path     string
	apiKey   string
	blocks   Blocklist
	listener net.Listener
	wg       sync.WaitGroup
}

// Listen creates the socket at path, replacing a stale one.
func Listen(path, apiKey string, blocks Blocklist) (*Server, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, errors.Wrap(err, "failed to remove existing socket")
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create socket directory")
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create socket")
	}

	// Without an API key only root may talk to the daemon.
	mode := os.FileMode(0600)
	if apiKey != "" {
		mode = 0666
	}
	if err := os.Chmod(path, mode); err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "failed to set socket permissions")
	}

	log.Printf("Socket server listening on %s", path)
	return &Server{path: path, apiKey: apiKey, blocks: blocks, listener: listener}, nil
}

// Serve handles connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
	s.wg.Wait()
	os.Remove(s.path)
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var msg Message
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		log.Printf("Error decoding message: %v", err)
		return
	}
	log.Debugf("Received command: %s, target: %s", msg.Command, msg.Target)

	var response Message
	if s.apiKey != "" && msg.APIKey != s.apiKey {
		log.Warnf("Rejected %s command with invalid API key", msg.Command)
		response = Message{
			Command: msg.Command,
			Target:  msg.Target,
			Result:  "Authentication failed: Invalid API key",
			Code:    codeUnauthorized,
		}
	} else {
		response = s.process(msg)
	}

	if err := json.NewEncoder(conn).Encode(response); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func (s *Server) process(msg Message) Message {
	response := Message{Command: msg.Command, Target: msg.Target}

	switch Command(msg.Command) {
	case ListCommand:
		response.Result = FormatBlocked(s.blocks.Blocked())
		response.Success = true

	case CheckCommand:
		if err := ValidateTarget(msg.Target); err != nil {
			response.Result = err.Error()
			break
		}
		if s.blocks.IsBlocked(msg.Target) {
			response.Result = fmt.Sprintf("%s is blocked", msg.Target)
		} else {
			response.Result = fmt.Sprintf("%s is not blocked", msg.Target)
		}
		response.Success = true

	case UnblockCommand:
		if err := ValidateTarget(msg.Target); err != nil {
			response.Result = err.Error()
			break
		}
		if s.blocks.Release(msg.Target) {
			response.Result = fmt.Sprintf("Successfully unblocked %s", msg.Target)
			response.Success = true
		} else {
			response.Result = fmt.Sprintf("%s is not blocked", msg.Target)
		}

	default:
		response.Result = fmt.Sprintf("Unknown command: %s", msg.Command)
	}
	return response
}

// ValidateTarget checks that target is a single IP address.
func ValidateTarget(target string) error {
	if target == "" {
		return errors.New("target IP is required")
	}
	if _, err := netip.ParseAddr(target); err != nil {
		return errors.Errorf("invalid IP address: %s", target)
	}
	return nil
}

// FormatBlocked renders a blocklist snapshot, soonest expiry first.
func FormatBlocked(blocked map[string]time.Time) string {
	if len(blocked) == 0 {
		return "No IPs are currently blocked"
	}

	addrs := make([]string, 0, len(blocked))
	for addr := range blocked {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		a, b := blocked[addrs[i]], blocked[addrs[j]]
		if a.Equal(b) {
			return addrs[i] < addrs[j]
		}
		return a.Before(b)
	})

	var sb strings.Builder
	sb.WriteString("Blocked IPs:\n")
	for _, addr := range addrs {
		fmt.Fprintf(&sb, "IP: %s until %s\n", addr, blocked[addr].Local().Format(time.DateTime))
	}
	return sb.String()
}
