package control

import (
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotRunning is returned when no daemon listens on the socket.
	ErrNotRunning = errors.New("server socket not found, server may not be running")
	// ErrUnauthorized is returned when the daemon rejects the API key.
	ErrUnauthorized = errors.New("authentication failed: invalid API key")
)

// Send delivers one command to the daemon listening on path and returns its
// response.
func Send(path, apiKey string, cmd Command, target string) (Message, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Message{}, errors.Wrap(ErrNotRunning, path)
	}

	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return Message{}, errors.Wrap(err, "failed to connect to server")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	msg := Message{Command: string(cmd), Target: target, APIKey: apiKey}
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return Message{}, errors.Wrap(err, "failed to send command")
	}

	var response Message
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return Message{}, errors.Wrap(err, "failed to read response")
	}
	if response.Code == codeUnauthorized {
		return response, ErrUnauthorized
	}
	return response, nil
}
