package wire

import (
	"encoding/json"
	"errors"
	"io"
	"time"
)

const (
	// StatusAuthenticated acknowledges a handshake.
	StatusAuthenticated = "authenticated"
	// StatusSuccess marks a successful response.
	StatusSuccess = "success"
	// StatusError marks a failed response; Message says why.
	StatusError = "error"
)

var (
	// ErrNotAuthenticated is returned when a handshake is refused or malformed.
	ErrNotAuthenticated = errors.New("peer did not authenticate")
)

// Auth is the first record on every newly opened peer connection.
type Auth struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// AuthAck answers Auth.
type AuthAck struct {
	Status    string `json:"status"`
	HostID    int64  `json:"host_id,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

// Check returns ErrNotAuthenticated unless the ack grants access.
func (a *AuthAck) Check() error {
	if a.Status != StatusAuthenticated {
		return ErrNotAuthenticated
	}
	return nil
}

// Timestamp formats t the way every record on the wire carries time.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// Now is Timestamp(time.Now()).
func Now() string {
	return Timestamp(time.Now())
}

// WriteRecord encodes v as JSON and writes it as one frame.
func WriteRecord(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteBytes(w, data)
}

// ReadRecord reads one frame from r and decodes it into v.
func ReadRecord(r io.Reader, max uint64, v interface{}) error {
	data, err := ReadBytes(r, max)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
