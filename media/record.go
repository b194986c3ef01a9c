package media

import (
	"errors"
	"time"
)

// record actions
const (
	ActionSendMedia    = "send_media"
	ActionRequestMedia = "request_media"
)

var (
	// ErrFileTooLarge the file exceeds Config.MaxFileSize
	ErrFileTooLarge = errors.New("file too large to transfer")
	// ErrPeerNotConnected no live media connection to the user
	ErrPeerNotConnected = errors.New("peer not connected")
	// ErrNotRunning the node has not been started or was stopped
	ErrNotRunning = errors.New("media node not running")
	// ErrWrongPeer the remote authenticated as a different user
	ErrWrongPeer = errors.New("remote answered as another user")
)

// Record is one framed media record. MediaData travels base64 encoded.
type Record struct {
	Action         string `json:"action"`
	MediaID        string `json:"media_id"`
	MediaType      string `json:"media_type,omitempty"`
	MediaName      string `json:"media_name,omitempty"`
	MediaData      []byte `json:"media_data,omitempty"`
	TargetID       int64  `json:"target_id,omitempty"`
	IsChannel      bool   `json:"is_channel,omitempty"`
	Content        string `json:"content,omitempty"`
	SenderID       int64  `json:"sender_id"`
	SenderUsername string `json:"sender_username,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// Staged describes a payload handed to SendMedia.
type Staged struct {
	MediaID   string
	MediaPath string
	MediaType string
	MediaName string
	// Sent is the number of peers the payload was written to.
	Sent int
}

// Received is announced to OnMediaReceived callbacks for every stored
// payload.
type Received struct {
	MediaID      string
	MediaPath    string
	MediaType    string
	MediaName    string
	Size         int64
	FromUserID   int64
	FromUsername string
	TargetID     int64
	IsChannel    bool
	Content      string
	ReceivedAt   time.Time
}
