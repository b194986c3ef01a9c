package realtime

import (
	"encoding/json"
	"time"

	"github.com/chatmesh/database"
	"github.com/chatmesh/wire"
)

// event types
const (
	TypeFriendRequest         = "friend_request"
	TypeFriendRequestAccepted = "friend_request_accepted"
	TypeFriendRequestRejected = "friend_request_rejected"
	TypeMessage               = "message"
	TypeStatusChange          = "status_change"
)

// Event is one push record. Which fields are set depends on Type.
type Event struct {
	Type string `json:"type"`

	// status_change
	UserID int64  `json:"user_id,omitempty"`
	Status string `json:"status,omitempty"`

	// friend_request
	SenderID       int64  `json:"sender_id,omitempty"`
	SenderUsername string `json:"sender_username,omitempty"`
	RequestID      int64  `json:"request_id,omitempty"`

	// friend_request_accepted / friend_request_rejected
	FriendID       int64  `json:"friend_id,omitempty"`
	FriendUsername string `json:"friend_username,omitempty"`

	// message
	Message *database.Message `json:"message,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`

	// From is the authenticated user id of the link the event arrived on.
	From int64 `json:"-"`
}

// NewMessageEvent wraps msg for delivery.
func NewMessageEvent(msg *database.Message) *Event {
	return &Event{Type: TypeMessage, Message: msg, Timestamp: wire.Timestamp(time.Now())}
}

// NewStatusEvent NewStatusEvent
func NewStatusEvent(userID int64, status string) *Event {
	return &Event{Type: TypeStatusChange, UserID: userID, Status: status, Timestamp: wire.Now()}
}

// Encode Encode
func (e *Event) Encode() ([]byte, error) {
	if e.Timestamp == "" {
		e.Timestamp = wire.Now()
	}
	return json.Marshal(e)
}

// Listeners are the callbacks a Link dispatches inbound events to. Nil
// callbacks are skipped.
type Listeners struct {
	OnFriendRequest         func(ev *Event)
	OnFriendRequestAccepted func(ev *Event)
	OnFriendRequestRejected func(ev *Event)
	OnMessage               func(ev *Event)
	OnStatusChange          func(ev *Event)
}

func (l *Listeners) handler(typ string) func(ev *Event) {
	switch typ {
	case TypeFriendRequest:
		return l.OnFriendRequest
	case TypeFriendRequestAccepted:
		return l.OnFriendRequestAccepted
	case TypeFriendRequestRejected:
		return l.OnFriendRequestRejected
	case TypeMessage:
		return l.OnMessage
	case TypeStatusChange:
		return l.OnStatusChange
	}
	return nil
}
