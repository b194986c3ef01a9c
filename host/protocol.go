package host

import (
	"errors"

	"github.com/chatmesh/database"
)

// request actions
const (
	ActionGetChannelInfo     = "get_channel_info"
	ActionGetChannelMessages = "get_channel_messages"
	ActionSendMessage        = "send_message"
	ActionFetchUpdates       = "fetch_updates"
)

// DefaultLimit messages returned when a request names no limit
const DefaultLimit = 50

// error messages carried in error responses
const (
	msgMissingAction  = "Missing action parameter"
	msgUnknownAction  = "Unknown action: %s"
	msgMissingChannel = "Missing channel_id parameter"
	msgNotHosted      = "Channel not hosted on this server"
	msgNotMember      = "User is not a member of this channel"
	msgEmptyMessage   = "Message must have content or media"
	msgMissingLastID  = "Missing last_message_id parameter"
	msgLoadFailed     = "Failed to load channel data"
	msgSendFailed     = "Failed to send message: %v"
	msgFetchFailed    = "Failed to fetch updates: %v"
)

// ErrRequestFailed the host answered with an error response
var ErrRequestFailed = errors.New("host request failed")

// Request is one member request.
type Request struct {
	Action    string `json:"action"`
	ChannelID int64  `json:"channel_id,omitempty"`

	// get_channel_messages
	Limit    int   `json:"limit,omitempty"`
	BeforeID int64 `json:"before_id,omitempty"`

	// send_message
	Content   string `json:"content,omitempty"`
	HasMedia  bool   `json:"has_media,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	MediaPath string `json:"media_path,omitempty"`
	MediaName string `json:"media_name,omitempty"`

	// fetch_updates; zero is a valid value, absence is not
	LastMessageID *int64 `json:"last_message_id,omitempty"`
}

// ChannelInfo the cached channel description
type ChannelInfo struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
	OwnerID   int64  `json:"owner_id"`
	CreatedAt string `json:"created_at"`
}

// Member Member
type Member struct {
	UserID   int64  `json:"user_id"`
	JoinedAt string `json:"joined_at"`
}

// Response answers a Request. Status is success or error; on error Message
// says why.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`

	ChannelInfo *ChannelInfo        `json:"channel_info,omitempty"`
	Members     []Member            `json:"members,omitempty"`
	Messages    []*database.Message `json:"messages,omitempty"`

	MessageID int64  `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	ChannelID   int64               `json:"channel_id,omitempty"`
	NewMessages []*database.Message `json:"new_messages,omitempty"`
}

// MediaRef points at a media payload a message carries.
type MediaRef struct {
	Type string
	Path string
	Name string
}
