package database

import "errors"

var (
	// ErrChannelNotFound the channel does not exist in the store
	ErrChannelNotFound = errors.New("channel not found")
)

// Store is the durable collaborator behind a channel host. It is the
// source of truth; everything the host keeps in memory is rebuilt from it.
type Store interface {
	// LoadChannel returns ErrChannelNotFound for an unknown id.
	LoadChannel(channelID int64) (*Channel, error)
	// ListMessages returns up to limit messages, most recent first. A
	// positive beforeID restricts the result to ids below it.
	ListMessages(channelID int64, limit int, beforeID int64) ([]*Message, error)
	// AppendMessage persists msg and fills in its ID and CreatedAt.
	AppendMessage(msg *Message) error
	// MessagesSince returns every message with id > lastID, ascending.
	MessagesSince(channelID int64, lastID int64) ([]*Message, error)
	IsMember(channelID int64, userID int64) (bool, error)
	ListMembers(channelID int64) ([]*ChannelMembership, error)
	AddMember(channelID int64, userID int64) error
	ListOwnedChannels(ownerID int64) ([]*Channel, error)
	// CreateChannel persists ch together with the owner's membership.
	CreateChannel(ch *Channel) error
}
