package database

import (
	"time"
)

const (
	// RoleOwner marks the membership row of a channel's owner.
	RoleOwner = "owner"
	// RoleMember is the default membership role.
	RoleMember = "member"
)

const (
	// StatusOnline peer is reachable
	StatusOnline = "online"
	// StatusOffline peer went away
	StatusOffline = "offline"
	// StatusInvisible peer is online but hides its presence
	StatusInvisible = "invisible"
)

// Channel 频道，由 owner 所在的节点托管
type Channel struct {
	ID            int64     `xorm:"pk autoincr 'id'" json:"id"`
	Name          string    `xorm:"'name' varchar(128) unique" json:"name"`
	OwnerID       int64     `xorm:"'owner_id' index" json:"owner_id"`
	IsPrivate     bool      `xorm:"'is_private'" json:"is_private"`
	AllowVisitors bool      `xorm:"'allow_visitors'" json:"allow_visitors"`
	CreatedAt     time.Time `xorm:"'created_at' created" json:"created_at"`
}

// TableName xorm table
func (Channel) TableName() string { return "channels" }

// Message 聊天消息, either addressed to a channel or direct to a user.
type Message struct {
	ID         int64     `xorm:"pk autoincr 'id'" json:"id"`
	Content    string    `xorm:"'content' text" json:"content"`
	SenderID   int64     `xorm:"'sender_id' index" json:"sender_id"`
	ChannelID  int64     `xorm:"'channel_id' index" json:"channel_id,omitempty"`
	ReceiverID int64     `xorm:"'receiver_id'" json:"receiver_id,omitempty"`
	IsDirect   bool      `xorm:"'is_direct'" json:"is_direct,omitempty"`
	HasMedia   bool      `xorm:"'has_media'" json:"has_media"`
	MediaType  string    `xorm:"'media_type' varchar(32)" json:"media_type,omitempty"`
	MediaPath  string    `xorm:"'media_path' varchar(512)" json:"media_path,omitempty"`
	MediaName  string    `xorm:"'media_name' varchar(255)" json:"media_name,omitempty"`
	CreatedAt  time.Time `xorm:"'created_at' created" json:"created_at"`
}

// TableName xorm table
func (Message) TableName() string { return "messages" }

// ChannelMembership 频道成员
type ChannelMembership struct {
	ID        int64     `xorm:"pk autoincr 'id'" json:"-"`
	UserID    int64     `xorm:"'user_id' index" json:"user_id"`
	ChannelID int64     `xorm:"'channel_id' index" json:"-"`
	Role      string    `xorm:"'role' varchar(16)" json:"role,omitempty"`
	JoinedAt  time.Time `xorm:"'joined_at' created" json:"joined_at"`
}

// TableName xorm table
func (ChannelMembership) TableName() string { return "channel_memberships" }

// Peer 目录服务中登记的节点
type Peer struct {
	ID        string `json:"peer_id"`
	Username  string `json:"username,omitempty"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	HostPort  int    `json:"host_port,omitempty"`
	MediaPort int    `json:"media_port,omitempty"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}
