package host

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chatmesh/database"
	"github.com/chatmesh/wire"
)

const defaultCallTimeout = 10 * time.Second

// Client is a member's connection to a channel host. Calls are serialized
// and strictly request/response.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	hostID int64
}

// Dial connects to addr and authenticates as userID.
func Dial(ctx context.Context, addr string, userID int64, username string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	conn.SetDeadline(deadline)

	auth := &wire.Auth{UserID: userID, Username: username, Timestamp: wire.Now()}
	if err := wire.WriteRecord(conn, auth); err != nil {
		conn.Close()
		return nil, err
	}
	ack := &wire.AuthAck{}
	if err := wire.ReadRecord(conn, wire.DefaultMaxFrameSize, ack); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ack.Check(); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return &Client{conn: conn, hostID: ack.HostID}, nil
}

// HostID the owner id the host announced
func (c *Client) HostID() int64 {
	return c.hostID
}

// Call sends req and waits for its response. An error response is
// returned together with ErrRequestFailed.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := wire.WriteRecord(c.conn, req); err != nil {
		return nil, err
	}
	resp := &Response{}
	if err := wire.ReadRecord(c.conn, wire.DefaultMaxFrameSize, resp); err != nil {
		return nil, err
	}
	if resp.Status != wire.StatusSuccess {
		return resp, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Message)
	}
	return resp, nil
}

// ChannelInfo get_channel_info
func (c *Client) ChannelInfo(ctx context.Context, channelID int64) (*ChannelInfo, []Member, error) {
	resp, err := c.Call(ctx, &Request{Action: ActionGetChannelInfo, ChannelID: channelID})
	if err != nil {
		return nil, nil, err
	}
	return resp.ChannelInfo, resp.Members, nil
}

// Messages get_channel_messages; limit <= 0 uses the host default and a
// zero beforeID starts from the most recent message.
func (c *Client) Messages(ctx context.Context, channelID int64, limit int, beforeID int64) ([]*database.Message, error) {
	resp, err := c.Call(ctx, &Request{
		Action:    ActionGetChannelMessages,
		ChannelID: channelID,
		Limit:     limit,
		BeforeID:  beforeID,
	})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage send_message; media may be nil.
func (c *Client) SendMessage(ctx context.Context, channelID int64, content string, media *MediaRef) (int64, error) {
	req := &Request{Action: ActionSendMessage, ChannelID: channelID, Content: content}
	if media != nil {
		req.HasMedia = true
		req.MediaType = media.Type
		req.MediaPath = media.Path
		req.MediaName = media.Name
	}
	resp, err := c.Call(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

// FetchUpdates returns every message after lastID, oldest first.
func (c *Client) FetchUpdates(ctx context.Context, channelID int64, lastID int64) ([]*database.Message, error) {
	resp, err := c.Call(ctx, &Request{
		Action:        ActionFetchUpdates,
		ChannelID:     channelID,
		LastMessageID: &lastID,
	})
	if err != nil {
		return nil, err
	}
	return resp.NewMessages, nil
}

// Close Close
func (c *Client) Close() error {
	return c.conn.Close()
}
