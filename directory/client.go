package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chatmesh/database"
	"github.com/chatmesh/wire"
)

const defaultCallTimeout = 10 * time.Second

// ErrUnexpectedResponse the server answered with the wrong record type
var ErrUnexpectedResponse = errors.New("unexpected directory response")

// Client one connection to the directory. Calls are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial Dial
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
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
	return resp, nil
}

// Register submit_info
func (c *Client) Register(ctx context.Context, peer *database.Peer) error {
	resp, err := c.call(ctx, &Request{
		Type:      TypeSubmitInfo,
		PeerID:    peer.ID,
		IP:        peer.IP,
		Port:      peer.Port,
		HostPort:  peer.HostPort,
		MediaPort: peer.MediaPort,
		Username:  peer.Username,
		Status:    peer.Status,
	})
	if err != nil {
		return err
	}
	return expect(resp, TypeSubmitAck)
}

// ListPeers get_list
func (c *Client) ListPeers(ctx context.Context) (map[string]database.Peer, error) {
	resp, err := c.call(ctx, &Request{Type: TypeGetList})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, TypePeerList); err != nil {
		return nil, err
	}
	if resp.Peers == nil {
		resp.Peers = make(map[string]database.Peer)
	}
	return resp.Peers, nil
}

// Introduce returns target's endpoint or ErrPeerNotFound.
func (c *Client) Introduce(ctx context.Context, target string) (*database.Peer, error) {
	resp, err := c.call(ctx, &Request{Type: TypeIntroduce, TargetPeer: target})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, TypeP2PConnect); err != nil {
		return nil, err
	}
	return resp.PeerInfo, nil
}

// SetStatus set_status
func (c *Client) SetStatus(ctx context.Context, peerID string, status string) error {
	resp, err := c.call(ctx, &Request{Type: TypeSetStatus, PeerID: peerID, Status: status})
	if err != nil {
		return err
	}
	return expect(resp, TypeStatusAck)
}

// Close Close
func (c *Client) Close() error {
	return c.conn.Close()
}

func expect(resp *Response, typ string) error {
	if resp.Type == TypeError {
		if resp.Code == CodeNotFound {
			return fmt.Errorf("%w: %s", ErrPeerNotFound, resp.Message)
		}
		return fmt.Errorf("%w: %s", ErrServer, resp.Message)
	}
	if resp.Type != typ {
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Type)
	}
	return nil
}
