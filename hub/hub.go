// Package hub runs everything one logged-in user needs: the channel host
// for the channels they own, the realtime link, the media node and the
// directory registration that makes them reachable.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatmesh/database"
	"github.com/chatmesh/directory"
	"github.com/chatmesh/host"
	"github.com/chatmesh/media"
	"github.com/chatmesh/realtime"
)

var (
	// ErrNotRunning the hub has not been started or was stopped
	ErrNotRunning = errors.New("hub not running")
	// ErrUnreachable no link to the user even after asking the directory
	ErrUnreachable = errors.New("user unreachable")
	// ErrNoDirectory the directory could not be reached
	ErrNoDirectory = errors.New("directory not reachable")
)

// Hub 一个登录用户的节点
type Hub struct {
	config Config
	logger *log.Logger
	store  database.Store

	host  *host.Host
	link  *realtime.Link
	media *media.Node

	running int32
	quit    chan struct{}

	dmu sync.Mutex
	dir *directory.Client

	smu    sync.RWMutex
	status string

	cmu     sync.Mutex
	clients map[int64]*host.Client // channel owner id -> host connection
}

func componentLogger(l *log.Logger, prefix string) *log.Logger {
	return log.New(l.Writer(), prefix, l.Flags())
}

// NewHub 创建节点，组件在 Start 时才监听端口
func NewHub(config *Config) (*Hub, error) {
	c := *config
	if c.UserID == 0 {
		return nil, errors.New("hub: user id is required")
	}
	if c.Store == nil {
		return nil, errors.New("hub: store is required")
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}

	lc := c.Realtime
	lc.UserID, lc.Username, lc.ListenIP = c.UserID, c.Username, c.ListenIP
	if lc.Logger == nil {
		lc.Logger = componentLogger(c.Logger, "[realtime] ")
	}
	link := realtime.NewLink(&lc)

	hc := c.Host
	hc.OwnerID, hc.ListenIP, hc.Store, hc.Notifier = c.UserID, c.ListenIP, c.Store, link
	if hc.Logger == nil {
		hc.Logger = componentLogger(c.Logger, "[host] ")
	}

	mc := c.Media
	mc.UserID, mc.Username, mc.ListenIP = c.UserID, c.Username, c.ListenIP
	if mc.Logger == nil {
		mc.Logger = componentLogger(c.Logger, "[media] ")
	}

	h := &Hub{
		config:  c,
		logger:  c.Logger,
		store:   c.Store,
		host:    host.NewHost(&hc),
		link:    link,
		media:   media.NewNode(&mc),
		quit:    make(chan struct{}),
		status:  database.StatusOnline,
		clients: make(map[int64]*host.Client),
	}
	h.media.OnMediaReceived(h.bridgeMedia)
	return h, nil
}

// Start starts the link, the host and the media node in that order and
// registers with the directory. A component that fails to start stops
// the ones already running. An unreachable directory is retried by Run.
func (h *Hub) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return nil
	}
	if err := h.link.Start(); err != nil {
		atomic.StoreInt32(&h.running, 0)
		return err
	}
	if err := h.host.Start(); err != nil {
		h.link.Stop()
		atomic.StoreInt32(&h.running, 0)
		return err
	}
	if err := h.media.Start(); err != nil {
		h.host.Stop()
		h.link.Stop()
		atomic.StoreInt32(&h.running, 0)
		return err
	}

	h.logger.Printf("user %d (%s) up: realtime %d, host %d, media %d",
		h.config.UserID, h.config.Username, h.link.Port(), h.host.Port(), h.media.Port())
	if err := h.announce(ctx); err != nil {
		h.logger.Printf("register with directory: %v", err)
	}
	return nil
}

// Run keeps the directory registration fresh until ctx is done or the hub
// is stopped, then stops the hub.
func (h *Hub) Run(ctx context.Context) error {
	if atomic.LoadInt32(&h.running) == 0 {
		return ErrNotRunning
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(h.config.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				cctx, cancel := context.WithTimeout(ctx, defaultCallWait)
				if err := h.announce(cctx); err != nil {
					h.logger.Printf("heartbeat: %v", err)
				}
				cancel()
			case <-ctx.Done():
				return nil
			case <-h.quit:
				return nil
			}
		}
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-h.quit:
		}
		h.Stop()
		return nil
	})
	return g.Wait()
}

// Host Host
func (h *Hub) Host() *host.Host {
	return h.host
}

// Link Link
func (h *Hub) Link() *realtime.Link {
	return h.link
}

// Media Media
func (h *Hub) Media() *media.Node {
	return h.media
}

// Observe registers listeners for inbound realtime events.
func (h *Hub) Observe(listeners *realtime.Listeners) {
	h.link.Observe(listeners)
}

// OnMediaReceived registers cb for every payload stored by the media node.
func (h *Hub) OnMediaReceived(cb func(*media.Received)) {
	h.media.OnMediaReceived(cb)
}

// Status the status last announced
func (h *Hub) Status() string {
	h.smu.RLock()
	defer h.smu.RUnlock()
	return h.status
}

func peerID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// dirClient returns the directory connection, dialing it when needed.
// Callers hold dmu.
func (h *Hub) dirClient(ctx context.Context) (*directory.Client, error) {
	if h.dir != nil {
		return h.dir, nil
	}
	if h.config.DirectoryAddr == "" {
		return nil, ErrNoDirectory
	}
	c, err := directory.Dial(ctx, h.config.DirectoryAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDirectory, err)
	}
	h.dir = c
	return c, nil
}

// withDirectory runs fn on the directory connection. Any failure but an
// unknown peer drops the connection so the next call redials.
func (h *Hub) withDirectory(ctx context.Context, fn func(c *directory.Client) error) error {
	h.dmu.Lock()
	defer h.dmu.Unlock()
	c, err := h.dirClient(ctx)
	if err != nil {
		return err
	}
	err = fn(c)
	if err != nil && !errors.Is(err, directory.ErrPeerNotFound) {
		c.Close()
		h.dir = nil
	}
	return err
}

// announce registers every port of this node under the user's id.
func (h *Hub) announce(ctx context.Context) error {
	rec := &database.Peer{
		ID:        peerID(h.config.UserID),
		Username:  h.config.Username,
		IP:        h.config.AdvertiseIP,
		Port:      h.link.Port(),
		HostPort:  h.host.Port(),
		MediaPort: h.media.Port(),
		Status:    h.Status(),
	}
	return h.withDirectory(ctx, func(c *directory.Client) error {
		return c.Register(ctx, rec)
	})
}

// Introduce asks the directory where userID can be reached.
func (h *Hub) Introduce(ctx context.Context, userID int64) (*database.Peer, error) {
	var p *database.Peer
	err := h.withDirectory(ctx, func(c *directory.Client) error {
		var err error
		p, err = c.Introduce(ctx, peerID(userID))
		return err
	})
	return p, err
}

// Peers lists every peer the directory knows.
func (h *Hub) Peers(ctx context.Context) (map[string]database.Peer, error) {
	var peers map[string]database.Peer
	err := h.withDirectory(ctx, func(c *directory.Client) error {
		var err error
		peers, err = c.ListPeers(ctx)
		return err
	})
	return peers, err
}

// ConnectPeer opens the realtime and media links to userID using the
// endpoint the directory reports. Only the realtime link is required.
func (h *Hub) ConnectPeer(ctx context.Context, userID int64) error {
	if atomic.LoadInt32(&h.running) == 0 {
		return ErrNotRunning
	}
	p, err := h.Introduce(ctx, userID)
	if err != nil {
		return err
	}
	if err := h.link.ConnectTo(ctx, userID, p.IP, p.Port); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if p.MediaPort != 0 && !h.media.Connected(userID) {
		if err := h.media.ConnectTo(ctx, userID, p.IP, p.MediaPort); err != nil {
			h.logger.Printf("media link to user %d: %v", userID, err)
		}
	}
	return nil
}

// sendEvent pushes ev to userID, asking the directory for a fresh
// endpoint and retrying once when there is no live link.
func (h *Hub) sendEvent(ctx context.Context, userID int64, ev *realtime.Event) error {
	if atomic.LoadInt32(&h.running) == 0 {
		return ErrNotRunning
	}
	if h.link.Send(userID, ev) {
		return nil
	}
	if err := h.ConnectPeer(ctx, userID); err != nil {
		return fmt.Errorf("%w: user %d: %v", ErrUnreachable, userID, err)
	}
	if !h.link.Send(userID, ev) {
		return fmt.Errorf("%w: user %d", ErrUnreachable, userID)
	}
	return nil
}

// SendDirect stores a direct message and pushes it to receiverID. The
// message stays stored when the receiver cannot be reached.
func (h *Hub) SendDirect(ctx context.Context, receiverID int64, content string) (*database.Message, error) {
	if atomic.LoadInt32(&h.running) == 0 {
		return nil, ErrNotRunning
	}
	msg := &database.Message{
		Content:    content,
		SenderID:   h.config.UserID,
		ReceiverID: receiverID,
		IsDirect:   true,
	}
	if err := h.store.AppendMessage(msg); err != nil {
		return nil, err
	}
	return msg, h.sendEvent(ctx, receiverID, realtime.NewMessageEvent(msg))
}

// hostClient returns a member connection to ownerID's channel host.
func (h *Hub) hostClient(ctx context.Context, ownerID int64) (*host.Client, error) {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	if c, ok := h.clients[ownerID]; ok {
		return c, nil
	}
	p, err := h.Introduce(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if p.HostPort == 0 {
		return nil, fmt.Errorf("%w: user %d hosts no channels", ErrUnreachable, ownerID)
	}
	addr := net.JoinHostPort(p.IP, strconv.Itoa(p.HostPort))
	c, err := host.Dial(ctx, addr, h.config.UserID, h.config.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	h.clients[ownerID] = c
	return c, nil
}

func (h *Hub) dropClient(ownerID int64, c *host.Client) {
	h.cmu.Lock()
	if cur, ok := h.clients[ownerID]; ok && cur == c {
		delete(h.clients, ownerID)
	}
	h.cmu.Unlock()
	c.Close()
}

// Channel runs fn against the host serving ownerID's channels. A failed
// call is retried once on a fresh connection; error responses are not.
func (h *Hub) Channel(ctx context.Context, ownerID int64, fn func(c *host.Client) error) error {
	if atomic.LoadInt32(&h.running) == 0 {
		return ErrNotRunning
	}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var c *host.Client
		c, err = h.hostClient(ctx, ownerID)
		if err != nil {
			return err
		}
		err = fn(c)
		if err == nil || errors.Is(err, host.ErrRequestFailed) {
			return err
		}
		h.dropClient(ownerID, c)
	}
	return err
}

// SendChannelMessage posts to a channel. Channels this user owns are
// served locally; the others go to their owner's host.
func (h *Hub) SendChannelMessage(ctx context.Context, channelID int64, ownerID int64, content string, ref *host.MediaRef) (int64, error) {
	if atomic.LoadInt32(&h.running) == 0 {
		return 0, ErrNotRunning
	}
	if ownerID == h.config.UserID || h.host.IsHosted(channelID) {
		return h.host.Post(channelID, h.config.UserID, content, ref)
	}
	var id int64
	err := h.Channel(ctx, ownerID, func(c *host.Client) error {
		var err error
		id, err = c.SendMessage(ctx, channelID, content, ref)
		return err
	})
	return id, err
}

// BroadcastStatus announces status to every linked user and the
// directory. It returns how many users were reached.
func (h *Hub) BroadcastStatus(ctx context.Context, status string) (int, error) {
	if atomic.LoadInt32(&h.running) == 0 {
		return 0, ErrNotRunning
	}
	h.smu.Lock()
	h.status = status
	h.smu.Unlock()

	n := h.link.Broadcast(realtime.NewStatusEvent(h.config.UserID, status))
	err := h.withDirectory(ctx, func(c *directory.Client) error {
		return c.SetStatus(ctx, peerID(h.config.UserID), status)
	})
	if err != nil {
		h.logger.Printf("status %s not recorded by the directory: %v", status, err)
	}
	return n, err
}

// SendFriendRequest SendFriendRequest
func (h *Hub) SendFriendRequest(ctx context.Context, userID int64, requestID int64) error {
	return h.sendEvent(ctx, userID, &realtime.Event{
		Type:           realtime.TypeFriendRequest,
		SenderID:       h.config.UserID,
		SenderUsername: h.config.Username,
		RequestID:      requestID,
	})
}

// RespondFriendRequest tells userID whether their request was accepted.
func (h *Hub) RespondFriendRequest(ctx context.Context, userID int64, requestID int64, accept bool) error {
	typ := realtime.TypeFriendRequestRejected
	if accept {
		typ = realtime.TypeFriendRequestAccepted
	}
	return h.sendEvent(ctx, userID, &realtime.Event{
		Type:           typ,
		RequestID:      requestID,
		FriendID:       h.config.UserID,
		FriendUsername: h.config.Username,
	})
}

// ShareMedia sends the file at path. Direct media first makes sure a
// media link to targetID exists. Channel media is written to every linked
// peer, and posted to the channel when this user hosts it.
func (h *Hub) ShareMedia(ctx context.Context, path string, mediaType string, targetID int64, isChannel bool, caption string) (*media.Staged, error) {
	if atomic.LoadInt32(&h.running) == 0 {
		return nil, ErrNotRunning
	}
	if !isChannel && !h.media.Connected(targetID) {
		if err := h.ConnectPeer(ctx, targetID); err != nil {
			return nil, err
		}
	}
	staged, err := h.media.SendMedia(path, mediaType, targetID, isChannel, caption)
	if err != nil {
		return nil, err
	}
	if isChannel && h.host.IsHosted(targetID) {
		ref := &host.MediaRef{Type: mediaType, Path: staged.MediaPath, Name: staged.MediaName}
		if _, err := h.host.Post(targetID, h.config.UserID, caption, ref); err != nil {
			h.logger.Printf("channel %d: post media %s: %v", targetID, staged.MediaID, err)
		}
	}
	return staged, nil
}

// bridgeMedia posts channel media received for a channel hosted here.
// Senders that are not members are refused by the host.
func (h *Hub) bridgeMedia(r *media.Received) {
	if !r.IsChannel || !h.host.IsHosted(r.TargetID) {
		return
	}
	ref := &host.MediaRef{Type: r.MediaType, Path: r.MediaPath, Name: r.MediaName}
	if _, err := h.host.Post(r.TargetID, r.FromUserID, r.Content, ref); err != nil {
		h.logger.Printf("channel %d: media %s from user %d: %v", r.TargetID, r.MediaID, r.FromUserID, err)
	}
}

// Stop announces offline, then stops the media node, the host and the
// link. It is idempotent.
func (h *Hub) Stop() {
	if !atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		return
	}
	close(h.quit)

	h.link.Broadcast(realtime.NewStatusEvent(h.config.UserID, database.StatusOffline))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	h.dmu.Lock()
	if h.dir != nil {
		if err := h.dir.SetStatus(ctx, peerID(h.config.UserID), database.StatusOffline); err != nil {
			h.logger.Printf("set offline: %v", err)
		}
		h.dir.Close()
		h.dir = nil
	}
	h.dmu.Unlock()
	cancel()

	h.cmu.Lock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
	h.cmu.Unlock()

	h.media.Stop()
	h.host.Stop()
	h.link.Stop()
	h.logger.Printf("user %d stopped", h.config.UserID)
}
