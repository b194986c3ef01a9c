// Package realtime is the push link between logged-in peers: one websocket
// per remote user, authenticated by user id, carrying JSON events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/gorilla/websocket"

	"github.com/chatmesh/netutil"
	"github.com/chatmesh/peer"
	"github.com/chatmesh/wire"
)

// Path the websocket endpoint
const Path = "/realtime"

var (
	// ErrNotRunning the link has not been started or was stopped
	ErrNotRunning = errors.New("realtime link not running")
	// ErrWrongPeer the remote authenticated as a different user
	ErrWrongPeer = errors.New("remote answered as another user")
)

// Config Config
type Config struct {
	UserID           int64
	Username         string
	ListenIP         string
	BasePort         int
	PortAttempts     int
	HandshakeTimeout time.Duration
	// Peer tunes every websocket; Listeners is set by the link.
	Peer   peer.Config
	Logger *log.Logger
}

// Link routes events to whichever session is registered for a user id.
type Link struct {
	config   Config
	logger   *log.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	port     int
	running  int32

	mu    sync.RWMutex
	peers map[int64]*peer.Peer

	lmu       sync.RWMutex
	listeners []*Listeners
}

// NewLink NewLink
func NewLink(config *Config) *Link {
	c := *config
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PortAttempts == 0 {
		c.PortAttempts = 1
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	if c.Peer.Logger == nil {
		c.Peer.Logger = c.Logger
	}
	return &Link{
		config: c,
		logger: c.Logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: c.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		peers: make(map[int64]*peer.Peer),
	}
}

// Observe registers listeners for inbound events.
func (l *Link) Observe(listeners *Listeners) {
	l.lmu.Lock()
	l.listeners = append(l.listeners, listeners)
	l.lmu.Unlock()
}

// Start probes a port and serves the websocket endpoint on it.
func (l *Link) Start() error {
	ln, port, err := netutil.ListenSequential(l.config.ListenIP, l.config.BasePort, l.config.PortAttempts)
	if err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, l.serveWs)
	l.server = &http.Server{Handler: mux}
	l.port = port
	atomic.StoreInt32(&l.running, 1)

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.Printf("serve: %v", err)
		}
	}()
	l.logger.Printf("listening on %v", ln.Addr())
	return nil
}

// Port the bound port
func (l *Link) Port() int {
	return l.port
}

func (l *Link) ack() *wire.AuthAck {
	return &wire.AuthAck{
		Status:    wire.StatusAuthenticated,
		UserID:    l.config.UserID,
		Username:  l.config.Username,
		Timestamp: wire.Now(),
	}
}

// serveWs handles an inbound link. The first message must be the auth
// record.
func (l *Link) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Println(err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(l.config.HandshakeTimeout))
	auth := &wire.Auth{}
	if err := conn.ReadJSON(auth); err != nil || auth.UserID == 0 {
		l.logger.Printf("%v did not authenticate", conn.RemoteAddr())
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(l.config.HandshakeTimeout))
	if err := conn.WriteJSON(l.ack()); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	l.register(auth.UserID, conn)
	l.logger.Printf("user %d (%s) connected from %v", auth.UserID, auth.Username, conn.RemoteAddr())
}

// ConnectTo opens a link to userID. Already being connected is success.
func (l *Link) ConnectTo(ctx context.Context, userID int64, address string, port int) error {
	if atomic.LoadInt32(&l.running) == 0 {
		return ErrNotRunning
	}
	if l.Connected(userID) {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: l.config.HandshakeTimeout}
	url := fmt.Sprintf("ws://%s%s", net.JoinHostPort(address, strconv.Itoa(port)), Path)
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(l.config.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)
	auth := &wire.Auth{UserID: l.config.UserID, Username: l.config.Username, Timestamp: wire.Now()}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return err
	}
	ack := &wire.AuthAck{}
	if err := conn.ReadJSON(ack); err != nil {
		conn.Close()
		return err
	}
	if err := ack.Check(); err != nil {
		conn.Close()
		return err
	}
	if ack.UserID != userID {
		conn.Close()
		return fmt.Errorf("%w: want %d, got %d", ErrWrongPeer, userID, ack.UserID)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	l.register(userID, conn)
	l.logger.Printf("connected to user %d at %s", userID, url)
	return nil
}

// register makes conn the live session for userID, closing any older one.
func (l *Link) register(userID int64, conn *websocket.Conn) {
	if atomic.LoadInt32(&l.running) == 0 {
		conn.Close()
		return
	}
	cfg := l.config.Peer
	var p *peer.Peer
	cfg.Listeners = &peer.MessageListeners{
		OnMessage: func(msg []byte) error {
			return l.dispatch(userID, msg)
		},
		OnDisconnect: func() {
			l.remove(userID, p)
		},
	}
	p = peer.NewPeer(strconv.FormatInt(userID, 10), &cfg)

	// OnDisconnect blocks on mu until p is in the map
	l.mu.Lock()
	p.SetConnection(conn)
	old := l.peers[userID]
	l.peers[userID] = p
	l.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// remove drops userID only while p is still its registered session.
func (l *Link) remove(userID int64, p *peer.Peer) {
	l.mu.Lock()
	if cur, ok := l.peers[userID]; ok && cur == p {
		delete(l.peers, userID)
	}
	l.mu.Unlock()
	l.logger.Printf("user %s disconnected after %v", p.ID(), time.Since(p.TimeConnected()).Truncate(time.Second))
}

func (l *Link) dispatch(from int64, msg []byte) error {
	ev := &Event{}
	if err := json.Unmarshal(msg, ev); err != nil {
		return err
	}
	ev.From = from

	l.lmu.RLock()
	listeners := l.listeners
	l.lmu.RUnlock()
	for _, ls := range listeners {
		if h := ls.handler(ev.Type); h != nil {
			h(ev)
		}
	}
	return nil
}

// Connected reports whether a live session for userID exists.
func (l *Link) Connected(userID int64) bool {
	l.mu.RLock()
	p, ok := l.peers[userID]
	l.mu.RUnlock()
	return ok && p.Connected()
}

// ConnectedUsers ConnectedUsers
func (l *Link) ConnectedUsers() []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]int64, 0, len(l.peers))
	for id := range l.peers {
		ids = append(ids, id)
	}
	return ids
}

// Send delivers ev to userID. It returns false when there is no live
// session or the write failed; a failed session is dropped.
func (l *Link) Send(userID int64, ev *Event) bool {
	l.mu.RLock()
	p, ok := l.peers[userID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	data, err := ev.Encode()
	if err != nil {
		l.logger.Printf("encode %s event: %v", ev.Type, err)
		return false
	}

	done := make(chan error, 1)
	p.PushMessage(data, done)
	wait := l.config.Peer.WriteWait
	if wait == 0 {
		wait = 10 * time.Second
	}
	timer := time.NewTimer(wait + time.Second)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		err = errors.New("write timed out")
	}
	if err != nil {
		l.logger.Printf("send to user %d: %v", userID, err)
		l.remove(userID, p)
		p.Close()
		return false
	}
	return true
}

// Broadcast sends ev to every session except the excluded user ids and
// returns how many deliveries succeeded.
func (l *Link) Broadcast(ev *Event, exclude ...int64) int {
	skip := mapset.NewSet()
	for _, id := range exclude {
		skip.Add(id)
	}
	sent := 0
	for _, id := range l.ConnectedUsers() {
		if skip.Contains(id) {
			continue
		}
		if l.Send(id, ev) {
			sent++
		}
	}
	return sent
}

// Stop closes the listener and every session. Safe to call more than once
// and from any goroutine.
func (l *Link) Stop() {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return
	}
	if err := l.server.Close(); err != nil {
		l.logger.Println(err)
	}

	l.mu.Lock()
	peers := l.peers
	l.peers = make(map[int64]*peer.Peer)
	l.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
	l.logger.Println("stopped")
}
