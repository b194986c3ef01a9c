// Package host is the channel host embedded in every logged-in node. It
// serves the channels its owner created to authenticated members over
// framed JSON records.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatmesh/database"
	"github.com/chatmesh/filelog"
	"github.com/chatmesh/netutil"
	"github.com/chatmesh/realtime"
	"github.com/chatmesh/wire"
)

const (
	readTimeout = time.Second
	outboxFlush = 10 * time.Millisecond
)

var (
	// ErrNotRunning the host has not been started or was stopped
	ErrNotRunning = errors.New("channel host not running")
)

// Notifier delivers fan-out events to members. realtime.Link satisfies it.
type Notifier interface {
	Send(userID int64, ev *realtime.Event) bool
}

// Config Config
type Config struct {
	OwnerID          int64
	ListenIP         string
	BasePort         int
	PortAttempts     int
	HandshakeTimeout time.Duration
	MaxFrameSize     uint64
	CacheSize        int

	Store    database.Store
	Notifier Notifier
	// OutboxFile queues fan-out on disk; empty sends directly.
	OutboxFile string
	Logger     *log.Logger
}

// Host serves the channels owned by Config.OwnerID.
type Host struct {
	config   Config
	logger   *log.Logger
	store    database.Store
	cache    *cache
	outbox   *filelog.FileLog
	listener net.Listener
	port     int
	running  int32
	conns    *netutil.ConnSet
	wg       sync.WaitGroup

	mu     sync.RWMutex
	hosted map[int64]int // channel id -> host port

	smu      sync.Mutex
	sessions map[int64]net.Conn // user id -> authenticated connection
}

// NewHost NewHost
func NewHost(config *Config) *Host {
	c := *config
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.PortAttempts == 0 {
		c.PortAttempts = 1
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[host] ", log.LstdFlags)
	}
	return &Host{
		config:   c,
		logger:   c.Logger,
		store:    c.Store,
		conns:    netutil.NewConnSet(),
		hosted:   make(map[int64]int),
		sessions: make(map[int64]net.Conn),
	}
}

// Start binds the first free port from BasePort, loads the owner's
// channels and starts accepting members. Port exhaustion is fatal.
func (h *Host) Start() error {
	ln, port, err := netutil.ListenSequential(h.config.ListenIP, h.config.BasePort, h.config.PortAttempts)
	if err != nil {
		return fmt.Errorf("host: %w", err)
	}

	owned, err := h.store.ListOwnedChannels(h.config.OwnerID)
	if err != nil {
		ln.Close()
		return fmt.Errorf("host: load owned channels: %w", err)
	}

	if h.config.OutboxFile != "" {
		// notifications belong to this session only
		h.outbox, err = filelog.NewFileLog(&filelog.Config{
			File:          h.config.OutboxFile,
			FlushInterval: outboxFlush,
			PollInterval:  50 * time.Millisecond,
			Discard:       true,
			SubFunc:       h.deliver,
			Logger:        h.logger,
		})
		if err != nil {
			ln.Close()
			return fmt.Errorf("host: open outbox: %w", err)
		}
	}

	h.listener = ln
	h.port = port
	h.cache = newCache(h.store, h.config.CacheSize)
	h.mu.Lock()
	for _, ch := range owned {
		h.hosted[ch.ID] = port
	}
	h.mu.Unlock()
	atomic.StoreInt32(&h.running, 1)

	h.wg.Add(1)
	go h.acceptLoop()
	h.logger.Printf("hosting %d channels on %v", len(owned), ln.Addr())
	return nil
}

// Port the bound port
func (h *Host) Port() int {
	return h.port
}

// HostedChannels returns a copy of the channel id -> port table.
func (h *Host) HostedChannels() map[int64]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res := make(map[int64]int, len(h.hosted))
	for id, port := range h.hosted {
		res[id] = port
	}
	return res
}

// IsHosted IsHosted
func (h *Host) IsHosted(channelID int64) bool {
	h.mu.RLock()
	_, ok := h.hosted[channelID]
	h.mu.RUnlock()
	return ok
}

// CreateChannel persists a channel owned by this host's owner and starts
// hosting it.
func (h *Host) CreateChannel(name string, isPrivate bool) (*database.Channel, error) {
	if atomic.LoadInt32(&h.running) == 0 {
		return nil, ErrNotRunning
	}
	ch := &database.Channel{Name: name, OwnerID: h.config.OwnerID, IsPrivate: isPrivate}
	if err := h.store.CreateChannel(ch); err != nil {
		return nil, err
	}
	if err := h.cache.seed(ch); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.hosted[ch.ID] = h.port
	h.mu.Unlock()
	h.logger.Printf("channel %d (%s) created", ch.ID, ch.Name)
	return ch, nil
}

// AddMember records userID as a member of a hosted channel.
func (h *Host) AddMember(channelID int64, userID int64) error {
	if !h.IsHosted(channelID) {
		return errors.New(msgNotHosted)
	}
	if err := h.store.AddMember(channelID, userID); err != nil {
		return err
	}
	return h.cache.addMember(channelID, userID, time.Now())
}

// Post sends a message from userID to a hosted channel without a network
// round trip. It follows the same rules as a send_message request.
func (h *Host) Post(channelID int64, userID int64, content string, media *MediaRef) (int64, error) {
	if atomic.LoadInt32(&h.running) == 0 {
		return 0, ErrNotRunning
	}
	req := &Request{Action: ActionSendMessage, ChannelID: channelID, Content: content}
	if media != nil {
		req.HasMedia = true
		req.MediaType = media.Type
		req.MediaPath = media.Path
		req.MediaName = media.Name
	}
	resp := h.handle(req, userID)
	if resp.Status != wire.StatusSuccess {
		return 0, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Message)
	}
	return resp.MessageID, nil
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&h.running) == 0 {
				return
			}
			h.logger.Printf("accept: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		h.conns.Add(conn)
		h.wg.Add(1)
		go h.handleConn(conn)
	}
}

// handshake reads the identification record within HandshakeTimeout.
func (h *Host) handshake(conn net.Conn, fr *wire.FrameReader) (*wire.Auth, error) {
	conn.SetReadDeadline(time.Now().Add(h.config.HandshakeTimeout))
	frame, err := fr.Next()
	if err != nil {
		return nil, err
	}
	auth := &wire.Auth{}
	if err := json.Unmarshal(frame, auth); err != nil {
		return nil, err
	}
	if auth.UserID == 0 {
		return nil, wire.ErrNotAuthenticated
	}
	conn.SetWriteDeadline(time.Now().Add(h.config.HandshakeTimeout))
	err = wire.WriteRecord(conn, &wire.AuthAck{
		Status:    wire.StatusAuthenticated,
		HostID:    h.config.OwnerID,
		UserID:    auth.UserID,
		Timestamp: wire.Now(),
	})
	return auth, err
}

func (h *Host) handleConn(conn net.Conn) {
	defer h.wg.Done()
	defer func() {
		h.conns.Remove(conn)
		conn.Close()
	}()

	fr := wire.NewFrameReader(conn, h.config.MaxFrameSize)
	auth, err := h.handshake(conn, fr)
	if err != nil {
		h.logger.Printf("%v dropped before authenticating: %v", conn.RemoteAddr(), err)
		return
	}
	h.register(auth.UserID, conn)
	defer h.unregister(auth.UserID, conn)
	h.logger.Printf("user %d connected from %v", auth.UserID, conn.RemoteAddr())

	for atomic.LoadInt32(&h.running) == 1 {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := fr.Next()
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			if !wire.IsClosed(err) {
				h.logger.Printf("user %d: %v", auth.UserID, err)
			}
			return
		}

		req := &Request{}
		if err := json.Unmarshal(frame, req); err != nil {
			h.logger.Printf("user %d sent a malformed record: %v", auth.UserID, err)
			continue
		}
		resp := h.handle(req, auth.UserID)
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := wire.WriteRecord(conn, resp); err != nil {
			h.logger.Printf("user %d: %v", auth.UserID, err)
			return
		}
	}
}

// register keeps one session per user; a newer one closes the older.
func (h *Host) register(userID int64, conn net.Conn) {
	h.smu.Lock()
	old := h.sessions[userID]
	h.sessions[userID] = conn
	h.smu.Unlock()
	if old != nil && old != conn {
		old.Close()
	}
}

func (h *Host) unregister(userID int64, conn net.Conn) {
	h.smu.Lock()
	if h.sessions[userID] == conn {
		delete(h.sessions, userID)
	}
	h.smu.Unlock()
}

// Sessions number of authenticated member connections
func (h *Host) Sessions() int {
	h.smu.Lock()
	defer h.smu.Unlock()
	return len(h.sessions)
}

// Stop stops accepting, drops every member connection and clears the
// hosted table. It is idempotent and safe from any goroutine.
func (h *Host) Stop() {
	if !atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		return
	}
	h.listener.Close()
	h.conns.CloseAll()
	h.wg.Wait()
	h.cache.stop()
	if h.outbox != nil {
		if err := h.outbox.Close(); err != nil {
			h.logger.Println(err)
		}
	}

	h.mu.Lock()
	h.hosted = make(map[int64]int)
	h.mu.Unlock()
	h.smu.Lock()
	h.sessions = make(map[int64]net.Conn)
	h.smu.Unlock()
	h.logger.Println("stopped")
}
