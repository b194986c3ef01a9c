// Package media moves binary payloads between peers outside the JSON
// record channels. Every record is framed with an 8-byte big-endian length.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/chatmesh/netutil"
	"github.com/chatmesh/wire"
)

const (
	readTimeout  = time.Second
	writeTimeout = 30 * time.Second

	defaultMaxFileSize     = 100 << 20
	defaultJanitorInterval = 10 * time.Minute
)

// DefaultReservedPorts never bound by a media node
var DefaultReservedPorts = []int{8080, 8888, 9090, 3306, 5432}

// Config Config
type Config struct {
	UserID   int64
	Username string

	ListenIP      string
	PortMin       int
	PortMax       int
	ReservedPorts []int

	// Dir received payloads go to Dir/<type>s/
	Dir              string
	MaxFileSize      int64
	Retention        time.Duration
	MaxEntries       int
	JanitorInterval  time.Duration
	HandshakeTimeout time.Duration
	Logger           *log.Logger
}

// peerConn is one authenticated connection, inbound or outbound.
type peerConn struct {
	conn     net.Conn
	wmu      sync.Mutex
	userID   int64
	username string
}

func (pc *peerConn) write(rec *Record) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteRecord(pc.conn, rec)
}

// Node is the media transfer endpoint of one logged-in user.
type Node struct {
	config   Config
	logger   *log.Logger
	listener net.Listener
	port     int
	running  int32
	smu      sync.Mutex // orders track against Stop
	conns    *netutil.ConnSet
	index    *index
	maxFrame uint64
	quit     chan struct{}
	wg       sync.WaitGroup

	mu    sync.RWMutex
	peers map[int64]*peerConn

	cbMu      sync.RWMutex
	callbacks []func(*Received)
}

// NewNode NewNode
func NewNode(config *Config) *Node {
	c := *config
	if c.ReservedPorts == nil {
		c.ReservedPorts = DefaultReservedPorts
	}
	if c.Dir == "" {
		c.Dir = "media"
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = defaultJanitorInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[media] ", log.LstdFlags)
	}
	return &Node{
		config: c,
		logger: c.Logger,
		conns:  netutil.NewConnSet(),
		index:  newIndex(c.Retention, c.MaxEntries),
		// base64 grows payloads by a third, plus room for metadata
		maxFrame: uint64(c.MaxFileSize)/3*4 + 64<<10,
		quit:     make(chan struct{}),
		peers:    make(map[int64]*peerConn),
	}
}

// Start binds the first free port of [PortMin, PortMax] that is not
// reserved and starts accepting peers.
func (n *Node) Start() error {
	ln, port, err := netutil.Listen(n.config.ListenIP, n.config.PortMin, n.config.PortMax,
		netutil.ReservedSet(n.config.ReservedPorts))
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	n.listener = ln
	n.port = port
	atomic.StoreInt32(&n.running, 1)

	n.wg.Add(2)
	go n.acceptLoop()
	go n.janitor()
	n.logger.Printf("listening on %v", ln.Addr())
	return nil
}

// Port the bound port
func (n *Node) Port() int {
	return n.port
}

// OnMediaReceived registers cb for every stored payload. Callbacks run on
// the receiving connection's goroutine.
func (n *Node) OnMediaReceived(cb func(*Received)) {
	n.cbMu.Lock()
	n.callbacks = append(n.callbacks, cb)
	n.cbMu.Unlock()
}

// Lookup returns the index entry for mediaID.
func (n *Node) Lookup(mediaID string) (*Entry, bool) {
	return n.index.get(mediaID)
}

// Connected Connected
func (n *Node) Connected(userID int64) bool {
	n.mu.RLock()
	_, ok := n.peers[userID]
	n.mu.RUnlock()
	return ok
}

// Peers returns the user ids with a live media connection.
func (n *Node) Peers() []int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]int64, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&n.running) == 0 {
				return
			}
			n.logger.Printf("accept: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !n.track(conn) {
			conn.Close()
			return
		}
		go n.handleInbound(conn)
	}
}

// track hands conn to Stop's bookkeeping. It fails once Stop has begun.
func (n *Node) track(conn net.Conn) bool {
	n.smu.Lock()
	defer n.smu.Unlock()
	if atomic.LoadInt32(&n.running) == 0 {
		return false
	}
	n.conns.Add(conn)
	n.wg.Add(1)
	return true
}

func (n *Node) ack() *wire.AuthAck {
	return &wire.AuthAck{
		Status:    wire.StatusAuthenticated,
		UserID:    n.config.UserID,
		Username:  n.config.Username,
		Timestamp: wire.Now(),
	}
}

func (n *Node) handleInbound(conn net.Conn) {
	defer n.wg.Done()
	defer func() {
		n.conns.Remove(conn)
		conn.Close()
	}()

	fr := wire.NewFrameReader(conn, n.maxFrame)
	conn.SetReadDeadline(time.Now().Add(n.config.HandshakeTimeout))
	frame, err := fr.Next()
	if err != nil {
		n.logger.Printf("%v dropped before authenticating: %v", conn.RemoteAddr(), err)
		return
	}
	auth := &wire.Auth{}
	if err := json.Unmarshal(frame, auth); err != nil || auth.UserID == 0 {
		n.logger.Printf("%v did not provide proper authentication", conn.RemoteAddr())
		return
	}
	conn.SetWriteDeadline(time.Now().Add(n.config.HandshakeTimeout))
	if err := wire.WriteRecord(conn, n.ack()); err != nil {
		return
	}

	pc := &peerConn{conn: conn, userID: auth.UserID, username: auth.Username}
	n.register(pc)
	n.logger.Printf("user %d (%s) connected from %v", pc.userID, pc.username, conn.RemoteAddr())
	n.serve(pc, fr)
}

// ConnectTo opens a media connection to userID. Already being connected
// is success.
func (n *Node) ConnectTo(ctx context.Context, userID int64, address string, port int) error {
	if atomic.LoadInt32(&n.running) == 0 {
		return ErrNotRunning
	}
	if n.Connected(userID) {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	deadline := time.Now().Add(n.config.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	auth := &wire.Auth{UserID: n.config.UserID, Username: n.config.Username, Timestamp: wire.Now()}
	if err := wire.WriteRecord(conn, auth); err != nil {
		conn.Close()
		return err
	}
	fr := wire.NewFrameReader(conn, n.maxFrame)
	frame, err := fr.Next()
	if err != nil {
		conn.Close()
		return err
	}
	ack := &wire.AuthAck{}
	if err := json.Unmarshal(frame, ack); err != nil {
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
	conn.SetDeadline(time.Time{})

	if !n.track(conn) {
		conn.Close()
		return ErrNotRunning
	}
	pc := &peerConn{conn: conn, userID: userID, username: ack.Username}
	n.register(pc)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.conns.Remove(conn)
			conn.Close()
		}()
		n.serve(pc, fr)
	}()
	n.logger.Printf("connected to user %d at %s:%d", userID, address, port)
	return nil
}

// register makes pc the live connection for its user, closing any older one.
func (n *Node) register(pc *peerConn) {
	n.mu.Lock()
	old := n.peers[pc.userID]
	n.peers[pc.userID] = pc
	n.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
}

func (n *Node) remove(pc *peerConn) {
	n.mu.Lock()
	if cur, ok := n.peers[pc.userID]; ok && cur == pc {
		delete(n.peers, pc.userID)
	}
	n.mu.Unlock()
}

// serve is the framed read loop of one authenticated connection. A
// partial frame survives read timeouts; a close mid-frame is a disconnect.
func (n *Node) serve(pc *peerConn, fr *wire.FrameReader) {
	defer func() {
		n.remove(pc)
		n.logger.Printf("user %d disconnected", pc.userID)
	}()
	for atomic.LoadInt32(&n.running) == 1 {
		pc.conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := fr.Next()
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			if !wire.IsClosed(err) {
				n.logger.Printf("user %d: %v", pc.userID, err)
			}
			return
		}
		rec := &Record{}
		if err := json.Unmarshal(frame, rec); err != nil {
			n.logger.Printf("user %d sent a malformed record: %v", pc.userID, err)
			continue
		}
		switch rec.Action {
		case ActionSendMedia:
			n.handleSendMedia(pc, rec)
		case ActionRequestMedia:
			n.handleRequestMedia(pc, rec)
		}
	}
}

// SendMedia stages the file at path and writes it to every connected peer
// for channel media, or to targetID otherwise.
func (n *Node) SendMedia(path string, mediaType string, targetID int64, isChannel bool, caption string) (*Staged, error) {
	if atomic.LoadInt32(&n.running) == 0 {
		return nil, ErrNotRunning
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() > n.config.MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %s", ErrFileTooLarge, path, humanize.Bytes(uint64(fi.Size())))
	}

	var recipients []*peerConn
	n.mu.RLock()
	if isChannel {
		for _, pc := range n.peers {
			recipients = append(recipients, pc)
		}
	} else if pc, ok := n.peers[targetID]; ok {
		recipients = append(recipients, pc)
	}
	n.mu.RUnlock()
	if !isChannel && len(recipients) == 0 {
		return nil, fmt.Errorf("%w: user %d", ErrPeerNotConnected, targetID)
	}

	entry := &Entry{
		ID:        uuid.New().String(),
		Path:      path,
		Type:      mediaType,
		Name:      filepath.Base(path),
		Size:      fi.Size(),
		CreatedAt: time.Now(),
	}
	n.index.put(entry)
	staged := &Staged{MediaID: entry.ID, MediaPath: path, MediaType: mediaType, MediaName: entry.Name}
	if len(recipients) == 0 {
		return staged, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Action:         ActionSendMedia,
		MediaID:        entry.ID,
		MediaType:      mediaType,
		MediaName:      entry.Name,
		MediaData:      data,
		TargetID:       targetID,
		IsChannel:      isChannel,
		Content:        caption,
		SenderID:       n.config.UserID,
		SenderUsername: n.config.Username,
		Timestamp:      wire.Now(),
	}
	for _, pc := range recipients {
		if err := pc.write(rec); err != nil {
			n.logger.Printf("send %s to user %d: %v", entry.Name, pc.userID, err)
			n.remove(pc)
			pc.conn.Close()
			continue
		}
		staged.Sent++
		n.logger.Printf("sent %s (%s) to user %d", entry.Name, humanize.Bytes(uint64(len(data))), pc.userID)
	}
	if !isChannel && staged.Sent == 0 {
		return staged, fmt.Errorf("%w: user %d", ErrPeerNotConnected, targetID)
	}
	return staged, nil
}

// RequestMedia asks peerID to send mediaID again. Unknown ids are ignored
// by the remote.
func (n *Node) RequestMedia(peerID int64, mediaID string) error {
	n.mu.RLock()
	pc, ok := n.peers[peerID]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: user %d", ErrPeerNotConnected, peerID)
	}
	err := pc.write(&Record{
		Action:    ActionRequestMedia,
		MediaID:   mediaID,
		TargetID:  n.config.UserID,
		SenderID:  n.config.UserID,
		Timestamp: wire.Now(),
	})
	if err != nil {
		n.remove(pc)
		pc.conn.Close()
	}
	return err
}

func (n *Node) handleRequestMedia(pc *peerConn, rec *Record) {
	entry, ok := n.index.get(rec.MediaID)
	if !ok {
		return
	}
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return
	}
	target := rec.TargetID
	if target == 0 {
		target = pc.userID
	}
	err = pc.write(&Record{
		Action:         ActionSendMedia,
		MediaID:        entry.ID,
		MediaType:      entry.Type,
		MediaName:      entry.Name,
		MediaData:      data,
		TargetID:       target,
		IsChannel:      rec.IsChannel,
		Content:        rec.Content,
		SenderID:       n.config.UserID,
		SenderUsername: n.config.Username,
		Timestamp:      wire.Now(),
	})
	if err != nil {
		n.logger.Printf("resend %s to user %d: %v", entry.ID, pc.userID, err)
	}
}

func (n *Node) handleSendMedia(pc *peerConn, rec *Record) {
	if !rec.IsChannel && rec.TargetID != n.config.UserID {
		return
	}
	if rec.MediaID == "" || rec.MediaType == "" || rec.MediaName == "" || len(rec.MediaData) == 0 {
		n.logger.Printf("incomplete media record from user %d", pc.userID)
		return
	}

	path := n.localPath(rec.MediaType, rec.MediaName, rec.MediaID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		n.logger.Printf("store %s: %v", rec.MediaName, err)
		return
	}
	if err := os.WriteFile(path, rec.MediaData, 0644); err != nil {
		n.logger.Printf("store %s: %v", rec.MediaName, err)
		return
	}
	size := int64(len(rec.MediaData))
	now := time.Now()
	n.index.put(&Entry{
		ID:           rec.MediaID,
		Path:         path,
		Type:         rec.MediaType,
		Name:         filepath.Base(rec.MediaName),
		Size:         size,
		FromUserID:   pc.userID,
		FromUsername: pc.username,
		Received:     true,
		CreatedAt:    now,
	})
	n.logger.Printf("received %s (%s) from user %d", rec.MediaName, humanize.Bytes(uint64(size)), pc.userID)

	ev := &Received{
		MediaID:      rec.MediaID,
		MediaPath:    path,
		MediaType:    rec.MediaType,
		MediaName:    rec.MediaName,
		Size:         size,
		FromUserID:   pc.userID,
		FromUsername: pc.username,
		TargetID:     rec.TargetID,
		IsChannel:    rec.IsChannel,
		Content:      rec.Content,
		ReceivedAt:   now,
	}
	n.cbMu.RLock()
	callbacks := n.callbacks
	n.cbMu.RUnlock()
	for _, cb := range callbacks {
		cb(ev)
	}
}

// localPath is Dir/<type>s/<stem>_<id><ext> with every remote supplied
// part reduced to a single path element.
func (n *Node) localPath(mediaType, name, id string) string {
	name = safeElem(name, "media")
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	file := fmt.Sprintf("%s_%s%s", stem, safeElem(id, "id"), ext)
	return filepath.Join(n.config.Dir, safeElem(mediaType, "file")+"s", file)
}

func safeElem(s, fallback string) string {
	s = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(s, "\\", "/")))
	if s == "/" || s == "." || s == ".." || s == "" {
		return fallback
	}
	return s
}

// Prune applies the retention policy now. Received files are deleted with
// their entry; staged originals are left alone.
func (n *Node) Prune(now time.Time) int {
	evicted := n.index.prune(now)
	for _, e := range evicted {
		if !e.Received {
			continue
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			n.logger.Printf("evict %s: %v", e.Path, err)
		}
	}
	if len(evicted) > 0 {
		n.logger.Printf("evicted %d media entries", len(evicted))
	}
	return len(evicted)
}

func (n *Node) janitor() {
	defer n.wg.Done()
	t := time.NewTicker(n.config.JanitorInterval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			n.Prune(now)
		case <-n.quit:
			return
		}
	}
}

// Stop closes the listener and every peer connection. It is idempotent.
func (n *Node) Stop() {
	n.smu.Lock()
	stopping := atomic.CompareAndSwapInt32(&n.running, 1, 0)
	n.smu.Unlock()
	if !stopping {
		return
	}
	close(n.quit)
	n.listener.Close()
	n.conns.CloseAll()
	n.wg.Wait()

	n.mu.Lock()
	n.peers = make(map[int64]*peerConn)
	n.mu.Unlock()
	n.logger.Println("stopped")
}
