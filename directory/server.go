// Package directory implements the rendezvous service: peers register their
// endpoints, list the table and ask for each other's address.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatmesh/database"
	"github.com/chatmesh/netutil"
	"github.com/chatmesh/wire"
)

const readTimeout = time.Second

// Config Config
type Config struct {
	ListenIP string
	// Port 0 binds an ephemeral port
	Port         int
	Table        database.PeerTable
	MaxFrameSize uint64
	Logger       *log.Logger
}

// Server directory server
type Server struct {
	config   Config
	table    database.PeerTable
	logger   *log.Logger
	listener net.Listener
	conns    *netutil.ConnSet
	running  int32
	port     int
	wg       sync.WaitGroup

	// peer id -> connection that registered it last
	ownerMu  sync.Mutex
	owners   map[string]net.Conn
	ownTable bool
}

// NewServer NewServer
func NewServer(config *Config) *Server {
	c := *config
	own := false
	if c.Table == nil {
		c.Table = database.NewMemPeerTable()
		own = true
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[directory] ", log.LstdFlags)
	}
	return &Server{
		config:   c,
		table:    c.Table,
		logger:   c.Logger,
		conns:    netutil.NewConnSet(),
		owners:   make(map[string]net.Conn),
		ownTable: own,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.config.ListenIP, strconv.Itoa(s.config.Port)))
	if err != nil {
		return err
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	atomic.StoreInt32(&s.running, 1)

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Printf("listening on %v", ln.Addr())
	return nil
}

// Port the bound port
func (s *Server) Port() int {
	return s.port
}

// Register upserts the peer record keyed by its id.
func (s *Server) Register(peer *database.Peer) error {
	if peer.ID == "" {
		return ErrMissingPeerID
	}
	if peer.Status == "" {
		peer.Status = database.StatusOnline
	}
	peer.UpdatedAt = time.Now().Unix()
	return s.table.SetPeer(peer)
}

// ListPeers returns the whole table.
func (s *Server) ListPeers() ([]database.Peer, error) {
	return s.table.GetPeers()
}

// Introduce returns the endpoint of target.
func (s *Server) Introduce(target string) (*database.Peer, error) {
	peer, err := s.table.GetPeer(target)
	if err != nil {
		return nil, err
	}
	if peer == nil {
		return nil, ErrPeerNotFound
	}
	return peer, nil
}

// SetStatus SetStatus
func (s *Server) SetStatus(id string, status string) error {
	peer, err := s.Introduce(id)
	if err != nil {
		return err
	}
	peer.Status = status
	peer.UpdatedAt = time.Now().Unix()
	return s.table.SetPeer(peer)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.running) == 0 {
				return
			}
			s.logger.Printf("accept: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.conns.Add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.conns.Remove(conn)
		conn.Close()
		s.releasePeers(conn)
	}()

	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	fr := wire.NewFrameReader(conn, s.config.MaxFrameSize)
	for atomic.LoadInt32(&s.running) == 1 {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := fr.Next()
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			if !wire.IsClosed(err) {
				s.logger.Printf("client %v: %v", conn.RemoteAddr(), err)
			}
			return
		}

		req := &Request{}
		if err := json.Unmarshal(frame, req); err != nil {
			s.logger.Printf("client %v sent a malformed record: %v", conn.RemoteAddr(), err)
			continue
		}
		resp := s.handle(req, remoteIP)
		if resp.Type == TypeSubmitAck {
			s.ownerMu.Lock()
			s.owners[req.PeerID] = conn
			s.ownerMu.Unlock()
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := wire.WriteRecord(conn, resp); err != nil {
			s.logger.Printf("client %v: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// releasePeers marks offline every peer whose latest registration came
// over conn.
func (s *Server) releasePeers(conn net.Conn) {
	var ids []string
	s.ownerMu.Lock()
	for id, c := range s.owners {
		if c == conn {
			ids = append(ids, id)
			delete(s.owners, id)
		}
	}
	s.ownerMu.Unlock()

	if atomic.LoadInt32(&s.running) == 0 {
		return
	}
	for _, id := range ids {
		if err := s.SetStatus(id, database.StatusOffline); err != nil {
			s.logger.Printf("mark %s offline: %v", id, err)
		}
	}
}

func (s *Server) handle(req *Request, remoteIP string) *Response {
	switch req.Type {
	case TypeSubmitInfo:
		ip := req.IP
		if ip == "" || ip == "0.0.0.0" {
			ip = remoteIP
		}
		peer := &database.Peer{
			ID:        req.PeerID,
			Username:  req.Username,
			IP:        ip,
			Port:      req.Port,
			HostPort:  req.HostPort,
			MediaPort: req.MediaPort,
			Status:    req.Status,
		}
		if err := s.Register(peer); err != nil {
			return errorResponse(err.Error())
		}
		s.logger.Printf("peer %s registered at %s:%d", peer.ID, peer.IP, peer.Port)
		return &Response{Type: TypeSubmitAck, PeerID: peer.ID}

	case TypeGetList:
		peers, err := s.ListPeers()
		if err != nil {
			return errorResponse(err.Error())
		}
		list := make(map[string]database.Peer, len(peers))
		for _, p := range peers {
			list[p.ID] = p
		}
		return &Response{Type: TypePeerList, Peers: list}

	case TypeIntroduce:
		peer, err := s.Introduce(req.TargetPeer)
		if errors.Is(err, ErrPeerNotFound) {
			return notFoundResponse(fmt.Sprintf("Peer %s not found", req.TargetPeer))
		}
		if err != nil {
			return errorResponse(err.Error())
		}
		return &Response{Type: TypeP2PConnect, PeerInfo: peer}

	case TypeSetStatus:
		err := s.SetStatus(req.PeerID, req.Status)
		if errors.Is(err, ErrPeerNotFound) {
			return notFoundResponse(fmt.Sprintf("Peer %s not found", req.PeerID))
		}
		if err != nil {
			return errorResponse(err.Error())
		}
		return &Response{Type: TypeStatusAck, PeerID: req.PeerID}
	}
	return errorResponse(fmt.Sprintf("Unknown message type: %s", req.Type))
}

// Stop closes the listener and every connection. A table the server
// created is dropped; a shared one only sees this server's registrants
// marked offline. It is idempotent.
func (s *Server) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	s.ownerMu.Lock()
	ids := make([]string, 0, len(s.owners))
	for id := range s.owners {
		ids = append(ids, id)
	}
	s.ownerMu.Unlock()

	s.listener.Close()
	s.logger.Printf("closing %d connections", s.conns.Len())
	s.conns.CloseAll()
	s.wg.Wait()

	if s.ownTable {
		if err := s.table.Clean(); err != nil {
			s.logger.Printf("clean peer table: %v", err)
		}
		if c, ok := s.table.(io.Closer); ok {
			c.Close()
		}
	} else {
		for _, id := range ids {
			if err := s.SetStatus(id, database.StatusOffline); err != nil {
				s.logger.Printf("mark %s offline: %v", id, err)
			}
		}
	}
	s.logger.Println("stopped")
}
