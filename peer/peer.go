package peer

import (
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	defaultPingPeriod = (defaultPongWait * 9) / 10

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 1 << 20

	defaultMessageQueueLen = 64
)

var (
	// ErrNotConnected the peer has no live connection
	ErrNotConnected = errors.New("peer not connected")
)

// MessageListeners 消息监听
type MessageListeners struct {
	// OnMessage is invoked for every inbound websocket message, in order,
	// from the read goroutine.
	OnMessage func(msg []byte) error

	// OnDisconnect is invoked once after the connection is gone.
	OnDisconnect func()
}

// Config 节点配置
type Config struct {

	// Time allowed to write a message to the peer.
	WriteWait time.Duration
	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration
	// Send pings to peer with this period. Must be less than pongWait.
	PingPeriod time.Duration
	// Maximum message size allowed from peer.
	MaxMessageSize int64

	// MessageQueueLen message len
	MessageQueueLen int

	Listeners *MessageListeners
	Logger    *log.Logger
}

type outMessage struct {
	message []byte
	done    chan<- error
}

// Peer 节点封装了 websocket 通信底层接口
type Peer struct {
	id     string
	config *Config
	conn   *websocket.Conn
	send   chan outMessage
	quit   chan struct{}
	once   sync.Once

	timeConnected time.Time

	connected int32
}

// NewPeer 创建一个新的节点
func NewPeer(id string, config *Config) *Peer {
	c := *config
	if c.WriteWait == 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait == 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingPeriod == 0 {
		c.PingPeriod = defaultPingPeriod
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MessageQueueLen == 0 {
		c.MessageQueueLen = defaultMessageQueueLen
	}
	if c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.Listeners == nil {
		c.Listeners = &MessageListeners{}
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[peer] ", log.LstdFlags)
	}
	return &Peer{
		id:     id,
		config: &c,
		send:   make(chan outMessage, c.MessageQueueLen),
		quit:   make(chan struct{}),
	}
}

// ID remote id this peer was registered under
func (p *Peer) ID() string {
	return p.id
}

// TimeConnected when SetConnection was called
func (p *Peer) TimeConnected() time.Time {
	return p.timeConnected
}

// Connected Connected
func (p *Peer) Connected() bool {
	return atomic.LoadInt32(&p.connected) == 1
}

// SetConnection bind connection , start
func (p *Peer) SetConnection(conn *websocket.Conn) {
	// Already connected?
	if !atomic.CompareAndSwapInt32(&p.connected, 0, 1) {
		return
	}

	p.conn = conn
	p.timeConnected = time.Now()

	go p.handleRead()
	go p.handleWrite()
}

func (p *Peer) handleRead() {
	defer func() {
		p.disconnect()
		if p.config.Listeners.OnDisconnect != nil {
			p.config.Listeners.OnDisconnect()
		}
	}()
	p.conn.SetReadLimit(p.config.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(p.config.PongWait))
	p.conn.SetPongHandler(func(string) error { p.conn.SetReadDeadline(time.Now().Add(p.config.PongWait)); return nil })
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.config.Logger.Printf("error from %v: %v", p.id, err)
			}
			return
		}
		if p.config.Listeners.OnMessage == nil {
			continue
		}
		if err := p.config.Listeners.OnMessage(message); err != nil {
			p.config.Logger.Printf("message from %v dropped: %v", p.id, err)
		}
	}
}

func (p *Peer) handleWrite() {
	ticker := time.NewTicker(p.config.PingPeriod)
	defer func() {
		ticker.Stop()
		p.disconnect()
		p.drain()
	}()
	for {
		select {
		case out := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteWait))
			err := p.conn.WriteMessage(websocket.TextMessage, out.message)
			if out.done != nil {
				out.done <- err
			}
			if err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.quit:
			p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteWait))
			p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain fails every message still queued
func (p *Peer) drain() {
	for {
		select {
		case out := <-p.send:
			if out.done != nil {
				out.done <- ErrNotConnected
			}
		default:
			return
		}
	}
}

// PushMessage 把消息写到队列中，等待处理. done, if not nil, receives the
// write result and must have room for one value.
func (p *Peer) PushMessage(message []byte, done chan<- error) {
	if !p.Connected() {
		if done != nil {
			done <- ErrNotConnected
		}
		return
	}
	select {
	case p.send <- outMessage{message: message, done: done}:
	case <-p.quit:
		if done != nil {
			done <- ErrNotConnected
		}
	}
}

// Close sends a close frame and tears the connection down. Safe to call
// more than once and from any goroutine.
func (p *Peer) Close() {
	p.once.Do(func() { close(p.quit) })
}

// 断开连接
func (p *Peer) disconnect() {
	p.once.Do(func() { close(p.quit) })
	if !atomic.CompareAndSwapInt32(&p.connected, 1, 0) {
		return
	}
	p.conn.Close()
}
