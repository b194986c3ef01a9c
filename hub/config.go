package hub

import (
	"log"
	"net"
	"path/filepath"
	"time"

	"github.com/chatmesh/config"
	"github.com/chatmesh/database"
	"github.com/chatmesh/host"
	"github.com/chatmesh/media"
	"github.com/chatmesh/netutil"
	"github.com/chatmesh/peer"
	"github.com/chatmesh/realtime"
)

const (
	defaultOutboxName = "outbox.log"
	defaultHeartbeat  = 30 * time.Second
	defaultCallWait   = 10 * time.Second
)

// Config wires one logged-in user's node. UserID, Username and the
// listen IP are copied into the component configs by NewHub.
type Config struct {
	UserID   int64
	Username string
	ListenIP string
	// AdvertiseIP is reported to the directory; empty lets the directory
	// use the address it sees.
	AdvertiseIP   string
	DirectoryAddr string
	Heartbeat     time.Duration

	Store    database.Store
	Host     host.Config
	Realtime realtime.Config
	Media    media.Config
	Logger   *log.Logger
}

// NewConfig builds a hub configuration from the loaded settings.
func NewConfig(c *config.Config, store database.Store, logger *log.Logger) *Config {
	return &Config{
		UserID:        c.Node.UserID,
		Username:      c.Node.Username,
		ListenIP:      c.Node.ListenIP,
		AdvertiseIP:   advertiseIP(c.Node.AdvertiseIP, c.Node.ListenIP),
		DirectoryAddr: c.Directory.Address,
		Heartbeat:     c.Node.Heartbeat,
		Store:         store,
		Host: host.Config{
			BasePort:         c.Host.BasePort,
			PortAttempts:     c.Host.PortAttempts,
			HandshakeTimeout: c.Host.HandshakeTimeout,
			MaxFrameSize:     uint64(c.Host.MaxFrameSize),
			CacheSize:        c.Host.CacheSize,
			OutboxFile:       filepath.Join(c.Node.DataDir, defaultOutboxName),
		},
		Realtime: realtime.Config{
			BasePort:         c.Realtime.BasePort,
			PortAttempts:     c.Realtime.PortAttempts,
			HandshakeTimeout: c.Realtime.HandshakeTimeout,
			Peer: peer.Config{
				WriteWait:      c.Realtime.WriteWait,
				PongWait:       c.Realtime.PongWait,
				PingPeriod:     c.Realtime.PingPeriod,
				MaxMessageSize: c.Realtime.MaxMessageSize,
			},
		},
		Media: media.Config{
			PortMin:          c.Media.PortMin,
			PortMax:          c.Media.PortMax,
			ReservedPorts:    c.Media.ReservedPorts,
			Dir:              c.Media.Dir,
			MaxFileSize:      c.Media.MaxFileSize,
			Retention:        c.Media.Retention,
			MaxEntries:       c.Media.MaxEntries,
			HandshakeTimeout: c.Host.HandshakeTimeout,
		},
		Logger: logger,
	}
}

// advertiseIP picks the address peers should dial.
func advertiseIP(configured, listen string) string {
	if configured != "" {
		return configured
	}
	if ip := net.ParseIP(listen); ip != nil && !ip.IsUnspecified() {
		return listen
	}
	return netutil.GetOutboundIP().String()
}
