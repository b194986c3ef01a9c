package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-ini/ini"
)

const (
	defaultConfigName = "conf.ini"
	envPrefix         = "CHATMESH_"
)

var (
	// DefaultConfigFile conf.ini in the working directory
	DefaultConfigFile = filepath.Join("./", defaultConfigName)

	// ErrInvalidConfig a loaded value is out of range
	ErrInvalidConfig = errors.New("invalid config")
)

// NodeConfig 当前登录用户与本地数据目录
type NodeConfig struct {
	UserID   int64  `ini:"user_id" env:"USER_ID"`
	Username string `ini:"username" env:"USERNAME"`
	ListenIP string `ini:"listen_ip" env:"LISTEN_IP"`
	// AdvertiseIP is reported to the directory. Empty means ListenIP, or
	// the outbound address when ListenIP is a wildcard.
	AdvertiseIP string        `ini:"advertise_ip" env:"ADVERTISE_IP"`
	DataDir     string        `ini:"data_dir" env:"DATA_DIR"`
	Heartbeat   time.Duration `ini:"heartbeat" env:"HEARTBEAT"`
}

// DirectoryConfig directory service endpoint; Address is what nodes dial.
type DirectoryConfig struct {
	Address    string `ini:"address" env:"ADDRESS"`
	ListenIP   string `ini:"listen_ip" env:"LISTEN_IP"`
	ListenPort int    `ini:"listen_port" env:"LISTEN_PORT"`
	// Table memory or redis
	Table string `ini:"table" env:"TABLE"`
}

// HostConfig channel host
type HostConfig struct {
	BasePort         int           `ini:"base_port" env:"BASE_PORT"`
	PortAttempts     int           `ini:"port_attempts" env:"PORT_ATTEMPTS"`
	HandshakeTimeout time.Duration `ini:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	MaxFrameSize     int           `ini:"max_frame_size" env:"MAX_FRAME_SIZE"`
	CacheSize        int           `ini:"cache_size" env:"CACHE_SIZE"`
}

// RealtimeConfig push link, plus the websocket peer tuning
type RealtimeConfig struct {
	BasePort         int           `ini:"base_port" env:"BASE_PORT"`
	PortAttempts     int           `ini:"port_attempts" env:"PORT_ATTEMPTS"`
	HandshakeTimeout time.Duration `ini:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	MaxMessageSize   int64         `ini:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	WriteWait        time.Duration `ini:"write_wait" env:"WRITE_WAIT"`
	PongWait         time.Duration `ini:"pong_wait" env:"PONG_WAIT"`
	PingPeriod       time.Duration `ini:"ping_period" env:"PING_PERIOD"`
}

// MediaConfig media transfer node
type MediaConfig struct {
	PortMin       int           `ini:"port_min" env:"PORT_MIN"`
	PortMax       int           `ini:"port_max" env:"PORT_MAX"`
	ReservedPorts []int         `ini:"reserved_ports" delim:"," env:"RESERVED_PORTS" envSeparator:","`
	Dir           string        `ini:"dir" env:"DIR"`
	MaxFileSize   int64         `ini:"max_file_size" env:"MAX_FILE_SIZE"`
	Retention     time.Duration `ini:"retention" env:"RETENTION"`
	MaxEntries    int           `ini:"max_entries" env:"MAX_ENTRIES"`
}

// DatabaseConfig driver is sqlite3 or mysql
type DatabaseConfig struct {
	Driver string `ini:"driver" env:"DRIVER"`
	Source string `ini:"source" env:"SOURCE"`
}

// RedisConfig redis config
type RedisConfig struct {
	Addr      string `ini:"addr" env:"ADDR"`
	Password  string `ini:"password" env:"PASSWORD"`
	Db        int    `ini:"db" env:"DB"`
	Namespace string `ini:"namespace" env:"NAMESPACE"`
}

// LogConfig LogConfig
type LogConfig struct {
	Dir    string `ini:"dir" env:"DIR"`
	Stderr bool   `ini:"stderr" env:"STDERR"`
}

// Config 系统配置信息
type Config struct {
	Node      NodeConfig      `envPrefix:"NODE_"`
	Directory DirectoryConfig `envPrefix:"DIRECTORY_"`
	Host      HostConfig      `envPrefix:"HOST_"`
	Realtime  RealtimeConfig  `envPrefix:"REALTIME_"`
	Media     MediaConfig     `envPrefix:"MEDIA_"`
	Database  DatabaseConfig  `envPrefix:"DATABASE_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Log       LogConfig       `envPrefix:"LOG_"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ListenIP:  "0.0.0.0",
			DataDir:   "./data",
			Heartbeat: 30 * time.Second,
		},
		Directory: DirectoryConfig{
			Address:    "127.0.0.1:5000",
			ListenIP:   "0.0.0.0",
			ListenPort: 5000,
			Table:      "memory",
		},
		Host: HostConfig{
			BasePort:         8000,
			PortAttempts:     1000,
			HandshakeTimeout: 10 * time.Second,
			MaxFrameSize:     4 << 20,
			CacheSize:        200,
		},
		Realtime: RealtimeConfig{
			BasePort:         5001,
			PortAttempts:     999,
			HandshakeTimeout: 10 * time.Second,
			MaxMessageSize:   1 << 20,
			WriteWait:        10 * time.Second,
			PongWait:         60 * time.Second,
			PingPeriod:       54 * time.Second,
		},
		Media: MediaConfig{
			PortMin:       9000,
			PortMax:       9999,
			ReservedPorts: []int{8080, 8888, 9090, 3306, 5432},
			Dir:           "./media",
			MaxFileSize:   100 << 20,
			Retention:     168 * time.Hour,
			MaxEntries:    1000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			Source: "./data/chat.db",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Log: LogConfig{
			Dir:    "./data/logs",
			Stderr: true,
		},
	}
}

// LoadConfig loads file over the defaults and then applies CHATMESH_*
// environment overrides. A missing file is not an error.
func LoadConfig(file string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(file); err == nil {
		cfg, err := ini.Load(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		sections := []struct {
			name string
			v    interface{}
		}{
			{"node", &config.Node},
			{"directory", &config.Directory},
			{"host", &config.Host},
			{"realtime", &config.Realtime},
			{"media", &config.Media},
			{"database", &config.Database},
			{"redis", &config.Redis},
			{"log", &config.Log},
		}
		for _, s := range sections {
			if err := cfg.Section(s.name).MapTo(s.v); err != nil {
				return nil, fmt.Errorf("section %s: %w", s.name, err)
			}
		}
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate Validate
func (c *Config) Validate() error {
	switch {
	case c.Host.PortAttempts <= 0:
		return fmt.Errorf("%w: host.port_attempts must be positive", ErrInvalidConfig)
	case c.Realtime.PortAttempts <= 0:
		return fmt.Errorf("%w: realtime.port_attempts must be positive", ErrInvalidConfig)
	case c.Media.PortMin <= 0 || c.Media.PortMax < c.Media.PortMin:
		return fmt.Errorf("%w: media port window %d-%d", ErrInvalidConfig, c.Media.PortMin, c.Media.PortMax)
	case c.Realtime.PingPeriod >= c.Realtime.PongWait:
		return fmt.Errorf("%w: realtime.ping_period must be below pong_wait", ErrInvalidConfig)
	case c.Directory.Table != "memory" && c.Directory.Table != "redis":
		return fmt.Errorf("%w: directory.table %q", ErrInvalidConfig, c.Directory.Table)
	}
	return nil
}

// EnsureDirs creates the data, media and log directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Node.DataDir, c.Media.Dir, c.Log.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return err
		}
	}
	return nil
}
