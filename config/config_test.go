package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[node]
user_id = 7
username = alice
heartbeat = 5s

[host]
base_port = 18000
port_attempts = 20

[media]
reserved_ports = 9001,9002
retention = 24h

[directory]
table = redis
`

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf.ini")
	require.NoError(t, os.WriteFile(file, []byte(sample), 0644))

	got, err := LoadConfig(file)
	require.NoError(t, err)

	assert.Equal(t, int64(7), got.Node.UserID)
	assert.Equal(t, "alice", got.Node.Username)
	assert.Equal(t, 5*time.Second, got.Node.Heartbeat)
	assert.Equal(t, 18000, got.Host.BasePort)
	assert.Equal(t, 20, got.Host.PortAttempts)
	assert.Equal(t, []int{9001, 9002}, got.Media.ReservedPorts)
	assert.Equal(t, 24*time.Hour, got.Media.Retention)
	assert.Equal(t, "redis", got.Directory.Table)
	// untouched keys keep their defaults
	assert.Equal(t, 9000, got.Media.PortMin)
	assert.Equal(t, "sqlite3", got.Database.Driver)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf.ini")
	require.NoError(t, os.WriteFile(file, []byte(sample), 0644))
	t.Setenv("CHATMESH_NODE_USERNAME", "bob")
	t.Setenv("CHATMESH_HOST_BASE_PORT", "19000")

	got, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Node.Username)
	assert.Equal(t, 19000, got.Host.BasePort)
}

func TestLoadConfigMissingFile(t *testing.T) {
	got, err := LoadConfig(filepath.Join(t.TempDir(), "none.ini"))
	require.NoError(t, err)
	assert.Equal(t, Default(), got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"host attempts", func(c *Config) { c.Host.PortAttempts = 0 }},
		{"media window", func(c *Config) { c.Media.PortMax = c.Media.PortMin - 1 }},
		{"ping period", func(c *Config) { c.Realtime.PingPeriod = c.Realtime.PongWait }},
		{"table", func(c *Config) { c.Directory.Table = "etcd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
	assert.NoError(t, Default().Validate())
}
