package database

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeerTable(t *testing.T, c PeerTable) {
	p, err := c.GetPeer("nobody")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, c.SetPeer(&Peer{ID: "a", IP: "127.0.0.1", Port: 9001, Status: StatusOnline}))
	require.NoError(t, c.SetPeer(&Peer{ID: "b", IP: "127.0.0.1", Port: 9002, Status: StatusOnline}))
	require.NoError(t, c.SetPeer(&Peer{ID: "a", IP: "10.0.0.2", Port: 9003, Status: StatusOnline}))

	p, err = c.GetPeer("a")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "10.0.0.2", p.IP)
	assert.Equal(t, 9003, p.Port)

	peers, err := c.GetPeers()
	require.NoError(t, err)
	assert.Len(t, peers, 2)

	require.NoError(t, c.DelPeer("b"))
	peers, err = c.GetPeers()
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	require.NoError(t, c.Clean())
	peers, err = c.GetPeers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestMemPeerTable(t *testing.T) {
	c := NewMemPeerTable()
	defer c.Close()
	testPeerTable(t, c)
}

func TestMemPeerTableClosed(t *testing.T) {
	c := NewMemPeerTable()
	c.Close()
	c.Close()
	assert.NoError(t, c.SetPeer(&Peer{ID: "a"}))
	p, err := c.GetPeer("a")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestRedisPeerTable(t *testing.T) {
	addr := os.Getenv("CHATMESH_TEST_REDIS")
	if addr == "" {
		t.Skip("CHATMESH_TEST_REDIS not set")
	}
	client := InitRedis(addr, "", 0)
	defer client.Close()
	testPeerTable(t, NewRedisPeerTable(client, "chatmesh-test"))
}
