package netutil

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) (net.Listener, int) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestListenSkipsBoundPort(t *testing.T) {
	taken, port := freePort(t)
	defer taken.Close()

	ln, got, err := ListenSequential("127.0.0.1", port, 20)
	require.NoError(t, err)
	defer ln.Close()

	assert.Greater(t, got, port)
	assert.Equal(t, got, ln.Addr().(*net.TCPAddr).Port)
}

func TestListenSkipsReserved(t *testing.T) {
	probe, port := freePort(t)
	probe.Close()

	ln, got, err := Listen("127.0.0.1", port, port+20, ReservedSet([]int{port}))
	require.NoError(t, err)
	defer ln.Close()

	assert.NotEqual(t, port, got)
}

func TestListenExhausted(t *testing.T) {
	taken, port := freePort(t)
	defer taken.Close()

	_, _, err := Listen("127.0.0.1", port, port, nil)
	assert.True(t, errors.Is(err, ErrNoPortAvailable))

	_, _, err = Listen("127.0.0.1", port, port+5, ReservedSet([]int{port, port + 1, port + 2, port + 3, port + 4, port + 5}))
	assert.True(t, errors.Is(err, ErrNoPortAvailable))
}

func TestListenInvalidWindow(t *testing.T) {
	_, _, err := Listen("127.0.0.1", 10, 5, nil)
	assert.Error(t, err)
}
