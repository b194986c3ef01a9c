package netutil

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnSetCloseAll(t *testing.T) {
	set := NewConnSet()
	a, b := net.Pipe()
	c, d := net.Pipe()
	defer b.Close()
	defer d.Close()

	set.Add(a)
	set.Add(c)
	set.Add(c)
	assert.Equal(t, 2, set.Len())
	set.Remove(c)
	assert.Equal(t, 1, set.Len())

	set.CloseAll()
	assert.Equal(t, 0, set.Len())
	_, err := a.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	// removed connections are left open
	go d.Read(make([]byte, 1))
	_, err = c.Write([]byte("x"))
	assert.NoError(t, err)
	c.Close()
}
