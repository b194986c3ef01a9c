package filelog

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	sync.Mutex
	recs [][]byte
}

func (c *collector) sub(logs []*bytes.Buffer) error {
	c.Lock()
	defer c.Unlock()
	for _, l := range logs {
		c.recs = append(c.recs, l.Bytes())
	}
	return nil
}

func (c *collector) count() int {
	c.Lock()
	defer c.Unlock()
	return len(c.recs)
}

func TestFileLogDelivers(t *testing.T) {
	c := &collector{}
	fl, err := NewFileLog(&Config{
		File:          filepath.Join(t.TempDir(), "outbox.log"),
		BlockSize:     256,
		FlushInterval: 20 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		SubFunc:       c.sub,
	})
	require.NoError(t, err)
	defer fl.Close()

	msgCount := 500
	for i := 0; i < msgCount; i++ {
		buf := make([]byte, 32)
		littleEndian.PutUint16(buf, uint16(i))
		require.NoError(t, fl.Write(buf))
	}

	require.Eventually(t, func() bool { return c.count() == msgCount }, 5*time.Second, 10*time.Millisecond)
	c.Lock()
	for i, rec := range c.recs {
		assert.Equal(t, uint16(i), littleEndian.Uint16(rec))
	}
	c.Unlock()
}

func TestFileLogRecordTooLarge(t *testing.T) {
	fl, err := NewFileLog(&Config{
		File:      filepath.Join(t.TempDir(), "outbox.log"),
		BlockSize: 64,
		SubFunc:   func([]*bytes.Buffer) error { return nil },
	})
	require.NoError(t, err)
	defer fl.Close()

	assert.ErrorIs(t, fl.Write(make([]byte, 61)), ErrRecordTooLarge)
	assert.NoError(t, fl.Write(make([]byte, 60)))
}

// leaveBlocks appends one block per record to file without delivering
// them, as a process that died before its reader caught up would.
func leaveBlocks(t *testing.T, file string, recs ...string) {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()
	fl := &FileLog{file: f, blockSize: DefaultBlockSize}
	for _, r := range recs {
		b := newBlock(make([]byte, DefaultBlockSize), blockModeWrite)
		require.NoError(t, b.write([]byte(r)))
		require.NoError(t, fl.appendBlock(b.bytes()))
	}
}

func TestFileLogResumesAfterReopen(t *testing.T) {
	file := filepath.Join(t.TempDir(), "outbox.log")
	leaveBlocks(t, file, "one", "two")

	c := &collector{}
	fl, err := NewFileLog(&Config{
		File:         file,
		PollInterval: 10 * time.Millisecond,
		SubFunc:      c.sub,
	})
	require.NoError(t, err)
	defer fl.Close()

	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	c.Lock()
	assert.Equal(t, []byte("one"), c.recs[0])
	assert.Equal(t, []byte("two"), c.recs[1])
	c.Unlock()
}

func TestFileLogDiscard(t *testing.T) {
	file := filepath.Join(t.TempDir(), "outbox.log")
	leaveBlocks(t, file, "stale")

	c := &collector{}
	fl, err := NewFileLog(&Config{
		File:         file,
		PollInterval: 10 * time.Millisecond,
		Discard:      true,
		SubFunc:      c.sub,
	})
	require.NoError(t, err)
	require.NoError(t, fl.Write([]byte("fresh")))
	require.NoError(t, fl.Close())

	c.Lock()
	defer c.Unlock()
	require.Len(t, c.recs, 1)
	assert.Equal(t, []byte("fresh"), c.recs[0])
}

func TestFileLogCloseDrains(t *testing.T) {
	file := filepath.Join(t.TempDir(), "outbox.log")
	c := &collector{}
	fl, err := NewFileLog(&Config{
		File:          file,
		FlushInterval: time.Hour,
		PollInterval:  time.Hour,
		SubFunc:       c.sub,
	})
	require.NoError(t, err)
	require.NoError(t, fl.Write([]byte("one")))
	require.NoError(t, fl.Write([]byte("two")))
	require.NoError(t, fl.Close())
	assert.Equal(t, 2, c.count())
	assert.ErrorIs(t, fl.Write([]byte("three")), ErrClosed)

	// nothing is left for the next process
	again := &collector{}
	fl, err = NewFileLog(&Config{File: file, PollInterval: 10 * time.Millisecond, SubFunc: again.sub})
	require.NoError(t, err)
	defer fl.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, again.count())
}

func TestFileLogWakesReader(t *testing.T) {
	c := &collector{}
	fl, err := NewFileLog(&Config{
		File:          filepath.Join(t.TempDir(), "outbox.log"),
		FlushInterval: 5 * time.Millisecond,
		PollInterval:  time.Hour,
		SubFunc:       c.sub,
	})
	require.NoError(t, err)
	defer fl.Close()

	require.NoError(t, fl.Write([]byte("ping")))
	assert.Eventually(t, func() bool { return c.count() == 1 }, 200*time.Millisecond, 5*time.Millisecond)
}

func TestBlockReadWrite(t *testing.T) {
	w := newBlock(make([]byte, 16), blockModeWrite)
	require.NoError(t, w.write([]byte("abc")))
	require.NoError(t, w.write([]byte("de")))
	assert.Equal(t, errBlockLackOfSpace, w.write([]byte("toolong")))

	r := newBlock(append([]byte(nil), w.bytes()...), blockModeRead)
	assert.Equal(t, uint16(2), r.length)
	b, err := r.read()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
	b, err = r.read()
	require.NoError(t, err)
	assert.Equal(t, "de", string(b))
	_, err = r.read()
	assert.Equal(t, errBlockEmpty, err)
}
