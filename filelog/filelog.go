// Package filelog is a block based on-disk queue. Writers append records,
// a single reader goroutine drains whole blocks into a subscriber. The
// channel host uses it as its notification outbox so fan-out never blocks
// a member's request.
package filelog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const (
	// DefaultBlockSize block size when Config.BlockSize is zero
	DefaultBlockSize = 4 * 1024
	maxBlockSize     = 65535
	// file header: read block index, write block index
	headerSize = 8
)

var (
	// littleEndian is a convenience variable since binary.LittleEndian is
	// quite long.
	littleEndian = binary.LittleEndian
)

var (
	// ErrRecordTooLarge a record that can never fit into a block
	ErrRecordTooLarge = errors.New("record larger than block")
	// ErrClosed the log has been closed
	ErrClosed = errors.New("filelog closed")

	errBlockLackOfSpace = errors.New("lack of space")
	errBlockEmpty       = errors.New("block empty")
	errNoMoreBlock      = errors.New("no more block")
	errBlockWriteOnly   = errors.New("block is write only")
	errBlockReadOnly    = errors.New("block is read only")
)

const (
	blockModeRead  = uint8(1)
	blockModeWrite = uint8(2)
)

// Block log Block
type Block struct {
	buf    []byte //block 数据
	offset uint16 // 读/写 偏移
	cap    uint16 // 容量
	length uint16 //record count
	mode   uint8  // 1:read 2:write
}

// block 一个 block 只能读或者写
func newBlock(b []byte, mode uint8) *Block {
	if len(b) == 0 {
		return nil
	}
	return &Block{
		buf:    b,
		offset: 2,
		cap:    uint16(len(b)),
		length: littleEndian.Uint16(b[0:2]),
		mode:   mode,
	}
}

func (block *Block) writeUint16(val uint16, offset uint16) {
	littleEndian.PutUint16(block.buf[offset:offset+2], val)
}

func (block *Block) readUint16(offset uint16) uint16 {
	return littleEndian.Uint16(block.buf[offset : offset+2])
}

func (block *Block) write(b []byte) error {
	if block.mode != blockModeWrite {
		return errBlockWriteOnly
	}
	blen := uint16(len(b))
	if !block.hasSpace(blen + 2) {
		return errBlockLackOfSpace
	}
	block.writeUint16(blen, block.offset)
	block.offset += 2

	copy(block.buf[block.offset:], b)
	block.offset += blen
	block.length++
	block.writeUint16(block.length, 0)
	return nil
}

func (block *Block) read() ([]byte, error) {
	if block.mode != blockModeRead {
		return nil, errBlockReadOnly
	}
	if block.offset+2 > block.cap || block.length == 0 {
		return nil, errBlockEmpty
	}

	blen := block.readUint16(block.offset)
	block.offset += 2

	if blen == 0 || block.offset+blen > block.cap {
		return nil, errBlockEmpty
	}
	buf := make([]byte, blen)
	copy(buf, block.buf[block.offset:])
	block.offset += blen
	block.length--

	return buf, nil
}

func (block *Block) bytes() []byte {
	return block.buf
}

func (block *Block) reset() {
	for i := range block.buf {
		block.buf[i] = 0
	}
	block.offset = 2
	block.length = 0
}

func (block *Block) hasSpace(space uint16) bool {
	return int(block.cap)-int(block.offset) >= int(space)
}

type writeLog struct {
	bytes []byte
	err   chan error
}

// FileLog 用于记录数据
type FileLog struct {
	mu         sync.Mutex
	writeblock int
	readblock  int
	blockSize  int
	file       *os.File
	writelog   chan writeLog
	sub        func(logs []*bytes.Buffer) error
	flush      time.Duration
	poll       time.Duration
	logger     *log.Logger
	quit       chan struct{}
	wake       chan struct{} // a block was appended
	written    chan struct{} // closed when writeloop has flushed and exited
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// Config Config
type Config struct {
	File string
	// BlockSize at most 65535
	BlockSize int
	// FlushInterval a partially filled block is appended after this long
	FlushInterval time.Duration
	// PollInterval how often the reader looks for new blocks
	PollInterval time.Duration
	// Discard drops blocks left unread by a previous process.
	Discard bool
	SubFunc func(logs []*bytes.Buffer) error
	Logger  *log.Logger
}

// NewFileLog 根据文件路径创建一个 FileLog. Blocks left unread by a
// previous process are delivered first unless Config.Discard is set.
func NewFileLog(config *Config) (*FileLog, error) {
	if config.SubFunc == nil {
		return nil, errors.New("filelog: SubFunc is required")
	}
	blockSize := config.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 8 || blockSize > maxBlockSize {
		return nil, fmt.Errorf("filelog: block size %d out of range", blockSize)
	}
	flush := config.FlushInterval
	if flush <= 0 {
		flush = time.Second
	}
	poll := config.PollInterval
	if poll <= 0 {
		poll = 300 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[filelog] ", log.LstdFlags)
	}

	// 此处不能设置为 os.O_APPEND 模式，否则在 docker offset 失效
	f, err := os.OpenFile(config.File, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if config.Discard {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
	}

	fl := &FileLog{
		file:       f,
		blockSize:  blockSize,
		writelog:   make(chan writeLog),
		sub:        config.SubFunc,
		flush:      flush,
		poll:       poll,
		logger:     logger,
		readblock:  int(readUint32(f, 0)),
		writeblock: int(readUint32(f, 4)),
		quit:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		written:    make(chan struct{}),
	}
	if fl.readblock > fl.writeblock {
		fl.readblock, fl.writeblock = 0, 0
	}
	fl.wg.Add(2)
	go fl.readloop()
	go fl.writeloop()

	return fl, nil
}

// Write 写一条信息到文件
func (flog *FileLog) Write(log []byte) error {
	if len(log)+4 > flog.blockSize {
		return ErrRecordTooLarge
	}
	errchan := make(chan error, 1)
	select {
	case flog.writelog <- writeLog{log, errchan}:
	case <-flog.quit:
		return ErrClosed
	}
	return <-errchan
}

func (flog *FileLog) writeloop() {
	defer flog.wg.Done()
	defer close(flog.written)
	t := time.NewTicker(flog.flush)
	defer t.Stop()

	block := newBlock(make([]byte, flog.blockSize), blockModeWrite)
	appendBlock := func() {
		if block.length == 0 {
			return
		}
		if err := flog.appendBlock(block.bytes()); err != nil {
			flog.logger.Println(err)
		}
		block.reset()
		select {
		case flog.wake <- struct{}{}:
		default:
		}
	}
	for {
		select {
		case wlog := <-flog.writelog:
			if !block.hasSpace(uint16(len(wlog.bytes) + 2)) {
				appendBlock()
			}
			wlog.err <- block.write(wlog.bytes)
		case <-t.C:
			appendBlock()
		case <-flog.quit:
			appendBlock()
			return
		}
	}
}

func (flog *FileLog) appendBlock(b []byte) error {
	flog.mu.Lock()
	defer flog.mu.Unlock()

	// 文件头8字节用于记录读写偏移量
	offset := flog.writeblock*flog.blockSize + headerSize
	if _, err := flog.file.WriteAt(b, int64(offset)); err != nil {
		return err
	}
	flog.writeblock++
	return writeUint32(flog.file, uint32(flog.writeblock), 4)
}

func (flog *FileLog) getBlock() ([]byte, error) {
	flog.mu.Lock()
	defer flog.mu.Unlock()

	if flog.readblock == flog.writeblock {
		return nil, errNoMoreBlock
	}
	// 从文件中读取一个块
	offset := flog.readblock*flog.blockSize + headerSize
	buf := make([]byte, flog.blockSize)
	if _, err := flog.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}

	// 读取之后无论处理是否成功不再重读，否则可能因为处理失败卡死在某个 block 中
	flog.readblock++
	if flog.readblock == flog.writeblock {
		flog.readblock = 0
		flog.writeblock = 0
		writeUint32(flog.file, 0, 4)
		flog.file.Truncate(headerSize)
	}
	writeUint32(flog.file, uint32(flog.readblock), 0)
	return buf, nil
}

func (flog *FileLog) readloop() {
	defer flog.wg.Done()
	t := time.NewTicker(flog.poll)
	defer t.Stop()

	for {
		select {
		case <-flog.quit:
			// the writer flushes its last block before exiting
			<-flog.written
			flog.drain()
			return
		case <-flog.wake:
		case <-t.C:
		}
		flog.drain()
	}
}

// drain delivers every appended block.
func (flog *FileLog) drain() {
	for {
		blockbuf, err := flog.getBlock()
		if err == errNoMoreBlock {
			return
		}
		if err != nil {
			flog.logger.Println(err)
			return
		}
		flog.deliver(newBlock(blockbuf, blockModeRead))
	}
}

func (flog *FileLog) deliver(block *Block) {
	list := make([]*bytes.Buffer, 0, block.length)
	for block.length > 0 {
		buf, err := block.read()
		if err != nil {
			flog.logger.Println(err)
			break
		}
		list = append(list, bytes.NewBuffer(buf))
	}
	if len(list) == 0 {
		return
	}
	if err := flog.sub(list); err != nil {
		flog.logger.Println(err)
	}
}

// Close flushes the pending block, delivers everything still queued, stops
// both loops and closes the file.
func (flog *FileLog) Close() error {
	var err error
	flog.closeOnce.Do(func() {
		close(flog.quit)
		flog.wg.Wait()
		err = flog.file.Close()
	})
	return err
}

func readUint32(file *os.File, offset int64) uint32 {
	buf := make([]byte, 4)
	n, err := file.ReadAt(buf, offset)
	if err != nil || n != 4 {
		return 0
	}
	return littleEndian.Uint32(buf)
}

func writeUint32(file *os.File, val uint32, offset int64) error {
	buf := make([]byte, 4)
	littleEndian.PutUint32(buf, val)
	_, err := file.WriteAt(buf, offset)
	return err
}
