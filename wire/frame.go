package wire

import (
	"errors"
	"io"
	"net"
)

// FrameHeaderLen is the size of the big-endian length prefix in front of
// every frame.
const FrameHeaderLen = 8

// DefaultMaxFrameSize bounds frames on the JSON record channels.
const DefaultMaxFrameSize = 4 << 20

var (
	// ErrFrameTooLarge is returned when a peer announces a frame larger
	// than the reader accepts.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// FrameReader assembles length-prefixed frames from a stream whose reads
// may time out. A read error such as a deadline does not lose the partially
// read frame: the next call to Next resumes where the previous one stopped.
//
// A stream that ends, cleanly or in the middle of a frame, yields io.EOF.
type FrameReader struct {
	r   io.Reader
	max uint64

	header  [FrameHeaderLen]byte
	headerN int

	body  []byte
	bodyN int
}

// NewFrameReader wraps r. A max of zero disables the size check.
func NewFrameReader(r io.Reader, max uint64) *FrameReader {
	return &FrameReader{r: r, max: max}
}

// Next returns the next complete frame.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		if fr.body == nil {
			n, err := fr.r.Read(fr.header[fr.headerN:])
			fr.headerN += n
			if fr.headerN < FrameHeaderLen {
				if err != nil {
					return nil, fr.readErr(err)
				}
				continue
			}
			size := bigEndian.Uint64(fr.header[:])
			if fr.max > 0 && size > fr.max {
				return nil, ErrFrameTooLarge
			}
			fr.body = make([]byte, size)
			fr.bodyN = 0
		}

		if fr.bodyN < len(fr.body) {
			n, err := fr.r.Read(fr.body[fr.bodyN:])
			fr.bodyN += n
			if fr.bodyN < len(fr.body) {
				if err != nil {
					return nil, fr.readErr(err)
				}
				continue
			}
		}

		frame := fr.body
		fr.headerN = 0
		fr.body = nil
		fr.bodyN = 0
		return frame, nil
	}
}

// Pending reports whether a frame has been partially read.
func (fr *FrameReader) Pending() bool {
	return fr.headerN > 0
}

func (fr *FrameReader) readErr(err error) error {
	if err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	return err
}

// IsTimeout reports whether err is a network deadline error.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err means the peer went away.
func IsClosed(err error) bool {
	return err == io.EOF || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
