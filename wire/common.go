// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"io"
)

var (
	// bigEndian is a convenience variable since binary.BigEndian is
	// quite long. Every length on the wire is network byte order.
	bigEndian = binary.BigEndian
)

// ReadUint64 reads a big-endian uint64 from r.
func ReadUint64(r io.Reader) (uint64, error) {
	var bytes = make([]byte, 8)
	if _, err := io.ReadFull(r, bytes); err != nil {
		return 0, err
	}
	return bigEndian.Uint64(bytes), nil
}

// ReadBytes reads one length-prefixed []byte from r. The first 8 bytes
// must be the big-endian length of the payload.
func ReadBytes(r io.Reader, max uint64) ([]byte, error) {
	len, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if max > 0 && len > max {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, len)
	if _, err = io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBytes writes buf to w preceded by its 8 byte big-endian length.
// Header and payload go out in a single Write so concurrent writers
// guarded by one mutex never interleave partial frames.
func WriteBytes(w io.Writer, buf []byte) error {
	frame := make([]byte, FrameHeaderLen+len(buf))
	bigEndian.PutUint64(frame, uint64(len(buf)))
	copy(frame[FrameHeaderLen:], buf)
	_, err := w.Write(frame)
	return err
}
