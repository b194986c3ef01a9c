// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"
)

func TestReadBytes(t *testing.T) {
	var buf bytes.Buffer

	str := "hello 你好"
	if err := WriteBytes(&buf, []byte(str)); err != nil {
		t.Error(err)
	}
	if err := WriteBytes(&buf, []byte(str)); err != nil {
		t.Error(err)
	}

	for i := 0; i < 2; i++ {
		got, err := ReadBytes(&buf, 0)
		if err != nil {
			t.Error(err)
		}
		if string(got) != str {
			t.Error(string(got))
		}
	}
}

func TestReadBytesTooLarge(t *testing.T) {
	var buf bytes.Buffer
	WriteBytes(&buf, make([]byte, 32))

	if _, err := ReadBytes(&buf, 16); err != ErrFrameTooLarge {
		t.Errorf("ReadBytes() error = %v, want %v", err, ErrFrameTooLarge)
	}
}
