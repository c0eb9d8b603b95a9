// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package minidump

import (
	"encoding/binary"
	"fmt"
)

// cursor is a bounds-checked little-endian reader over the input buffer.
// The first failed read records a sticky error and turns all subsequent
// reads into no-ops returning zero, so decoding code can read a whole
// record and check the error once.
type cursor struct {
	data []byte
	kind string
	off  int
	ctx  string
	err  error
}

func (buf *cursor) truncated(stride int) bool {
	if buf.err != nil {
		return true
	}
	if buf.off < 0 || buf.off+stride > len(buf.data) {
		buf.err = fmt.Errorf("%w: %v truncated at offset %#x while %v",
			ErrCorrupt, buf.kind, buf.off, buf.ctx)
		return true
	}
	return false
}

func (buf *cursor) u8() uint8 {
	if buf.truncated(1) {
		return 0
	}
	r := buf.data[buf.off]
	buf.off++
	return r
}

func (buf *cursor) u16() uint16 {
	const stride = 2
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint16(buf.data[buf.off:])
	buf.off += stride
	return r
}

func (buf *cursor) u32() uint32 {
	const stride = 4
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint32(buf.data[buf.off:])
	buf.off += stride
	return r
}

func (buf *cursor) u64() uint64 {
	const stride = 8
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint64(buf.data[buf.off:])
	buf.off += stride
	return r
}

// location reads a MINIDUMP_LOCATION_DESCRIPTOR (size + rva) and returns
// the referenced region. The region must lie fully inside the buffer.
func (buf *cursor) location() (off int, raw []byte) {
	size := buf.u32()
	off = int(buf.u32())
	if buf.err != nil {
		return off, nil
	}
	end := off + int(size)
	if off < 0 || off > len(buf.data) || end > len(buf.data) || end < off {
		buf.err = fmt.Errorf("%w: location at %#x of size %#x is past the end of file, while %v",
			ErrCorrupt, off, size, buf.ctx)
		return 0, nil
	}
	return off, buf.data[off:end]
}

// utf16String reads a MINIDUMP_STRING: u32 byte length followed by
// UTF16LE characters.
func (buf *cursor) utf16String() string {
	start := buf.off
	size := buf.u32()
	if buf.err != nil {
		return ""
	}
	end := buf.off + int(size)
	if end > len(buf.data) || end < buf.off {
		buf.err = fmt.Errorf("%w: string at %#x of size %#x is past the end of file, while %v",
			ErrCorrupt, start, size, buf.ctx)
		return ""
	}
	return decodeUTF16(buf.data[buf.off:end])
}
