// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package minidump

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/crashmill/crashmill/pkg/minidump/minidumptest"
	"github.com/crashmill/crashmill/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSample() []byte {
	return minidumptest.NewBuilder().
		Pid(4242).
		Module("/usr/lib/app", 0x400000, 0x10000, "abc123").
		Module("/usr/lib/libfoo.so", 0x7f0000000000, 0x20000, "deadbeef01").
		Thread(7, minidumptest.Regs{IP: 0x400010, SP: 0x7ffc0000, FP: 0x7ffc0040},
			0x7ffc0000, make([]byte, 0x100)).
		Thread(8, minidumptest.Regs{IP: 0x7f0000000100, SP: 0x7ffd0000, FP: 0},
			0x7ffd0000, make([]byte, 0x80)).
		Crash(7, 11, 0x400010).
		Build()
}

func TestParse(t *testing.T) {
	dump, err := Parse(buildSample())
	require.NoError(t, err)
	assert.Equal(t, uint32(4242), dump.Pid)
	assert.Equal(t, ArchAMD64, dump.Arch)
	assert.Equal(t, "linux", dump.OS)

	require.Len(t, dump.Modules, 2)
	assert.Equal(t, "/usr/lib/app", dump.Modules[0].Name)
	assert.Equal(t, "app", dump.Modules[0].DebugFile)
	assert.Equal(t, "ABC123", dump.Modules[0].BuildID)
	assert.Equal(t, uint64(0x400000), dump.Modules[0].Base)
	assert.Equal(t, uint64(0x10000), dump.Modules[0].Size)
	assert.True(t, dump.Modules[0].Contains(0x400010))
	assert.False(t, dump.Modules[0].Contains(0x410000))
	// The second entry starts one full 108-byte module record after the
	// first; a stride mistake garbles everything below.
	assert.Equal(t, "/usr/lib/libfoo.so", dump.Modules[1].Name)
	assert.Equal(t, "libfoo.so", dump.Modules[1].DebugFile)
	assert.Equal(t, "DEADBEEF01", dump.Modules[1].BuildID)
	assert.Equal(t, uint64(0x7f0000000000), dump.Modules[1].Base)

	require.Len(t, dump.Threads, 2)
	assert.Equal(t, uint32(7), dump.Threads[0].ID)
	assert.Equal(t, uint64(0x400010), dump.Threads[0].Regs.IP)
	assert.Equal(t, uint64(0x7ffc0000), dump.Threads[0].Regs.SP)
	assert.Equal(t, uint64(0x7ffc0040), dump.Threads[0].Regs.FP)
	assert.Equal(t, uint64(0x7ffc0000), dump.Threads[0].StackBase)
	assert.Len(t, dump.Threads[0].Stack, 0x100)

	require.NotNil(t, dump.Crash)
	assert.Equal(t, uint32(7), dump.Crash.ThreadID)
	assert.Equal(t, uint32(11), dump.Crash.Code)
	assert.Equal(t, uint64(0x400010), dump.Crash.Address)
}

func TestParseARM64(t *testing.T) {
	data := minidumptest.NewBuilder().ARM64().
		Module("libbar.so", 0x1000, 0x1000, "0102").
		Thread(1, minidumptest.Regs{IP: 0x1010, SP: 0x8000, FP: 0x8040, LR: 0x1080},
			0x8000, make([]byte, 0x100)).
		Build()
	dump, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, ArchARM64, dump.Arch)
	require.Len(t, dump.Threads, 1)
	assert.Equal(t, uint64(0x1010), dump.Threads[0].Regs.IP)
	assert.Equal(t, uint64(0x1080), dump.Threads[0].Regs.LR)
}

func TestParseBadSignature(t *testing.T) {
	data := buildSample()
	binary.LittleEndian.PutUint32(data, 0x12345678)
	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

// A dump without thread/module list streams must fail even if the header
// itself is well-formed.
func TestParseNoMandatoryStreams(t *testing.T) {
	var data []byte
	data = binary.LittleEndian.AppendUint32(data, 0x504d444d)
	data = binary.LittleEndian.AppendUint16(data, 0xa793)
	data = binary.LittleEndian.AppendUint16(data, 0)
	data = binary.LittleEndian.AppendUint32(data, 0)  // no streams
	data = binary.LittleEndian.AppendUint32(data, 32) // directory right after header
	data = binary.LittleEndian.AppendUint32(data, 0)
	data = binary.LittleEndian.AppendUint32(data, 0)
	data = binary.LittleEndian.AppendUint64(data, 0)
	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrCorrupt)
}

// Parse must never read out of bounds or panic on truncated input.
func TestParseTruncated(t *testing.T) {
	data := buildSample()
	for size := 0; size < len(data); size++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("panic on truncated input of size %v: %v", size, r)
				}
			}()
			Parse(data[:size])
		}()
	}
}

// Random corruption must yield either a clean error or a parsed dump,
// never a panic.
func TestParseFuzzed(t *testing.T) {
	rnd := rand.New(testutil.RandSource(t))
	orig := buildSample()
	for i := 0; i < testutil.IterCount(); i++ {
		data := append([]byte{}, orig...)
		for n := rnd.Intn(8) + 1; n > 0; n-- {
			data[rnd.Intn(len(data))] = byte(rnd.Intn(256))
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("panic on fuzzed input: %v", r)
				}
			}()
			Parse(data)
		}()
	}
}

func TestDecodeContextShort(t *testing.T) {
	regs := decodeContext(ArchAMD64, make([]byte, 16))
	assert.Equal(t, Regs{}, regs)
	regs = decodeContext(ArchARM64, make([]byte, 16))
	assert.Equal(t, Regs{}, regs)
}

func TestParseCodeViewPDB70(t *testing.T) {
	record := make([]byte, 0, 40)
	record = binary.LittleEndian.AppendUint32(record, 0x53445352) // RSDS
	guid := []byte{
		0x78, 0x56, 0x34, 0x12, // data1, little-endian
		0xbc, 0x9a, // data2
		0xf0, 0xde, // data3
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // data4
	}
	record = append(record, guid...)
	record = binary.LittleEndian.AppendUint32(record, 0xb) // age
	record = append(record, []byte("app.pdb\x00")...)
	debugFile, buildID := parseCodeView(record)
	assert.Equal(t, "app.pdb", debugFile)
	// Symbol-server ids are fully uppercase, age included.
	assert.Equal(t, "123456789ABCDEF00102030405060708B", buildID)
}
