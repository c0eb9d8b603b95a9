// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package minidump decodes minidump crash snapshots into typed records.
//
// The format is a fixed header followed by a directory of typed streams,
// each referenced by a location descriptor (size + file offset).
// See the MINIDUMP_HEADER documentation on MSDN and breakpad's
// minidump_format.h for the authoritative layout.
//
// The decoder never reads outside the input buffer: every access goes
// through a bounds-checked cursor, and any out-of-range reference fails
// the parse with an error wrapping ErrCorrupt.
package minidump

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf16"
)

// ErrCorrupt is wrapped by all errors reported for malformed input.
var ErrCorrupt = errors.New("corrupt minidump")

const (
	signature = 0x504d444d // 'MDMP'
	version   = 0xa793
)

// Stream types of the minidump directory.
const (
	streamThreadList   = 3
	streamModuleList   = 4
	streamMemoryList   = 5
	streamException    = 6
	streamSystemInfo   = 7
	streamMemory64List = 9
	streamMiscInfo     = 15
)

// Arch identifies the CPU architecture recorded in the system info stream.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchARM64
)

func (arch Arch) String() string {
	switch arch {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	}
	return "unknown"
}

// Processor architecture values of MINIDUMP_SYSTEM_INFO.
const (
	cpuArchAMD64 = 9
	cpuArchARM64 = 12
)

// Minidump is the immutable parsed view of one crash snapshot.
type Minidump struct {
	Pid       uint32
	Timestamp time.Time
	Arch      Arch
	OS        string
	Crash     *CrashInfo
	Threads   []Thread
	Modules   []Module
	Memory    []MemoryRange
}

// CrashInfo describes the exception that terminated the process.
type CrashInfo struct {
	ThreadID uint32
	Code     uint32
	Address  uint64
}

// Module is one loaded module of the crashed process.
// BuildID is the content-derived identifier used as the symbol cache key:
// two modules with equal BuildID are assumed byte-identical for symbol
// purposes.
type Module struct {
	Base      uint64
	Size      uint64
	Name      string
	DebugFile string
	BuildID   string
	Version   string
}

// Contains reports whether addr falls inside the module's code range.
func (mod *Module) Contains(addr uint64) bool {
	return addr >= mod.Base && addr < mod.Base+mod.Size
}

// Thread holds one thread's crash-time state: its raw stack memory and
// the register set saved when the snapshot was taken.
type Thread struct {
	ID        uint32
	StackBase uint64
	Stack     []byte
	Regs      Regs
}

// Regs is the architecture-neutral subset of the saved register context
// that stack walking needs.
type Regs struct {
	IP uint64
	SP uint64
	FP uint64
	LR uint64 // arm64 link register, zero elsewhere
}

// MemoryRange is a region of process memory included in the snapshot.
type MemoryRange struct {
	Addr uint64
	Data []byte
}

// ParseFile reads and parses the minidump file at path.
func ParseFile(path string) (*Minidump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a minidump from data. The returned Minidump aliases data
// for memory contents and must not outlive it.
//
// Failure to decode a mandatory stream (thread list, module list) fails
// the parse; optional streams (system info, exception, misc info,
// memory) degrade to zero values.
func Parse(data []byte) (*Minidump, error) {
	buf := &cursor{data: data, kind: "file"}
	dump := new(Minidump)
	streams := readHeader(dump, buf)
	if buf.err != nil {
		return nil, buf.err
	}
	// System info first: thread context decoding depends on the
	// architecture. Its absence is tolerated (amd64 assumed), like any
	// other optional stream.
	for _, stream := range streams {
		if stream.typ == streamSystemInfo {
			readSystemInfo(dump, stream.buf(buf, "system info"))
		}
	}
	if dump.Arch == ArchUnknown {
		dump.Arch = ArchAMD64
	}
	var sawThreads, sawModules bool
	for _, stream := range streams {
		switch stream.typ {
		case streamThreadList:
			sub := stream.buf(buf, "thread list")
			readThreadList(dump, sub)
			if sub.err != nil {
				return nil, sub.err
			}
			sawThreads = true
		case streamModuleList:
			sub := stream.buf(buf, "module list")
			readModuleList(dump, sub)
			if sub.err != nil {
				return nil, sub.err
			}
			sawModules = true
		// Errors of the optional streams below are dropped and the
		// corresponding field stays zero.
		case streamException:
			readException(dump, stream.buf(buf, "exception"))
		case streamMemoryList:
			readMemoryList(dump, stream.buf(buf, "memory list"))
		case streamMemory64List:
			readMemory64List(dump, stream.buf(buf, "memory64 list"))
		case streamMiscInfo:
			readMiscInfo(dump, stream.buf(buf, "misc info"))
		}
	}
	if !sawThreads {
		return nil, fmt.Errorf("%w: no thread list stream", ErrCorrupt)
	}
	if !sawModules {
		return nil, fmt.Errorf("%w: no module list stream", ErrCorrupt)
	}
	return dump, nil
}

type stream struct {
	typ uint32
	off int
}

func (s *stream) buf(buf *cursor, name string) *cursor {
	return &cursor{
		data: buf.data,
		kind: "stream",
		off:  s.off,
		ctx:  fmt.Sprintf("reading %v stream at %#x", name, s.off),
	}
}

func readHeader(dump *Minidump, buf *cursor) []stream {
	buf.ctx = "reading header"
	if sig := buf.u32(); buf.err == nil && sig != signature {
		buf.err = fmt.Errorf("%w: invalid signature %#x", ErrCorrupt, sig)
		return nil
	}
	if ver := buf.u16(); buf.err == nil && ver != version {
		buf.err = fmt.Errorf("%w: invalid version %#x", ErrCorrupt, ver)
		return nil
	}
	buf.u16() // implementation-specific version
	streamNum := buf.u32()
	streamOff := buf.u32()
	buf.u32() // checksum, always 0 in practice
	dump.Timestamp = time.Unix(int64(buf.u32()), 0).UTC()
	buf.u64() // flags
	if buf.err != nil {
		return nil
	}

	buf.off = int(streamOff)
	streams := make([]stream, 0, streamNum)
	for i := uint32(0); i < streamNum; i++ {
		buf.ctx = fmt.Sprintf("reading directory entry %v", i)
		typ := buf.u32()
		buf.u32() // stream size, re-validated when the stream is decoded
		off := int(buf.u32())
		if buf.err != nil {
			return nil
		}
		streams = append(streams, stream{typ: typ, off: off})
	}
	return streams
}

func readSystemInfo(dump *Minidump, buf *cursor) {
	arch := buf.u16()
	buf.u16() // processor level
	buf.u16() // processor revision
	buf.u8()  // number of processors
	buf.u8()  // product type
	buf.u32() // os major version
	buf.u32() // os minor version
	buf.u32() // os build number
	platform := buf.u32()
	if buf.err != nil {
		return
	}
	switch arch {
	case cpuArchAMD64:
		dump.Arch = ArchAMD64
	case cpuArchARM64:
		dump.Arch = ArchARM64
	}
	dump.OS = platformName(platform)
}

// Platform ids of MINIDUMP_SYSTEM_INFO.
func platformName(platform uint32) string {
	switch platform {
	case 2:
		return "windows"
	case 0x8101:
		return "macos"
	case 0x8201:
		return "linux"
	case 0x8202:
		return "solaris"
	case 0x8203:
		return "android"
	}
	return fmt.Sprintf("platform-%#x", platform)
}

func readThreadList(dump *Minidump, buf *cursor) {
	count := buf.u32()
	if buf.err != nil {
		return
	}
	dump.Threads = make([]Thread, count)
	for i := range dump.Threads {
		buf.ctx = fmt.Sprintf("reading thread list entry %v", i)
		thread := &dump.Threads[i]
		thread.ID = buf.u32()
		buf.u32() // suspend count
		buf.u32() // priority class
		buf.u32() // priority
		buf.u64() // TEB
		thread.StackBase = buf.u64()
		_, thread.Stack = buf.location()
		_, rawContext := buf.location()
		if buf.err != nil {
			dump.Threads = nil
			return
		}
		thread.Regs = decodeContext(dump.Arch, rawContext)
		dump.Memory = append(dump.Memory, MemoryRange{thread.StackBase, thread.Stack})
	}
}

func readModuleList(dump *Minidump, buf *cursor) {
	count := buf.u32()
	if buf.err != nil {
		return
	}
	dump.Modules = make([]Module, count)
	for i := range dump.Modules {
		buf.ctx = fmt.Sprintf("reading module list entry %v", i)
		mod := &dump.Modules[i]
		mod.Base = buf.u64()
		mod.Size = uint64(buf.u32())
		buf.u32() // checksum
		buf.u32() // timestamp
		nameOff := int(buf.u32())
		version := readVersionInfo(buf)
		_, cvRecord := buf.location()
		_, _ = buf.location() // misc record, obsolete
		buf.u64() // reserved0
		buf.u64() // reserved1
		if buf.err != nil {
			dump.Modules = nil
			return
		}
		mod.Version = version
		nameBuf := &cursor{data: buf.data, kind: "file", off: nameOff, ctx: buf.ctx}
		mod.Name = nameBuf.utf16String()
		if nameBuf.err != nil {
			buf.err = nameBuf.err
			dump.Modules = nil
			return
		}
		mod.DebugFile, mod.BuildID = parseCodeView(cvRecord)
		if mod.DebugFile == "" {
			mod.DebugFile = basename(mod.Name)
		}
	}
}

// readVersionInfo decodes VS_FIXEDFILEINFO and renders the file version.
func readVersionInfo(buf *cursor) string {
	var fields [13]uint32
	for i := range fields {
		fields[i] = buf.u32()
	}
	const vsSignature = 0xfeef04bd
	if buf.err != nil || fields[0] != vsSignature {
		return ""
	}
	hi, lo := fields[2], fields[3]
	return fmt.Sprintf("%v.%v.%v.%v", hi>>16, hi&0xffff, lo>>16, lo&0xffff)
}

func readException(dump *Minidump, buf *cursor) {
	threadID := buf.u32()
	buf.u32() // alignment
	code := buf.u32()
	buf.u32() // exception flags
	buf.u64() // inner exception record
	address := buf.u64()
	if buf.err != nil {
		return
	}
	dump.Crash = &CrashInfo{ThreadID: threadID, Code: code, Address: address}
}

func readMemoryList(dump *Minidump, buf *cursor) {
	count := buf.u32()
	if buf.err != nil {
		return
	}
	for i := uint32(0); i < count; i++ {
		buf.ctx = fmt.Sprintf("reading memory list entry %v", i)
		addr := buf.u64()
		_, data := buf.location()
		if buf.err != nil {
			return
		}
		dump.Memory = append(dump.Memory, MemoryRange{addr, data})
	}
}

func readMemory64List(dump *Minidump, buf *cursor) {
	count := buf.u64()
	base := int(buf.u64())
	if buf.err != nil {
		return
	}
	for i := uint64(0); i < count; i++ {
		buf.ctx = fmt.Sprintf("reading memory64 list entry %v", i)
		addr := buf.u64()
		size := buf.u64()
		if buf.err != nil {
			return
		}
		end := base + int(size)
		if base < 0 || base >= len(buf.data) || end > len(buf.data) || end < base {
			buf.err = fmt.Errorf("%w: memory range at %#x of size %#x is past the end of file, while %s",
				ErrCorrupt, base, size, buf.ctx)
			return
		}
		dump.Memory = append(dump.Memory, MemoryRange{addr, buf.data[base:end]})
		base = end
	}
}

func readMiscInfo(dump *Minidump, buf *cursor) {
	buf.u32() // size of info
	buf.u32() // flags1
	pid := buf.u32()
	if buf.err != nil {
		return
	}
	dump.Pid = pid
}

// decodeUTF16 converts a UTF16LE string to UTF8, dropping a trailing NUL.
func decodeUTF16(in []byte) string {
	u16 := make([]uint16, 0, len(in)/2)
	for i := 0; i+1 < len(in); i += 2 {
		u16 = append(u16, uint16(in[i])|uint16(in[i+1])<<8)
	}
	s := string(utf16.Decode(u16))
	if len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
