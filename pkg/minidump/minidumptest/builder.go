// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package minidumptest assembles synthetic minidump images for tests.
package minidumptest

import (
	"encoding/binary"
	"encoding/hex"
	"unicode/utf16"
)

const (
	signature = 0x504d444d
	version   = 0xa793

	streamThreadList   = 3
	streamModuleList   = 4
	streamException    = 6
	streamSystemInfo   = 7
	streamMiscInfo     = 15

	cpuArchAMD64 = 9
	cpuArchARM64 = 12

	platformLinux = 0x8201
)

// Register offsets mirroring the real context layouts.
const (
	amd64ContextSize = 0x100
	amd64Rsp         = 0x98
	amd64Rbp         = 0xa0
	amd64Rip         = 0xf8

	arm64ContextSize = 8 + 33*8
	arm64Fp          = 8 + 29*8
	arm64Lr          = 8 + 30*8
	arm64Sp          = 8 + 31*8
	arm64Pc          = 8 + 32*8
)

// Regs mirrors minidump.Regs without importing it (the parser package
// imports this one from its tests).
type Regs struct {
	IP, SP, FP, LR uint64
}

type module struct {
	name    string
	base    uint64
	size    uint32
	buildID []byte // raw bytes of an ELF build id CV record
}

type thread struct {
	id        uint32
	regs      Regs
	stackBase uint64
	stack     []byte
}

type exception struct {
	threadID uint32
	code     uint32
	addr     uint64
}

// Builder accumulates modules and threads and serializes them into a
// valid minidump byte image.
type Builder struct {
	arch    uint16
	pid     uint32
	crash   *exception
	modules []module
	threads []thread
}

func NewBuilder() *Builder {
	return &Builder{arch: cpuArchAMD64, pid: 1}
}

func (b *Builder) ARM64() *Builder {
	b.arch = cpuArchARM64
	return b
}

func (b *Builder) Pid(pid uint32) *Builder {
	b.pid = pid
	return b
}

// Module adds a loaded module. buildID is the hex build identifier the
// parsed module should report.
func (b *Builder) Module(name string, base uint64, size uint32, buildID string) *Builder {
	raw, err := hex.DecodeString(buildID)
	if err != nil {
		panic("minidumptest: build id must be hex: " + buildID)
	}
	b.modules = append(b.modules, module{name: name, base: base, size: size, buildID: raw})
	return b
}

func (b *Builder) Thread(id uint32, regs Regs, stackBase uint64, stack []byte) *Builder {
	b.threads = append(b.threads, thread{id: id, regs: regs, stackBase: stackBase, stack: stack})
	return b
}

func (b *Builder) Crash(threadID, code uint32, addr uint64) *Builder {
	b.crash = &exception{threadID: threadID, code: code, addr: addr}
	return b
}

type image struct {
	data []byte
}

func (img *image) u16(v uint16) { img.data = binary.LittleEndian.AppendUint16(img.data, v) }
func (img *image) u32(v uint32) { img.data = binary.LittleEndian.AppendUint32(img.data, v) }
func (img *image) u64(v uint64) { img.data = binary.LittleEndian.AppendUint64(img.data, v) }

func (img *image) bytes(data []byte) int {
	off := len(img.data)
	img.data = append(img.data, data...)
	return off
}

// utf16String appends a MINIDUMP_STRING and returns its offset.
func (img *image) utf16String(s string) int {
	off := len(img.data)
	units := utf16.Encode([]rune(s))
	img.u32(uint32(len(units) * 2))
	for _, u := range units {
		img.u16(u)
	}
	img.u16(0)
	return off
}

// Build serializes the dump.
func (b *Builder) Build() []byte {
	img := &image{}
	// Header, directory offset patched at the end.
	img.u32(signature)
	img.u16(version)
	img.u16(0)
	numStreams := 4 // system info, misc info, thread list, module list
	if b.crash != nil {
		numStreams++
	}
	img.u32(uint32(numStreams))
	dirOffPatch := len(img.data)
	img.u32(0)          // directory offset
	img.u32(0)          // checksum
	img.u32(0x66000000) // timestamp
	img.u64(0)          // flags

	// Payload blobs referenced by the streams.
	nameOffs := make([]int, len(b.modules))
	cvOffs := make([]int, len(b.modules))
	cvLens := make([]int, len(b.modules))
	for i, mod := range b.modules {
		nameOffs[i] = img.utf16String(mod.name)
		cv := make([]byte, 4+len(mod.buildID))
		binary.LittleEndian.PutUint32(cv, 0x4270454c) // ELF build id record
		copy(cv[4:], mod.buildID)
		cvOffs[i] = img.bytes(cv)
		cvLens[i] = len(cv)
	}
	stackOffs := make([]int, len(b.threads))
	ctxOffs := make([]int, len(b.threads))
	ctxLen := amd64ContextSize
	if b.arch == cpuArchARM64 {
		ctxLen = arm64ContextSize
	}
	for i, th := range b.threads {
		stackOffs[i] = img.bytes(th.stack)
		ctx := make([]byte, ctxLen)
		if b.arch == cpuArchARM64 {
			binary.LittleEndian.PutUint64(ctx[arm64Pc:], th.regs.IP)
			binary.LittleEndian.PutUint64(ctx[arm64Sp:], th.regs.SP)
			binary.LittleEndian.PutUint64(ctx[arm64Fp:], th.regs.FP)
			binary.LittleEndian.PutUint64(ctx[arm64Lr:], th.regs.LR)
		} else {
			binary.LittleEndian.PutUint64(ctx[amd64Rip:], th.regs.IP)
			binary.LittleEndian.PutUint64(ctx[amd64Rsp:], th.regs.SP)
			binary.LittleEndian.PutUint64(ctx[amd64Rbp:], th.regs.FP)
		}
		ctxOffs[i] = img.bytes(ctx)
	}

	// Stream payloads.
	type dirEntry struct {
		typ  uint32
		off  int
		size int
	}
	var dir []dirEntry
	stream := func(typ uint32, write func()) {
		off := len(img.data)
		write()
		dir = append(dir, dirEntry{typ: typ, off: off, size: len(img.data) - off})
	}

	stream(streamSystemInfo, func() {
		img.u16(b.arch)
		img.u16(0) // level
		img.u16(0) // revision
		img.data = append(img.data, 1, 0)
		img.u32(6)  // major
		img.u32(1)  // minor
		img.u32(0)  // build
		img.u32(platformLinux)
		img.u32(0) // csd version rva
		img.u32(0) // suite mask + reserved
	})
	stream(streamMiscInfo, func() {
		img.u32(24)    // size
		img.u32(1)     // flags: process id present
		img.u32(b.pid) // process id
		img.u32(0)
		img.u32(0)
		img.u32(0)
	})
	if b.crash != nil {
		stream(streamException, func() {
			img.u32(b.crash.threadID)
			img.u32(0) // alignment
			img.u32(b.crash.code)
			img.u32(0) // flags
			img.u64(0) // inner record
			img.u64(b.crash.addr)
			img.u64(0) // number of parameters
			for i := 0; i < 15; i++ {
				img.u64(0)
			}
		})
	}
	stream(streamThreadList, func() {
		img.u32(uint32(len(b.threads)))
		for i, th := range b.threads {
			img.u32(th.id)
			img.u32(0) // suspend count
			img.u32(0) // priority class
			img.u32(0) // priority
			img.u64(0) // TEB
			img.u64(th.stackBase)
			img.u32(uint32(len(th.stack)))
			img.u32(uint32(stackOffs[i]))
			img.u32(uint32(ctxLen))
			img.u32(uint32(ctxOffs[i]))
		}
	})
	stream(streamModuleList, func() {
		img.u32(uint32(len(b.modules)))
		for i, mod := range b.modules {
			img.u64(mod.base)
			img.u32(mod.size)
			img.u32(0) // checksum
			img.u32(0) // timestamp
			img.u32(uint32(nameOffs[i]))
			for j := 0; j < 13; j++ {
				img.u32(0) // VS_FIXEDFILEINFO left empty
			}
			img.u32(uint32(cvLens[i]))
			img.u32(uint32(cvOffs[i]))
			img.u32(0) // misc record size
			img.u32(0) // misc record rva
			img.u64(0) // reserved0
			img.u64(0) // reserved1
		}
	})

	// Directory, then patch its offset into the header.
	dirOff := len(img.data)
	for _, entry := range dir {
		img.u32(entry.typ)
		img.u32(uint32(entry.size))
		img.u32(uint32(entry.off))
	}
	binary.LittleEndian.PutUint32(img.data[dirOffPatch:], uint32(dirOff))
	return img.data
}
