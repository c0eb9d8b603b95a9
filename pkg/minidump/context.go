// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package minidump

import "encoding/binary"

// Saved CPU context layouts. Offsets follow the structures breakpad
// records in minidumps: the Windows CONTEXT structure for amd64 and
// MDRawContextARM64 for arm64.

// Offsets into the amd64 CONTEXT structure.
const (
	amd64ContextSize = 0x100 // through Rip, the tail is float state
	amd64Rsp         = 0x98
	amd64Rbp         = 0xa0
	amd64Rip         = 0xf8
)

// Layout of MDRawContextARM64: u64 flags, x0..x28, fp(x29), lr(x30),
// sp, pc.
const (
	arm64ContextSize = 8 + 31*8 + 8 + 8
	arm64Fp          = 8 + 29*8
	arm64Lr          = 8 + 30*8
	arm64Sp          = 8 + 31*8
	arm64Pc          = 8 + 32*8
)

// decodeContext extracts the walk-relevant registers from a raw saved
// context. A context too short for the architecture yields zero Regs:
// the thread then degrades to an empty context-only frame rather than
// failing the parse.
func decodeContext(arch Arch, raw []byte) Regs {
	switch arch {
	case ArchAMD64:
		if len(raw) < amd64ContextSize {
			return Regs{}
		}
		return Regs{
			IP: binary.LittleEndian.Uint64(raw[amd64Rip:]),
			SP: binary.LittleEndian.Uint64(raw[amd64Rsp:]),
			FP: binary.LittleEndian.Uint64(raw[amd64Rbp:]),
		}
	case ArchARM64:
		if len(raw) < arm64ContextSize {
			return Regs{}
		}
		return Regs{
			IP: binary.LittleEndian.Uint64(raw[arm64Pc:]),
			SP: binary.LittleEndian.Uint64(raw[arm64Sp:]),
			FP: binary.LittleEndian.Uint64(raw[arm64Fp:]),
			LR: binary.LittleEndian.Uint64(raw[arm64Lr:]),
		}
	}
	return Regs{}
}
