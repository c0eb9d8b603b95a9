// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stackwalk

import "github.com/crashmill/crashmill/pkg/minidump"

// Architecture-specific frame-pointer recovery.
//
// amd64 (System V / Windows x64 with frame pointers): RBP points at the
// saved caller RBP, the return address sits one word above it and the
// caller's RSP is one word above that:
//
//	[rbp]   = caller rbp
//	[rbp+8] = return address
//	caller rsp = rbp+16
//
// arm64 (AAPCS64): x29 points at a two-word frame record:
//
//	[fp]   = caller fp
//	[fp+8] = caller lr (return address)
//
// The PC of the call site is LR-4 (fixed instruction width). For the
// first step only, a thread whose leaf function never pushed a frame
// record can still be unwound through the live LR register.
//
// A recovered step is accepted only if the return address lands in some
// module's code range, the new stack pointer stays inside the thread's
// stack memory and advances monotonically, and the new frame pointer
// (when nonzero) stays inside the stack. Anything else falls through to
// heuristic scanning.

func (walker *walker) unwindFP(cur state) (state, bool) {
	switch walker.opts.Arch {
	case minidump.ArchARM64:
		return walker.unwindARM64(cur)
	default:
		return walker.unwindAMD64(cur)
	}
}

func (walker *walker) unwindAMD64(cur state) (state, bool) {
	if cur.fp < cur.sp {
		return state{}, false
	}
	callerFP, ok1 := walker.readWord(cur.fp)
	retAddr, ok2 := walker.readWord(cur.fp + wordSize)
	if !ok1 || !ok2 {
		return state{}, false
	}
	next := state{pc: retAddr, sp: cur.fp + 2*wordSize, fp: callerFP}
	if !walker.validStep(cur, next) {
		return state{}, false
	}
	return next, true
}

func (walker *walker) unwindARM64(cur state) (state, bool) {
	if cur.fp >= cur.sp {
		if callerFP, ok := walker.readWord(cur.fp); ok {
			if callerLR, ok := walker.readWord(cur.fp + wordSize); ok && callerLR >= 4 {
				next := state{pc: callerLR - 4, sp: cur.fp + 2*wordSize, fp: callerFP}
				if walker.validStep(cur, next) {
					return next, true
				}
			}
		}
	}
	// Leaf function: the return address is still live in LR.
	if cur.lr >= 4 && walker.moduleFor(cur.lr-4) != nil && cur.lr-4 != cur.pc {
		return state{pc: cur.lr - 4, sp: cur.sp, fp: cur.fp}, true
	}
	return state{}, false
}

func (walker *walker) validStep(cur, next state) bool {
	if walker.moduleFor(next.pc) == nil {
		return false
	}
	stackEnd := walker.base + uint64(len(walker.stack))
	if next.sp <= cur.sp || next.sp > stackEnd {
		return false
	}
	if next.fp != 0 && (next.fp < next.sp-2*wordSize || next.fp >= stackEnd) {
		return false
	}
	return true
}
