// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stackwalk reconstructs call chains from crash-time thread
// state. Recovery strategies form a trust-ranked chain: the crash
// context itself, then frame-pointer linkage, then heuristic scanning
// of stack memory. Every produced frame is labeled with the strategy
// that derived it; only frame zero is exact.
package stackwalk

import (
	"github.com/crashmill/crashmill/pkg/breakpad"
	"github.com/crashmill/crashmill/pkg/minidump"
)

// Trust classifies how a frame was derived, strongest first.
type Trust int

const (
	// TrustContext: the exact crash-time register value. Only frame 0.
	TrustContext Trust = iota
	// TrustFP: recovered through frame-pointer linkage.
	TrustFP
	// TrustScan: found by scanning stack memory from a trusted frame.
	TrustScan
	// TrustStackScan: found by scanning after the chain had already
	// degraded to scanning. Least reliable.
	TrustStackScan
)

func (trust Trust) String() string {
	switch trust {
	case TrustContext:
		return "context"
	case TrustFP:
		return "fp"
	case TrustScan:
		return "scan"
	case TrustStackScan:
		return "stackscan"
	}
	return "unknown"
}

// Frame is one recovered call chain entry. The module is referenced by
// name/build id, never by pointer, so frames do not tie the request's
// lifetime to the shared symbol store.
type Frame struct {
	PC        uint64
	SP        uint64
	Module    string // empty when the PC is outside any known module
	BuildID   string
	ModOffset uint64 // PC relative to the module base
	Func      string
	File      string
	Line      int
	Trust     Trust
}

// SymbolLookup annotates a module-relative address. A nil lookup (or a
// nil result) leaves the frame address-only; it must never block walk
// termination.
type SymbolLookup func(mod *minidump.Module, relAddr uint64) *breakpad.Symbol

type Options struct {
	Arch minidump.Arch
	// Hard cap on frames per thread, guards against corrupt or cyclic
	// stack data. Defaults to MaxFrames.
	MaxFrames int
	// How many words of stack memory a single scan step may examine.
	ScanWords int
}

const (
	MaxFrames        = 256
	DefaultScanWords = 256
	wordSize         = 8
)

// Walk reconstructs the call chain of one thread. It always returns at
// least the context frame and always terminates within MaxFrames.
// The second result reports whether the frame cap cut the walk short
// while another caller was still recoverable, as opposed to the chain
// ending naturally.
func Walk(thread *minidump.Thread, modules []minidump.Module, lookup SymbolLookup, opts Options) ([]Frame, bool) {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = MaxFrames
	}
	if opts.ScanWords <= 0 {
		opts.ScanWords = DefaultScanWords
	}
	walker := &walker{
		stack:   thread.Stack,
		base:    thread.StackBase,
		modules: modules,
		lookup:  lookup,
		opts:    opts,
	}
	return walker.walk(thread.Regs)
}

type walker struct {
	stack   []byte
	base    uint64
	modules []minidump.Module
	lookup  SymbolLookup
	opts    Options
}

// state is the register subset carried between unwind steps.
type state struct {
	pc, sp, fp, lr uint64
}

func (walker *walker) walk(regs minidump.Regs) ([]Frame, bool) {
	cur := state{pc: regs.IP, sp: regs.SP, fp: regs.FP, lr: regs.LR}
	frames := []Frame{walker.frame(cur, TrustContext)}
	for {
		next, trust, ok := walker.unwind(cur, frames[len(frames)-1].Trust)
		if !ok {
			return frames, false
		}
		// Cycle guard: a step that does not move terminates the walk.
		if next.pc == cur.pc && next.sp == cur.sp {
			return frames, false
		}
		// A caller is still recoverable; ending here is a truncation,
		// not natural termination.
		if len(frames) >= walker.opts.MaxFrames {
			return frames, true
		}
		frames = append(frames, walker.frame(next, trust))
		cur = next
	}
}

// unwind recovers the caller of cur, trying strategies in decreasing
// trust order.
func (walker *walker) unwind(cur state, prevTrust Trust) (state, Trust, bool) {
	if next, ok := walker.unwindFP(cur); ok {
		return next, TrustFP, true
	}
	if next, ok := walker.scan(cur); ok {
		trust := TrustScan
		if prevTrust >= TrustScan {
			trust = TrustStackScan
		}
		return next, trust, true
	}
	return state{}, 0, false
}

// scan searches forward through stack memory for a plausible return
// address: a value inside some module's code range. The new stack
// pointer lands just above the matched word; the frame pointer is
// deliberately dropped, scanning cannot recover it.
func (walker *walker) scan(cur state) (state, bool) {
	addr := cur.sp
	if addr < walker.base {
		addr = walker.base
	}
	for i := 0; i < walker.opts.ScanWords; i++ {
		word, ok := walker.readWord(addr)
		if !ok {
			return state{}, false
		}
		if walker.moduleFor(word) != nil {
			return state{pc: word, sp: addr + wordSize}, true
		}
		addr += wordSize
	}
	return state{}, false
}

// readWord reads the 8-byte word at absolute address addr from the
// thread's stack memory. Out-of-range addresses simply miss: the walker
// never touches memory the snapshot does not contain.
func (walker *walker) readWord(addr uint64) (uint64, bool) {
	if addr < walker.base || addr+wordSize > walker.base+uint64(len(walker.stack)) {
		return 0, false
	}
	off := addr - walker.base
	var word uint64
	for i := uint64(0); i < wordSize; i++ {
		word |= uint64(walker.stack[off+i]) << (8 * i)
	}
	return word, true
}

func (walker *walker) moduleFor(pc uint64) *minidump.Module {
	for i := range walker.modules {
		if walker.modules[i].Contains(pc) {
			return &walker.modules[i]
		}
	}
	return nil
}

func (walker *walker) frame(st state, trust Trust) Frame {
	frame := Frame{PC: st.pc, SP: st.sp, Trust: trust}
	mod := walker.moduleFor(st.pc)
	if mod == nil {
		// PC outside any known module: no symbol lookup attempted.
		return frame
	}
	frame.Module = mod.Name
	frame.BuildID = mod.BuildID
	frame.ModOffset = st.pc - mod.Base
	if walker.lookup != nil {
		if sym := walker.lookup(mod, frame.ModOffset); sym != nil {
			frame.Func = sym.Function
			frame.File = sym.File
			frame.Line = sym.Line
		}
	}
	return frame
}
