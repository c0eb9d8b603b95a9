// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stackwalk

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/crashmill/crashmill/pkg/breakpad"
	"github.com/crashmill/crashmill/pkg/minidump"
	"github.com/crashmill/crashmill/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	modBase   = 0x400000
	modSize   = 0x10000
	stackBase = 0x7fff0000
)

var testModules = []minidump.Module{{
	Base:      modBase,
	Size:      modSize,
	Name:      "app",
	DebugFile: "app",
	BuildID:   "ABC123",
}}

// testStack builds stack memory with 8-byte words poked at offsets.
type testStack []byte

func newStack(size int) testStack {
	return make(testStack, size)
}

func (s testStack) poke(off int, word uint64) testStack {
	binary.LittleEndian.PutUint64(s[off:], word)
	return s
}

func testThread(regs minidump.Regs, stack []byte) *minidump.Thread {
	return &minidump.Thread{ID: 1, StackBase: stackBase, Stack: stack, Regs: regs}
}

// namedLookup annotates addresses in [0, 0x20) as "main", mirroring a
// one-function symbol table.
func namedLookup(mod *minidump.Module, rel uint64) *breakpad.Symbol {
	if rel < 0x20 {
		return &breakpad.Symbol{Function: "main", File: "/src/main.c", Line: 10}
	}
	return nil
}

func TestWalkContextFrame(t *testing.T) {
	thread := testThread(minidump.Regs{IP: modBase + 0x10, SP: stackBase}, newStack(0x100))
	frames, _ := Walk(thread, testModules, namedLookup, Options{})
	require.Len(t, frames, 1)
	assert.Equal(t, TrustContext, frames[0].Trust)
	assert.Equal(t, uint64(modBase+0x10), frames[0].PC)
	assert.Equal(t, "main", frames[0].Func)
	assert.Equal(t, "app", frames[0].Module)
	assert.Equal(t, uint64(0x10), frames[0].ModOffset)
}

func TestWalkEmptyStack(t *testing.T) {
	thread := testThread(minidump.Regs{IP: modBase + 0x10, SP: stackBase}, nil)
	frames, _ := Walk(thread, testModules, nil, Options{})
	require.Len(t, frames, 1)
	assert.Equal(t, TrustContext, frames[0].Trust)
}

func TestWalkFramePointerChain(t *testing.T) {
	stack := newStack(0x100).
		poke(0x20, stackBase+0x60). // saved rbp
		poke(0x28, modBase+0x1000). // return address
		poke(0x60, 0).              // end of chain
		poke(0x68, modBase+0x2000)  // return address
	thread := testThread(minidump.Regs{
		IP: modBase + 0x10,
		SP: stackBase,
		FP: stackBase + 0x20,
	}, stack)
	frames, _ := Walk(thread, testModules, nil, Options{Arch: minidump.ArchAMD64})
	require.Len(t, frames, 3)
	assert.Equal(t, TrustContext, frames[0].Trust)
	assert.Equal(t, TrustFP, frames[1].Trust)
	assert.Equal(t, uint64(modBase+0x1000), frames[1].PC)
	assert.Equal(t, uint64(stackBase+0x30), frames[1].SP)
	assert.Equal(t, TrustFP, frames[2].Trust)
	assert.Equal(t, uint64(modBase+0x2000), frames[2].PC)
}

// A frame pointer aimed outside the snapshot must not be followed; the
// walker falls back to scanning instead of reading out of bounds.
func TestWalkCorruptFramePointer(t *testing.T) {
	stack := newStack(0x100).
		poke(0x40, modBase+0x1234) // plausible return address
	thread := testThread(minidump.Regs{
		IP: modBase + 0x10,
		SP: stackBase,
		FP: 0x1122334455667788,
	}, stack)
	frames, _ := Walk(thread, testModules, nil, Options{Arch: minidump.ArchAMD64})
	require.Len(t, frames, 2)
	assert.Equal(t, TrustScan, frames[1].Trust)
	assert.Equal(t, uint64(modBase+0x1234), frames[1].PC)
	assert.Equal(t, uint64(stackBase+0x48), frames[1].SP)
}

// Once the chain has degraded to scanning, further scanned frames carry
// the weaker stackscan trust.
func TestWalkStackScanDemotion(t *testing.T) {
	stack := newStack(0x100).
		poke(0x40, modBase+0x1000).
		poke(0x80, modBase+0x2000)
	thread := testThread(minidump.Regs{IP: modBase + 0x10, SP: stackBase}, stack)
	frames, _ := Walk(thread, testModules, nil, Options{Arch: minidump.ArchAMD64})
	require.Len(t, frames, 3)
	assert.Equal(t, TrustScan, frames[1].Trust)
	assert.Equal(t, TrustStackScan, frames[2].Trust)
}

func TestWalkMaxFrames(t *testing.T) {
	// Every stack word is a plausible return address.
	stack := newStack(0x200)
	for off := 0; off < len(stack); off += 8 {
		stack.poke(off, modBase+0x100)
	}
	thread := testThread(minidump.Regs{IP: modBase + 0x10, SP: stackBase}, stack)
	frames, truncated := Walk(thread, testModules, nil, Options{MaxFrames: 8})
	assert.Len(t, frames, 8)
	assert.True(t, truncated, "cap stopped a walk with recoverable callers")
}

// A chain that ends exactly at the frame cap is complete, not truncated.
func TestWalkNaturalEndAtCap(t *testing.T) {
	stack := newStack(0x100).
		poke(0x20, stackBase+0x60). // saved rbp
		poke(0x28, modBase+0x1000). // return address
		poke(0x60, 0).              // end of chain
		poke(0x68, modBase+0x2000)  // return address
	thread := testThread(minidump.Regs{
		IP: modBase + 0x10,
		SP: stackBase,
		FP: stackBase + 0x20,
	}, stack)
	frames, truncated := Walk(thread, testModules, nil,
		Options{Arch: minidump.ArchAMD64, MaxFrames: 3, ScanWords: 1})
	require.Len(t, frames, 3)
	assert.False(t, truncated)
}

// A self-referential frame pointer must not loop forever.
func TestWalkCyclicFramePointer(t *testing.T) {
	stack := newStack(0x100).
		poke(0x20, stackBase+0x20). // saved rbp pointing at itself
		poke(0x28, modBase+0x1000)
	thread := testThread(minidump.Regs{
		IP: modBase + 0x10,
		SP: stackBase,
		FP: stackBase + 0x20,
	}, stack)
	frames, _ := Walk(thread, testModules, nil, Options{Arch: minidump.ArchAMD64})
	assert.LessOrEqual(t, len(frames), MaxFrames)
}

func TestWalkIPOutsideModules(t *testing.T) {
	looked := false
	lookup := func(mod *minidump.Module, rel uint64) *breakpad.Symbol {
		looked = true
		return nil
	}
	thread := testThread(minidump.Regs{IP: 0xdead0000, SP: stackBase}, newStack(0x40))
	frames, _ := Walk(thread, testModules, lookup, Options{})
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].Module)
	assert.Empty(t, frames[0].Func)
	assert.False(t, looked, "symbol lookup attempted for unmapped PC")
}

func TestWalkARM64FrameRecord(t *testing.T) {
	stack := newStack(0x100).
		poke(0x20, stackBase+0x60).   // caller fp
		poke(0x28, modBase+0x1000+4). // caller lr
		poke(0x60, 0).
		poke(0x68, modBase+0x2000+4)
	thread := testThread(minidump.Regs{
		IP: modBase + 0x10,
		SP: stackBase,
		FP: stackBase + 0x20,
	}, stack)
	frames, _ := Walk(thread, testModules, nil, Options{Arch: minidump.ArchARM64})
	require.Len(t, frames, 3)
	assert.Equal(t, uint64(modBase+0x1000), frames[1].PC, "call site is lr-4")
	assert.Equal(t, TrustFP, frames[1].Trust)
	assert.Equal(t, uint64(modBase+0x2000), frames[2].PC)
}

func TestWalkARM64LeafLR(t *testing.T) {
	thread := testThread(minidump.Regs{
		IP: modBase + 0x10,
		SP: stackBase,
		LR: modBase + 0x3000 + 4,
	}, newStack(0x40))
	frames, _ := Walk(thread, testModules, nil, Options{Arch: minidump.ArchARM64})
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, uint64(modBase+0x3000), frames[1].PC)
	assert.Equal(t, TrustFP, frames[1].Trust)
}

// Walks over random stack contents always terminate within MaxFrames.
func TestWalkRandomTermination(t *testing.T) {
	rnd := rand.New(testutil.RandSource(t))
	for i := 0; i < testutil.IterCount(); i++ {
		stack := make([]byte, 0x200)
		rnd.Read(stack)
		arch := minidump.ArchAMD64
		if i%2 == 1 {
			arch = minidump.ArchARM64
		}
		thread := testThread(minidump.Regs{
			IP: modBase + uint64(rnd.Intn(modSize)),
			SP: stackBase + uint64(rnd.Intn(0x200)),
			FP: stackBase + uint64(rnd.Intn(0x200)),
			LR: uint64(rnd.Uint64()),
		}, stack)
		frames, _ := Walk(thread, testModules, nil, Options{Arch: arch})
		require.NotEmpty(t, frames)
		require.LessOrEqual(t, len(frames), MaxFrames)
		assert.Equal(t, TrustContext, frames[0].Trust)
	}
}
