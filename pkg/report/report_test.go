// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package report

import (
	"strings"
	"testing"
	"time"

	"github.com/crashmill/crashmill/pkg/minidump"
	"github.com/crashmill/crashmill/pkg/stackwalk"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDump() *minidump.Minidump {
	return &minidump.Minidump{
		Pid:       4242,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Arch:      minidump.ArchAMD64,
		OS:        "linux",
		Crash:     &minidump.CrashInfo{ThreadID: 7, Code: 11, Address: 0xdead},
		Threads: []minidump.Thread{
			{ID: 1},
			{ID: 7},
			{ID: 9},
		},
		Modules: []minidump.Module{
			{Base: 0x400000, Size: 0x10000, Name: "app", DebugFile: "app", BuildID: "ABC123"},
		},
	}
}

func sampleWalks() [][]stackwalk.Frame {
	return [][]stackwalk.Frame{
		{{PC: 0x400100, SP: 0x7fff0000, Module: "app", ModOffset: 0x100, Trust: stackwalk.TrustContext}},
		{
			{PC: 0x400010, SP: 0x7ffe0000, Module: "app", BuildID: "ABC123", ModOffset: 0x10,
				Func: "main", File: "/src/main.c", Line: 10, Trust: stackwalk.TrustContext},
			{PC: 0x401000, SP: 0x7ffe0010, Module: "app", ModOffset: 0x1000, Trust: stackwalk.TrustFP},
		},
		{{PC: 0xdead0000, SP: 0x7ffd0000, Trust: stackwalk.TrustContext}},
	}
}

func TestGenerate(t *testing.T) {
	rep := Generate(sampleDump(), sampleWalks())
	require.Len(t, rep.Threads, 3)
	// Crashing thread moved to the front, the rest keep their order.
	assert.Equal(t, uint32(7), rep.Threads[0].ID)
	assert.True(t, rep.Threads[0].Crashed)
	assert.Equal(t, uint32(1), rep.Threads[1].ID)
	assert.Equal(t, uint32(9), rep.Threads[2].ID)
	require.NotNil(t, rep.Crash)
	assert.Equal(t, "SIGSEGV", rep.Crash.Reason)
	require.Len(t, rep.Threads[0].Frames, 2)
	assert.Equal(t, "main", rep.Threads[0].Frames[0].Func)
	assert.Equal(t, "context", rep.Threads[0].Frames[0].Trust)
	assert.Equal(t, "fp", rep.Threads[0].Frames[1].Trust)
}

func TestRenderDeterministic(t *testing.T) {
	rep1 := Generate(sampleDump(), sampleWalks())
	rep2 := Generate(sampleDump(), sampleWalks())
	if diff := cmp.Diff(rep1, rep2); diff != "" {
		t.Fatalf("reports differ:\n%v", diff)
	}
	json1, err := rep1.JSON()
	require.NoError(t, err)
	json2, err := rep2.JSON()
	require.NoError(t, err)
	assert.Equal(t, json1, json2)
	assert.Equal(t, rep1.Text(), rep2.Text())
}

func TestText(t *testing.T) {
	rep := Generate(sampleDump(), sampleWalks())
	rep.AddNote("no symbols for libmissing (build id FEFE01)")
	text := string(rep.Text())
	assert.Contains(t, text, "Operating system: linux")
	assert.Contains(t, text, "CPU: amd64")
	assert.Contains(t, text, "Crash reason:  SIGSEGV")
	assert.Contains(t, text, "Thread 7 (crashed)")
	assert.Contains(t, text, "app!main [/src/main.c:10]")
	assert.Contains(t, text, "app + 0x1000")
	assert.Contains(t, text, "0xdead0000")
	assert.Contains(t, text, "note: no symbols for libmissing")
	// The crashed thread listing precedes the others.
	assert.Less(t, strings.Index(text, "Thread 7"), strings.Index(text, "Thread 1"))
}

func TestMarkTruncated(t *testing.T) {
	rep := Generate(sampleDump(), sampleWalks())
	rep.MarkTruncated(9)
	assert.True(t, rep.Truncated)
	assert.False(t, rep.Threads[0].Truncated)
	assert.True(t, rep.Threads[2].Truncated)
	assert.Contains(t, string(rep.Text()), "[truncated]")
}

func TestCrashReason(t *testing.T) {
	assert.Equal(t, "SIGABRT", crashReason("linux", 6))
	assert.Equal(t, "0xc0000005", crashReason("windows", 0xc0000005))
	assert.Equal(t, "0x0000002a", crashReason("linux", 42))
}

func TestGenerateNoCrashStream(t *testing.T) {
	dump := sampleDump()
	dump.Crash = nil
	rep := Generate(dump, sampleWalks())
	assert.Nil(t, rep.Crash)
	// Without an exception stream the original thread order is kept.
	assert.Equal(t, uint32(1), rep.Threads[0].ID)
	assert.False(t, rep.Threads[0].Crashed)
}
