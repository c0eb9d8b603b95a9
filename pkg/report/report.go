// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package report renders symbolicated crash data into the two output
// shapes the service serves: machine-readable JSON and the classic
// stackwalk text listing. Rendering is pure; identical inputs always
// produce byte-identical output.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crashmill/crashmill/pkg/minidump"
	"github.com/crashmill/crashmill/pkg/stackwalk"
)

type Report struct {
	CrashID   string    `json:"crash_id,omitempty"`
	Pid       uint32    `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Crash     *Crash    `json:"crash,omitempty"`
	Modules   []Module  `json:"modules"`
	Threads   []Thread  `json:"threads"`
	Notes     []string  `json:"notes,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
}

// Crash describes the exception that terminated the process.
type Crash struct {
	ThreadID uint32 `json:"thread_id"`
	Code     uint32 `json:"code"`
	Reason   string `json:"reason"`
	Address  uint64 `json:"address"`
}

type Module struct {
	Name      string `json:"name"`
	DebugFile string `json:"debug_file,omitempty"`
	BuildID   string `json:"build_id,omitempty"`
	Version   string `json:"version,omitempty"`
	Base      uint64 `json:"base"`
	Size      uint64 `json:"size"`
}

type Thread struct {
	ID        uint32  `json:"id"`
	Crashed   bool    `json:"crashed,omitempty"`
	Truncated bool    `json:"truncated,omitempty"`
	Frames    []Frame `json:"frames"`
}

type Frame struct {
	Index     int    `json:"index"`
	PC        uint64 `json:"pc"`
	SP        uint64 `json:"sp"`
	Module    string `json:"module,omitempty"`
	BuildID   string `json:"build_id,omitempty"`
	ModOffset uint64 `json:"mod_offset,omitempty"`
	Func      string `json:"func,omitempty"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
	Trust     string `json:"trust"`
}

// Generate assembles a report from a parsed dump and the per-thread
// walks, which must be in the dump's thread order. The crashing thread
// is moved to the front; all other threads keep their original order.
func Generate(dump *minidump.Minidump, walks [][]stackwalk.Frame) *Report {
	rep := &Report{
		Pid:       dump.Pid,
		Timestamp: dump.Timestamp,
		OS:        dump.OS,
		Arch:      dump.Arch.String(),
		Modules:   make([]Module, 0, len(dump.Modules)),
		Threads:   make([]Thread, 0, len(dump.Threads)),
	}
	if dump.Crash != nil {
		rep.Crash = &Crash{
			ThreadID: dump.Crash.ThreadID,
			Code:     dump.Crash.Code,
			Reason:   crashReason(dump.OS, dump.Crash.Code),
			Address:  dump.Crash.Address,
		}
	}
	for _, mod := range dump.Modules {
		rep.Modules = append(rep.Modules, Module{
			Name:      mod.Name,
			DebugFile: mod.DebugFile,
			BuildID:   mod.BuildID,
			Version:   mod.Version,
			Base:      mod.Base,
			Size:      mod.Size,
		})
	}
	for i, thread := range dump.Threads {
		var frames []stackwalk.Frame
		if i < len(walks) {
			frames = walks[i]
		}
		rep.Threads = append(rep.Threads, makeThread(&thread, frames, rep.Crash))
	}
	// Crashing thread first.
	for i, thread := range rep.Threads {
		if thread.Crashed && i != 0 {
			crashed := rep.Threads[i]
			copy(rep.Threads[1:i+1], rep.Threads[:i])
			rep.Threads[0] = crashed
			break
		}
	}
	return rep
}

func makeThread(thread *minidump.Thread, frames []stackwalk.Frame, crash *Crash) Thread {
	out := Thread{
		ID:      thread.ID,
		Crashed: crash != nil && crash.ThreadID == thread.ID,
		Frames:  make([]Frame, 0, len(frames)),
	}
	for i, frame := range frames {
		out.Frames = append(out.Frames, Frame{
			Index:     i,
			PC:        frame.PC,
			SP:        frame.SP,
			Module:    frame.Module,
			BuildID:   frame.BuildID,
			ModOffset: frame.ModOffset,
			Func:      frame.Func,
			File:      frame.File,
			Line:      frame.Line,
			Trust:     frame.Trust.String(),
		})
	}
	return out
}

// MarkTruncated flags the thread with the given id (and the report as a
// whole) as cut short, either by the frame cap or the request deadline.
func (rep *Report) MarkTruncated(threadID uint32) {
	for i := range rep.Threads {
		if rep.Threads[i].ID == threadID {
			rep.Threads[i].Truncated = true
			rep.Truncated = true
			return
		}
	}
}

// AddNote records a processing diagnostic (missing symbols, degraded
// streams). Notes never fail a report.
func (rep *Report) AddNote(format string, args ...interface{}) {
	rep.Notes = append(rep.Notes, fmt.Sprintf(format, args...))
}

func (rep *Report) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Text renders the report in the conventional stackwalk listing shape.
func (rep *Report) Text() []byte {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "Operating system: %v\n", rep.OS)
	fmt.Fprintf(buf, "CPU: %v\n", rep.Arch)
	fmt.Fprintf(buf, "Process: %v\n", rep.Pid)
	if rep.Crash != nil {
		fmt.Fprintf(buf, "Crash reason:  %v\n", rep.Crash.Reason)
		fmt.Fprintf(buf, "Crash address: 0x%x\n", rep.Crash.Address)
	}
	for _, thread := range rep.Threads {
		fmt.Fprintf(buf, "\nThread %v", thread.ID)
		if thread.Crashed {
			fmt.Fprintf(buf, " (crashed)")
		}
		fmt.Fprintf(buf, "\n")
		for _, frame := range thread.Frames {
			fmt.Fprintf(buf, "%3d  %v  (%v)\n", frame.Index, frameText(frame), frame.Trust)
		}
		if thread.Truncated {
			fmt.Fprintf(buf, "     [truncated]\n")
		}
	}
	for _, note := range rep.Notes {
		fmt.Fprintf(buf, "\nnote: %v", note)
	}
	if len(rep.Notes) != 0 {
		fmt.Fprintf(buf, "\n")
	}
	return buf.Bytes()
}

func frameText(frame Frame) string {
	switch {
	case frame.Func != "" && frame.File != "":
		return fmt.Sprintf("%v!%v [%v:%v]", frame.Module, frame.Func, frame.File, frame.Line)
	case frame.Func != "":
		return fmt.Sprintf("%v!%v", frame.Module, frame.Func)
	case frame.Module != "":
		return fmt.Sprintf("%v + 0x%x", frame.Module, frame.ModOffset)
	}
	return fmt.Sprintf("0x%x", frame.PC)
}

// Linux dumps carry the fatal signal number as the exception code.
var linuxSignals = map[uint32]string{
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	11: "SIGSEGV",
}

func crashReason(os string, code uint32) string {
	if os == "linux" {
		if name, ok := linuxSignals[code]; ok {
			return name
		}
	}
	return fmt.Sprintf("0x%08x", code)
}
