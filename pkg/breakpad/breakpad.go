// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package breakpad parses text symbol files in the breakpad format
// (MODULE/FILE/FUNC/PUBLIC records) into address-range symbol tables.
// Tables are immutable after Parse and safe for concurrent lookups.
package breakpad

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is the annotation for one code address.
type Symbol struct {
	Function string
	File     string
	Line     int
}

// Table maps module-relative addresses to symbols.
type Table struct {
	os      string
	arch    string
	buildID string
	name    string

	files   map[int]string
	funcs   []fn // sorted by address, have sizes
	publics []fn // sorted by address, no sizes
}

type fn struct {
	addr  uint64
	size  uint64
	name  string
	lines []lineRec
}

type lineRec struct {
	addr uint64
	size uint64
	line int
	file int
}

// Empty is the degraded table: Lookup always misses. Used for modules
// whose symbols could not be resolved.
var Empty = &Table{}

// Name returns the module name from the MODULE record.
func (tab *Table) Name() string { return tab.name }

// BuildID returns the build identifier from the MODULE record.
func (tab *Table) BuildID() string { return tab.buildID }

// Lookup returns the symbol covering the module-relative address, or nil
// if the table has no record for it. FUNC records take precedence;
// PUBLIC records carry no sizes, so the closest preceding one matches.
func (tab *Table) Lookup(addr uint64) *Symbol {
	lo, hi := 0, len(tab.funcs)
	for lo < hi {
		mid := lo + (hi-lo)/2
		f := &tab.funcs[mid]
		switch {
		case addr >= f.addr && addr < f.addr+f.size:
			sym := &Symbol{Function: f.name}
			for _, l := range f.lines {
				if addr >= l.addr && addr < l.addr+l.size {
					sym.File = tab.files[l.file]
					sym.Line = l.line
					break
				}
			}
			return sym
		case addr > f.addr:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	i := sort.Search(len(tab.publics), func(i int) bool {
		return tab.publics[i].addr > addr
	})
	if i > 0 {
		return &Symbol{Function: tab.publics[i-1].name}
	}
	return nil
}

// ParseFile parses the symbol file at path.
func ParseFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a breakpad symbol file. STACK and INFO records are
// accepted and ignored. Unknown records fail the parse.
func Parse(r io.Reader) (*Table, error) {
	tab := &Table{files: make(map[int]string)}
	var lastFunc *fn
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20) // mangled names can be huge
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		record := strings.SplitN(line, " ", 2)[0]
		var err error
		switch record {
		case "MODULE":
			lastFunc = nil
			err = tab.parseModule(line)
		case "FILE":
			lastFunc = nil
			err = tab.parseFile(line)
		case "FUNC":
			lastFunc, err = tab.parseFunc(line)
		case "PUBLIC":
			lastFunc = nil
			err = tab.parsePublic(line)
		case "STACK", "INFO":
			lastFunc = nil
		default:
			if lastFunc == nil {
				return nil, fmt.Errorf("line %v: unknown record %q", lineno, line)
			}
			err = parseLineRec(lastFunc, line)
		}
		if err != nil {
			return nil, fmt.Errorf("line %v: %w", lineno, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Slice(tab.funcs, func(i, j int) bool { return tab.funcs[i].addr < tab.funcs[j].addr })
	sort.Slice(tab.publics, func(i, j int) bool { return tab.publics[i].addr < tab.publics[j].addr })
	return tab, nil
}

func (tab *Table) parseModule(line string) error {
	// MODULE <os> <arch> <id> <name>
	if tab.buildID != "" {
		return fmt.Errorf("duplicate MODULE record")
	}
	tokens := strings.SplitN(line, " ", 5)
	if len(tokens) < 5 {
		return fmt.Errorf("short MODULE record")
	}
	tab.os, tab.arch, tab.buildID, tab.name = tokens[1], tokens[2], tokens[3], tokens[4]
	return nil
}

func (tab *Table) parseFile(line string) error {
	// FILE <number> <name>
	tokens := strings.SplitN(line, " ", 3)
	if len(tokens) < 3 {
		return fmt.Errorf("short FILE record")
	}
	num, err := strconv.Atoi(tokens[1])
	if err != nil {
		return fmt.Errorf("bad FILE number: %w", err)
	}
	tab.files[num] = tokens[2]
	return nil
}

func (tab *Table) parseFunc(line string) (*fn, error) {
	// FUNC [m] <address> <size> <param_size> <name>
	// The name is the unsplit remainder, it can contain spaces.
	rest := strings.TrimPrefix(line, "FUNC ")
	rest = strings.TrimPrefix(rest, "m ")
	tokens := strings.SplitN(rest, " ", 4)
	if len(tokens) < 4 {
		return nil, fmt.Errorf("short FUNC record")
	}
	addr, err := strconv.ParseUint(tokens[0], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("bad FUNC address: %w", err)
	}
	size, err := strconv.ParseUint(tokens[1], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("bad FUNC size: %w", err)
	}
	tab.funcs = append(tab.funcs, fn{addr: addr, size: size, name: fixName(tokens[3])})
	return &tab.funcs[len(tab.funcs)-1], nil
}

func (tab *Table) parsePublic(line string) error {
	// PUBLIC [m] <address> <param_size> <name>
	rest := strings.TrimPrefix(line, "PUBLIC ")
	rest = strings.TrimPrefix(rest, "m ")
	tokens := strings.SplitN(rest, " ", 3)
	if len(tokens) < 3 {
		return fmt.Errorf("short PUBLIC record")
	}
	addr, err := strconv.ParseUint(tokens[0], 16, 64)
	if err != nil {
		return fmt.Errorf("bad PUBLIC address: %w", err)
	}
	tab.publics = append(tab.publics, fn{addr: addr, name: fixName(tokens[2])})
	return nil
}

func parseLineRec(f *fn, line string) error {
	// <address> <size> <line> <file_number>
	tokens := strings.Split(line, " ")
	if len(tokens) != 4 {
		return fmt.Errorf("bad line record %q", line)
	}
	addr, err := strconv.ParseUint(tokens[0], 16, 64)
	if err != nil {
		return fmt.Errorf("bad line address: %w", err)
	}
	size, err := strconv.ParseUint(tokens[1], 16, 64)
	if err != nil {
		return fmt.Errorf("bad line size: %w", err)
	}
	lineNo, err := strconv.Atoi(tokens[2])
	if err != nil {
		return fmt.Errorf("bad line number: %w", err)
	}
	file, err := strconv.Atoi(tokens[3])
	if err != nil {
		return fmt.Errorf("bad line file number: %w", err)
	}
	f.lines = append(f.lines, lineRec{addr: addr, size: size, line: lineNo, file: file})
	return nil
}

// fixName demangles names that dump_syms left mangled (assembly and
// PUBLIC records, mostly). Filter returns the input unchanged when it is
// not a mangled name.
func fixName(name string) string {
	if strings.HasPrefix(name, "_Z") || strings.HasPrefix(name, "__Z") {
		return demangle.Filter(name)
	}
	return name
}
