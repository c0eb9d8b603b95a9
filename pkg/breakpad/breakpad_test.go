// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package breakpad

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSym = `MODULE Linux x86_64 ABC123 app
FILE 0 /src/main.c
FILE 1 /src/util.c
FUNC 0 20 0 main
0 8 10 0
8 18 11 0
FUNC 1000 100 8 handle_request(request const&)
1000 100 42 1
PUBLIC 2000 0 _start
PUBLIC 3000 0 _ZN3foo3barEv
STACK CFI INIT 0 20 .cfa: $rsp 8 + .ra: .cfa -8 + ^
INFO CODE_ID 1234
`

func parseSample(t *testing.T) *Table {
	tab, err := Parse(strings.NewReader(sampleSym))
	require.NoError(t, err)
	return tab
}

func TestParseModule(t *testing.T) {
	tab := parseSample(t)
	assert.Equal(t, "app", tab.Name())
	assert.Equal(t, "ABC123", tab.BuildID())
}

func TestLookupFunc(t *testing.T) {
	tab := parseSample(t)
	tests := []struct {
		addr uint64
		want *Symbol
	}{
		{0x0, &Symbol{Function: "main", File: "/src/main.c", Line: 10}},
		{0x7, &Symbol{Function: "main", File: "/src/main.c", Line: 10}},
		{0x10, &Symbol{Function: "main", File: "/src/main.c", Line: 11}},
		{0x1f, &Symbol{Function: "main", File: "/src/main.c", Line: 11}},
		{0x20, nil}, // one past the end of main, before any PUBLIC
		{0x1050, &Symbol{Function: "handle_request(request const&)", File: "/src/util.c", Line: 42}},
		{0x1100, nil},
	}
	for _, test := range tests {
		got := tab.Lookup(test.addr)
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("Lookup(%#x) mismatch (-want +got):\n%v", test.addr, diff)
		}
	}
}

func TestLookupPublic(t *testing.T) {
	tab := parseSample(t)
	sym := tab.Lookup(0x2080)
	require.NotNil(t, sym)
	assert.Equal(t, "_start", sym.Function)
	assert.Empty(t, sym.File)
	// Mangled PUBLIC names are demangled.
	sym = tab.Lookup(0x3010)
	require.NotNil(t, sym)
	assert.Equal(t, "foo::bar()", sym.Function)
}

func TestLookupEmpty(t *testing.T) {
	assert.Nil(t, Empty.Lookup(0))
	assert.Nil(t, Empty.Lookup(0x1234))
}

func TestParseFuncMultiple(t *testing.T) {
	tab, err := Parse(strings.NewReader("MODULE Linux x86_64 X lib\nFUNC m 10 10 0 dup\n"))
	require.NoError(t, err)
	sym := tab.Lookup(0x15)
	require.NotNil(t, sym)
	assert.Equal(t, "dup", sym.Function)
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{
		"GARBAGE\n",
		"FUNC zz 10 0 f\n",
		"FILE x name\n",
		"MODULE Linux x86_64\n",
		"1234\n", // line record without a FUNC
	} {
		_, err := Parse(strings.NewReader(input))
		assert.Error(t, err, "input %q", input)
	}
}

func TestParseDeterministic(t *testing.T) {
	// Out-of-order FUNC records end up sorted.
	input := "MODULE Linux x86_64 X lib\nFUNC 2000 10 0 second\nFUNC 1000 10 0 first\n"
	tab, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "first", tab.Lookup(0x1005).Function)
	assert.Equal(t, "second", tab.Lookup(0x2005).Function)
}
