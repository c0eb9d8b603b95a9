// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package minidump

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// CodeView record signatures.
const (
	cvPDB70 = 0x53445352 // 'RSDS', PDB file reference
	cvELF   = 0x4270454c // 'BpEL', breakpad ELF build id record
)

// parseCodeView extracts the debug file name and build identifier from a
// module's CodeView record. The build id is rendered the way breakpad
// symbol stores key their directories: for PDB70 records the GUID is
// formatted big-endian-first with the age appended, for ELF records the
// raw build id bytes are hex-encoded.
func parseCodeView(record []byte) (debugFile, buildID string) {
	if len(record) < 4 {
		return "", ""
	}
	switch binary.LittleEndian.Uint32(record) {
	case cvPDB70:
		if len(record) < 24 {
			return "", ""
		}
		guid := record[4:20]
		age := binary.LittleEndian.Uint32(record[20:24])
		buildID = fmt.Sprintf("%08X%04X%04X%X%X",
			binary.LittleEndian.Uint32(guid[0:4]),
			binary.LittleEndian.Uint16(guid[4:6]),
			binary.LittleEndian.Uint16(guid[6:8]),
			guid[8:16],
			age)
		debugFile = cString(record[24:])
	case cvELF:
		buildID = strings.ToUpper(hex.EncodeToString(record[4:]))
	}
	return debugFile, buildID
}

func cString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
