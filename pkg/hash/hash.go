// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package hash provides a content hash used for symbol artifact
// checksums and for mapping untrusted names to safe path components.
package hash

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

type Sig [sha1.Size]byte

func Hash(pieces ...[]byte) Sig {
	h := sha1.New()
	for _, data := range pieces {
		h.Write(data)
	}
	var sig Sig
	copy(sig[:], h.Sum(nil))
	return sig
}

func String(pieces ...[]byte) string {
	sig := Hash(pieces...)
	return sig.String()
}

func (sig *Sig) String() string {
	return hex.EncodeToString((*sig)[:])
}

// HashFile hashes the contents of the file.
func HashFile(filename string) (Sig, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Sig{}, err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return Sig{}, err
	}
	var sig Sig
	copy(sig[:], h.Sum(nil))
	return sig, nil
}

func FromString(str string) (Sig, error) {
	bin, err := hex.DecodeString(str)
	if err != nil {
		return Sig{}, fmt.Errorf("failed to decode sig %q: %w", str, err)
	}
	if len(bin) != len(Sig{}) {
		return Sig{}, fmt.Errorf("failed to decode sig %q: bad len", str)
	}
	var sig Sig
	copy(sig[:], bin)
	return sig, nil
}
