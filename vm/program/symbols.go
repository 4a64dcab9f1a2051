package program

import (
	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// HashSymbolName maps a function or syscall name to the 32-bit key stored
// in call immediates.
func HashSymbolName(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

// CodeHash is the BLAKE2b-256 digest of the program region (text and
// read-only data, after relocation).
func (p *Program) CodeHash() [32]byte {
	return blake2b.Sum256(p.Image)
}
