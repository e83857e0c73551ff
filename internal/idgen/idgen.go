// Package idgen mints random identifiers. IDs are not guessable; a failed
// entropy read is unrecoverable and panics.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func random(numBytes int) []byte {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: entropy read failed: " + err.Error())
	}
	return b
}

// WithPrefix returns prefix + 24 hex chars, e.g. WithPrefix("sub_") for
// subscription IDs and WithPrefix("cp_") for credit purchases.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Hex returns a random hex string covering numBytes of entropy.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}
