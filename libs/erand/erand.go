package erand

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
)

// Int returns a cryptographically secure random number between 0 and max.
func Int(max int) int {
	b, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(err)
	}
	return int(b.Int64())
}

// Uint64 returns a cryptographically secure random uint64. Used for connection ids.
func Uint64() uint64 {
	var buf [8]byte
	Fill(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// Uint32 returns a cryptographically secure random uint32.
func Uint32() uint32 {
	var buf [4]byte
	Fill(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

// Fill fills b with random bytes. It panics if the system source fails.
func Fill(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
}
