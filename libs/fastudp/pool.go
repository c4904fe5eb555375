package fastudp

import pool "github.com/libp2p/go-buffer-pool"

// maxDatagram bounds a single read. Anything longer than the protocol allows is truncated and later fails its checksum.
const maxDatagram = 2048

func malloc(n int) []byte {
	return pool.Get(n)
}

func free(bts []byte) {
	pool.Put(bts)
}
