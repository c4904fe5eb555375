package ckudp

import (
	"fmt"
	"time"

	"github.com/geph-official/ckudp/libs/ckwire"
	"github.com/hashicorp/golang-lru/simplelru"
	pool "github.com/libp2p/go-buffer-pool"
)

// messageFragments tracks one partially received message.
type messageFragments struct {
	numFragments int
	received     int
	bytes        int
	have         [ckwire.MaxFragments]bool
	data         []byte
	touched      time.Time
}

func newMessageFragments(numFragments int, now time.Time) *messageFragments {
	return &messageFragments{
		numFragments: numFragments,
		data:         pool.Get(numFragments * ckwire.MaxFragmentSize),
		touched:      now,
	}
}

// store copies in a fragment unless it is a duplicate.
func (mf *messageFragments) store(index int, fragment []byte) {
	if mf.have[index] {
		return
	}
	copy(mf.data[index*ckwire.MaxFragmentSize:], fragment)
	mf.have[index] = true
	mf.received++
	mf.bytes += len(fragment)
}

func (mf *messageFragments) complete() bool {
	if mf.received < mf.numFragments {
		return false
	}
	for i := 0; i < mf.numFragments; i++ {
		if !mf.have[i] {
			panic(fmt.Sprintf("reassembly counted %d fragments but index %d is missing", mf.received, i))
		}
	}
	return true
}

// newReassemblyTable builds the bounded sequence -> *messageFragments map.
// Evicted and removed entries hand their buffers back to the pool.
func newReassemblyTable(capacity int) *simplelru.LRU {
	l, err := simplelru.NewLRU(capacity, func(_, v interface{}) {
		mf := v.(*messageFragments)
		pool.Put(mf.data)
		mf.data = nil
	})
	if err != nil {
		panic(err)
	}
	return l
}

const completedWindowSize = 128

// completedWindow remembers recently delivered sequence numbers so that
// retransmissions are acknowledged without being delivered twice.
type completedWindow struct {
	lastBuf []uint32
	bufPtr  uint8
}

func (cw *completedWindow) add(seq uint32) {
	if len(cw.lastBuf) < completedWindowSize {
		cw.lastBuf = append(cw.lastBuf, seq)
		return
	}
	cw.lastBuf[cw.bufPtr] = seq
	cw.bufPtr++
	cw.bufPtr %= completedWindowSize
}

func (cw *completedWindow) contains(seq uint32) bool {
	for _, v := range cw.lastBuf {
		if v == seq {
			return true
		}
	}
	return false
}

// fragmentCount returns how many fragments a payload of n bytes needs.
func fragmentCount(n int) (int, error) {
	if n > ckwire.MaxMessageSize {
		return 0, ErrMessageTooLarge
	}
	if n == 0 {
		return 1, nil
	}
	return (n + ckwire.MaxFragmentSize - 1) / ckwire.MaxFragmentSize, nil
}
