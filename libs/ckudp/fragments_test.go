package ckudp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/geph-official/ckudp/libs/ckwire"
	"github.com/pkg/errors"
)

// bareConnection has no socket; it is enough to exercise reassembly.
func bareConnection(cfg Config) *Connection {
	cfg = cfg.withDefaults()
	return newConnection(nil, nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, 1, cfg, false)
}

func split(seq uint32, payload []byte) []*ckwire.Packet {
	nf, err := fragmentCount(len(payload))
	if err != nil {
		panic(err)
	}
	var pkts []*ckwire.Packet
	for i := 0; i < nf; i++ {
		end := (i + 1) * ckwire.MaxFragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		pkts = append(pkts, &ckwire.Packet{
			Type:           ckwire.Message,
			Sequence:       seq,
			NumFragments:   uint8(nf),
			FragmentNumber: uint8(i),
			Fragment:       payload[i*ckwire.MaxFragmentSize : end],
		})
	}
	return pkts
}

func filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestFragmentCount(t *testing.T) {
	limit := ckwire.MaxFragmentSize
	cases := map[int]int{
		0:                     1,
		1:                     1,
		limit:                 1,
		limit + 1:             2,
		3*limit - 1:           3,
		3*limit + 1:           4,
		ckwire.MaxMessageSize: ckwire.MaxFragments,
	}
	for size, want := range cases {
		got, err := fragmentCount(size)
		if err != nil || got != want {
			t.Errorf("fragmentCount(%d) = %d, %v; want %d", size, got, err, want)
		}
	}
	if _, err := fragmentCount(ckwire.MaxMessageSize + 1); errors.Cause(err) != ErrMessageTooLarge {
		t.Errorf("oversized payload gave %v", err)
	}
}

func TestInterleavedDuplicatesIsolated(t *testing.T) {
	c := bareConnection(DefaultConfig())
	a := filled(3*ckwire.MaxFragmentSize-10, 'a')
	b := filled(2*ckwire.MaxFragmentSize+3, 'b')
	pa, pb := split(1, a), split(2, b)
	now := time.Now()
	out := make([]byte, ckwire.MaxMessageSize)
	feed := []*ckwire.Packet{pa[0], pb[1], pa[0], pb[1], pa[2], pb[0], pa[2]}
	for _, pkt := range feed {
		if _, complete, err := c.absorb(pkt, out, now); err != nil || complete {
			t.Fatalf("fragment %d of %d: complete=%v err=%v", pkt.FragmentNumber, pkt.Sequence, complete, err)
		}
	}
	n, complete, err := c.absorb(pb[2], out, now)
	if err != nil || !complete || !bytes.Equal(out[:n], b) {
		t.Fatalf("message 2 reassembled wrongly: complete=%v err=%v len=%d", complete, err, n)
	}
	n, complete, err = c.absorb(pa[1], out, now)
	if err != nil || !complete || !bytes.Equal(out[:n], a) {
		t.Fatalf("message 1 reassembled wrongly: complete=%v err=%v len=%d", complete, err, n)
	}
	if c.partial.Len() != 0 {
		t.Errorf("%d records left after completion", c.partial.Len())
	}
}

func TestAbsorbRejectsMalformed(t *testing.T) {
	c := bareConnection(DefaultConfig())
	out := make([]byte, 100)
	now := time.Now()
	cases := []*ckwire.Packet{
		{Type: ckwire.Message, Sequence: 1, NumFragments: 0, Fragment: []byte("x")},
		{Type: ckwire.Message, Sequence: 1, NumFragments: 2, FragmentNumber: 2, Fragment: []byte("x")},
		{Type: ckwire.Message, Sequence: 1, NumFragments: 2, FragmentNumber: 0, Fragment: []byte("short")},
	}
	for _, pkt := range cases {
		if n, complete, err := c.absorb(pkt, out, now); n != 0 || complete || err != nil {
			t.Errorf("%v absorbed: %d %v %v", pkt, n, complete, err)
		}
	}
	if c.partial.Len() != 0 {
		t.Errorf("malformed fragments created %d records", c.partial.Len())
	}
}

func TestFragmentCountMismatch(t *testing.T) {
	c := bareConnection(DefaultConfig())
	out := make([]byte, ckwire.MaxMessageSize)
	now := time.Now()
	pkts := split(4, filled(2*ckwire.MaxFragmentSize+1, 'x'))
	c.absorb(pkts[0], out, now)
	liar := *pkts[1]
	liar.NumFragments = 2
	liar.Fragment = []byte("end")
	liar.FragmentNumber = 1
	if _, complete, _ := c.absorb(&liar, out, now); complete {
		t.Fatal("fragment with a different count completed the message")
	}
	c.absorb(pkts[1], out, now)
	n, complete, err := c.absorb(pkts[2], out, now)
	if err != nil || !complete || n != 2*ckwire.MaxFragmentSize+1 {
		t.Fatalf("complete=%v err=%v n=%d", complete, err, n)
	}
}

func TestReassemblyShortBuffer(t *testing.T) {
	c := bareConnection(DefaultConfig())
	pkts := split(8, filled(ckwire.MaxFragmentSize+1, 'z'))
	out := make([]byte, ckwire.MaxFragmentSize)
	now := time.Now()
	c.absorb(pkts[0], out, now)
	if _, _, err := c.absorb(pkts[1], out, now); err == nil {
		t.Fatal("short buffer accepted")
	}
	if c.partial.Len() != 0 {
		t.Error("record kept after failed delivery")
	}
}

func TestReassemblyExpiry(t *testing.T) {
	cfg := DefaultConfig()
	c := bareConnection(cfg)
	out := make([]byte, ckwire.MaxMessageSize)
	start := time.Now()
	old := split(1, filled(2*ckwire.MaxFragmentSize, 'o'))
	fresh := split(2, filled(2*ckwire.MaxFragmentSize, 'f'))
	c.absorb(old[0], out, start)
	c.absorb(fresh[0], out, start.Add(cfg.ReassemblyTimeout/2))
	c.expireFragments(start.Add(cfg.ReassemblyTimeout))
	if c.partial.Len() != 1 || !c.partial.Contains(uint32(2)) {
		t.Fatalf("expected only the fresh record to survive, have %v", c.partial.Keys())
	}
	// the late fragment starts over instead of completing
	if _, complete, _ := c.absorb(old[1], out, start.Add(cfg.ReassemblyTimeout)); complete {
		t.Fatal("expired message completed")
	}
}

func TestReassemblyEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingMessages = 2
	c := bareConnection(cfg)
	out := make([]byte, ckwire.MaxMessageSize)
	now := time.Now()
	for seq := uint32(10); seq < 13; seq++ {
		c.absorb(split(seq, filled(2*ckwire.MaxFragmentSize, byte(seq)))[0], out, now)
	}
	if c.partial.Len() != 2 || c.partial.Contains(uint32(10)) {
		t.Fatalf("expected the oldest record evicted, have %v", c.partial.Keys())
	}
}

func TestCompletedWindow(t *testing.T) {
	var cw completedWindow
	for seq := uint32(0); seq < completedWindowSize+10; seq++ {
		cw.add(seq)
	}
	for seq := uint32(0); seq < 10; seq++ {
		if cw.contains(seq) {
			t.Errorf("sequence %d should have aged out", seq)
		}
	}
	for seq := uint32(10); seq < completedWindowSize+10; seq++ {
		if !cw.contains(seq) {
			t.Errorf("sequence %d forgotten", seq)
		}
	}
}
