package fastudp

import (
	"net"
	"testing"
)

func BenchmarkWriteTo(b *testing.B) {
	src, err := Listen("udp", "127.0.0.1:0", 16)
	if err != nil {
		panic(err)
	}
	defer src.Close()
	sink, err := Listen("udp", "127.0.0.1:0", 16)
	if err != nil {
		panic(err)
	}
	defer sink.Close()
	pkt := make([]byte, 1024)
	b.SetBytes(int64(len(pkt)))
	for i := 0; i < b.N; i++ {
		if _, err := src.WriteTo(pkt, sink.LocalAddr()); err != nil {
			panic(err)
		}
		sink.Inbox().Drain()
	}
}

func BenchmarkMailboxDeliverRecv(b *testing.B) {
	conn, err := Listen("udp", "127.0.0.1:0", 16)
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	mb := conn.NewMailbox(16)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	pkt := make([]byte, 1024)
	out := make([]byte, 2048)
	for i := 0; i < b.N; i++ {
		body := malloc(len(pkt))
		copy(body, pkt)
		mb.Deliver(Datagram{Body: body, From: from})
		if _, _, err := mb.TryRecv(out); err != nil {
			panic(err)
		}
	}
}
