package fastudp

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func dialTo(t *testing.T, conn *Conn) *net.UDPConn {
	raw, err := net.DialUDP("udp", nil, conn.LocalAddr())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	return raw
}

func recvWithin(t *testing.T, mb *Mailbox, p []byte, d time.Duration) (int, *net.UDPAddr) {
	deadline := time.After(d)
	for {
		n, from, err := mb.TryRecv(p)
		if err == nil {
			return n, from
		}
		if err != ErrWouldBlock {
			t.Fatalf("TryRecv failed: %v", err)
		}
		select {
		case <-mb.Readable():
		case <-deadline:
			t.Fatal("timed out waiting for datagram")
		}
	}
}

func TestTryRecvWouldBlock(t *testing.T) {
	conn, err := Listen("udp", "127.0.0.1:0", 8)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, _, err := conn.Inbox().TryRecv(make([]byte, 10)); err != ErrWouldBlock {
		t.Fatalf("got %v, want ErrWouldBlock", err)
	}
}

func TestInboxReceives(t *testing.T) {
	conn, err := Listen("udp", "127.0.0.1:0", 8)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	raw := dialTo(t, conn)
	defer raw.Close()
	if _, err := raw.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 100)
	n, from := recvWithin(t, conn.Inbox(), buf, time.Second)
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Errorf("got %q", buf[:n])
	}
	if from.Port != raw.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("wrong source %v", from)
	}
}

func TestRouterSortsDatagrams(t *testing.T) {
	conn, err := Listen("udp", "127.0.0.1:0", 8)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	side := conn.NewMailbox(8)
	conn.SetRouter(func(pkt []byte, from *net.UDPAddr) *Mailbox {
		if len(pkt) > 0 && pkt[0] == 's' {
			return side
		}
		return nil
	})
	raw := dialTo(t, conn)
	defer raw.Close()
	raw.Write([]byte("side"))
	raw.Write([]byte("main"))
	buf := make([]byte, 100)
	n, _ := recvWithin(t, side, buf, time.Second)
	if string(buf[:n]) != "side" {
		t.Errorf("side mailbox got %q", buf[:n])
	}
	n, _ = recvWithin(t, conn.Inbox(), buf, time.Second)
	if string(buf[:n]) != "main" {
		t.Errorf("inbox got %q", buf[:n])
	}
}

func TestWriteTo(t *testing.T) {
	a, err := Listen("udp", "127.0.0.1:0", 8)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Listen("udp", "127.0.0.1:0", 8)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if n, err := a.WriteTo([]byte("ping"), b.LocalAddr()); err != nil || n != 4 {
		t.Fatalf("WriteTo returned %v, %v", n, err)
	}
	buf := make([]byte, 10)
	n, from := recvWithin(t, b.Inbox(), buf, time.Second)
	if string(buf[:n]) != "ping" || from.Port != a.LocalAddr().Port {
		t.Errorf("got %q from %v", buf[:n], from)
	}
}

func TestMailboxFull(t *testing.T) {
	conn, err := Listen("udp", "127.0.0.1:0", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	mb := conn.NewMailbox(2)
	for i := 0; i < 2; i++ {
		if !mb.Deliver(Datagram{Body: malloc(1)}) {
			t.Fatalf("delivery %d refused", i)
		}
	}
	if mb.Deliver(Datagram{Body: malloc(1)}) {
		t.Error("full mailbox accepted a datagram")
	}
	mb.Drain()
	if _, _, err := mb.TryRecv(nil); err != ErrWouldBlock {
		t.Errorf("drained mailbox returned %v", err)
	}
}

func TestClosedReportsError(t *testing.T) {
	conn, err := Listen("udp", "127.0.0.1:0", 8)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	select {
	case <-conn.Inbox().Dying():
	case <-time.After(time.Second):
		t.Fatal("mailbox never reported death")
	}
	if _, _, err := conn.Inbox().TryRecv(make([]byte, 10)); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}
