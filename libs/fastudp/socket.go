package fastudp

import (
	"errors"
	"io"
	"net"
	"os"
	"runtime"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"gopkg.in/tomb.v1"
)

const readQuantum = 16

var doLogging = false

func init() {
	doLogging = os.Getenv("CKLOG") != ""
}

// ErrWouldBlock is returned by TryRecv when no datagram is queued.
var ErrWouldBlock = errors.New("operation would block")

// ErrClosed is the death reason of a Conn closed by its owner.
var ErrClosed = io.ErrClosedPipe

// Router picks the mailbox for an incoming datagram. Returning nil selects the default inbox.
type Router func(pkt []byte, from *net.UDPAddr) *Mailbox

// Conn wraps a UDPConn with a background reader that sorts datagrams into mailboxes.
type Conn struct {
	sock  *net.UDPConn
	pconn *ipv4.PacketConn
	death *tomb.Tomb

	inbox  *Mailbox
	router atomic.Value
}

// NewConn takes ownership of sock and starts reading from it.
func NewConn(sock *net.UDPConn, depth int) *Conn {
	if err := sock.SetWriteBuffer(262144); err != nil && doLogging {
		log.Println("FU: cannot set write buffer:", err)
	}
	if err := sock.SetReadBuffer(262144); err != nil && doLogging {
		log.Println("FU: cannot set read buffer:", err)
	}
	c := &Conn{
		sock:  sock,
		death: new(tomb.Tomb),
	}
	c.inbox = c.NewMailbox(depth)
	if runtime.GOOS == "linux" {
		if la, ok := sock.LocalAddr().(*net.UDPAddr); ok && la.IP.To4() != nil {
			c.pconn = ipv4.NewPacketConn(sock)
		}
	}
	go c.bkgRead()
	return c
}

// Listen binds a UDP socket on addr and wraps it. network is "udp", "udp4" or "udp6".
func Listen(network, addr string, depth int) (*Conn, error) {
	ua, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP(network, ua)
	if err != nil {
		return nil, err
	}
	return NewConn(sock, depth), nil
}

// SetRouter installs the function used to sort incoming datagrams.
func (conn *Conn) SetRouter(r Router) {
	conn.router.Store(r)
}

// Inbox is the mailbox that receives every datagram the router does not claim.
func (conn *Conn) Inbox() *Mailbox {
	return conn.inbox
}

func (conn *Conn) route(pkt []byte, from *net.UDPAddr) *Mailbox {
	if r, ok := conn.router.Load().(Router); ok && r != nil {
		if mb := r(pkt, from); mb != nil {
			return mb
		}
	}
	return conn.inbox
}

func (conn *Conn) deliver(pkt []byte, from *net.UDPAddr) {
	body := malloc(len(pkt))
	copy(body, pkt)
	if !conn.route(pkt, from).Deliver(Datagram{Body: body, From: from}) {
		free(body)
		if doLogging {
			log.Println("FU: dropping datagram from", from, "because mailbox is full")
		}
	}
}

func (conn *Conn) bkgRead() {
	if conn.pconn != nil {
		conn.bkgReadBatch()
		return
	}
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.sock.ReadFromUDP(buf)
		if err != nil {
			conn.death.Kill(err)
			return
		}
		conn.deliver(buf[:n], from)
	}
}

func (conn *Conn) bkgReadBatch() {
	readBuf := make([]ipv4.Message, readQuantum)
	for i := range readBuf {
		readBuf[i].Buffers = [][]byte{make([]byte, maxDatagram)}
	}
	for {
		fillCnt, err := conn.pconn.ReadBatch(readBuf, 0)
		if err != nil {
			conn.death.Kill(err)
			return
		}
		for _, msg := range readBuf[:fillCnt] {
			from, ok := msg.Addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			conn.deliver(msg.Buffers[0][:msg.N], from)
		}
	}
}

// WriteTo sends a single datagram.
func (conn *Conn) WriteTo(p []byte, addr *net.UDPAddr) (int, error) {
	return conn.sock.WriteToUDP(p, addr)
}

// Close closes the socket. Mailboxes report ErrClosed once drained.
func (conn *Conn) Close() error {
	conn.death.Kill(ErrClosed)
	return conn.sock.Close()
}

// LocalAddr returns the bound address.
func (conn *Conn) LocalAddr() *net.UDPAddr {
	return conn.sock.LocalAddr().(*net.UDPAddr)
}

// Dying is closed once the socket has failed or been closed.
func (conn *Conn) Dying() <-chan struct{} {
	return conn.death.Dying()
}

// Err returns why the socket died.
func (conn *Conn) Err() error {
	err := conn.death.Err()
	if err == nil || err == tomb.ErrStillAlive {
		return ErrClosed
	}
	return err
}
