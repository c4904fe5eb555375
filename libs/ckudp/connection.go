package ckudp

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/geph-official/ckudp/libs/ckwire"
	"github.com/geph-official/ckudp/libs/erand"
	"github.com/geph-official/ckudp/libs/fastudp"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Connection is an established channel to one peer. It is not safe for
// concurrent use: run one operation at a time from the goroutine that owns it.
type Connection struct {
	wire     *fastudp.Conn
	inbox    *fastudp.Mailbox
	peer     *net.UDPAddr
	id       uint64
	cfg      Config
	ownsWire bool
	onClose  func()
	closed   bool

	recvBuf [ckwire.MaxDatagramSize]byte
	sendBuf []byte

	partial   *simplelru.LRU
	completed completedWindow
	nextSeq   uint32

	// sendHook sees every outgoing packet; returning false drops it. Tests only.
	sendHook func(*ckwire.Packet) bool
}

func newConnection(wire *fastudp.Conn, inbox *fastudp.Mailbox, peer *net.UDPAddr, id uint64, cfg Config, ownsWire bool) *Connection {
	return &Connection{
		wire:     wire,
		inbox:    inbox,
		peer:     peer,
		id:       id,
		cfg:      cfg,
		ownsWire: ownsWire,
		sendBuf:  make([]byte, 0, ckwire.MaxDatagramSize),
		partial:  newReassemblyTable(cfg.MaxPendingMessages),
		nextSeq:  erand.Uint32(),
	}
}

// PeerAddr returns the address of the other end.
func (c *Connection) PeerAddr() *net.UDPAddr {
	return c.peer
}

// LocalAddr returns the address of the underlying socket.
func (c *Connection) LocalAddr() *net.UDPAddr {
	return c.wire.LocalAddr()
}

// ID returns the connection id agreed during the handshake.
func (c *Connection) ID() uint64 {
	return c.id
}

// Close releases the connection. A client connection closes its socket; a
// server connection forgets its peer so that it may handshake again.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.partial.Purge()
	if c.onClose != nil {
		c.onClose()
	}
	if c.ownsWire {
		return c.wire.Close()
	}
	return nil
}

// Send transmits b once, without waiting for acknowledgement.
func (c *Connection) Send(ctx context.Context, b []byte) error {
	op, err := c.NewSend(b)
	if err != nil {
		return err
	}
	return Drive(ctx, op)
}

// SendReliable transmits b and retries until the peer acknowledges it or
// Config.ReliableTimeout passes.
func (c *Connection) SendReliable(ctx context.Context, b []byte) error {
	op, err := c.NewSendReliable(b)
	if err != nil {
		return err
	}
	return Drive(ctx, op)
}

// Recv reads the next complete message into buf and returns its length.
func (c *Connection) Recv(ctx context.Context, buf []byte) (int, error) {
	op := c.NewRecv(buf)
	if err := Drive(ctx, op); err != nil {
		return 0, err
	}
	return op.Len(), nil
}

func (c *Connection) allocSequence() uint32 {
	seq := c.nextSeq
	c.nextSeq++
	return seq
}

func (c *Connection) transmit(pkt *ckwire.Packet) error {
	pkt.ConnectionID = c.id
	if c.sendHook != nil && !c.sendHook(pkt) {
		return nil
	}
	out, err := ckwire.Encode(pkt, c.sendBuf)
	if err != nil {
		return errors.WithStack(err)
	}
	c.sendBuf = out[:0]
	return writeDatagram(c.wire, out, c.peer)
}

// nextPacket returns the next packet addressed to this connection, or nil if
// the inbox is empty. The packet aliases recvBuf until the next call.
func (c *Connection) nextPacket() (*ckwire.Packet, error) {
	for {
		n, from, err := c.inbox.TryRecv(c.recvBuf[:])
		if err == fastudp.ErrWouldBlock {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "connection socket")
		}
		pkt, err := ckwire.Decode(c.recvBuf[:n])
		if err != nil {
			return nil, err
		}
		if pkt == nil {
			continue
		}
		if pkt.ConnectionID != c.id || !sameAddr(from, c.peer) {
			if doLogging {
				log.Printf("CK: %x dropping %v from %v", c.id, pkt, from)
			}
			continue
		}
		return pkt, nil
	}
}

// absorb feeds a Message into reassembly. When it completes a message, the
// message is copied into out and its length returned.
func (c *Connection) absorb(pkt *ckwire.Packet, out []byte, now time.Time) (n int, complete bool, err error) {
	num := int(pkt.NumFragments)
	index := int(pkt.FragmentNumber)
	if num == 0 || index >= num {
		return 0, false, nil
	}
	if index < num-1 && len(pkt.Fragment) != ckwire.MaxFragmentSize {
		return 0, false, nil
	}
	if num == 1 {
		if len(pkt.Fragment) > len(out) {
			return 0, false, errors.Wrapf(io.ErrShortBuffer, "message %d is %d bytes", pkt.Sequence, len(pkt.Fragment))
		}
		return copy(out, pkt.Fragment), true, nil
	}
	var mf *messageFragments
	if v, ok := c.partial.Get(pkt.Sequence); ok {
		mf = v.(*messageFragments)
	} else {
		mf = newMessageFragments(num, now)
		c.partial.Add(pkt.Sequence, mf)
	}
	mf.touched = now
	if mf.numFragments != num {
		return 0, false, nil
	}
	mf.store(index, pkt.Fragment)
	if !mf.complete() {
		return 0, false, nil
	}
	defer c.partial.Remove(pkt.Sequence)
	if mf.bytes > len(out) {
		return 0, false, errors.Wrapf(io.ErrShortBuffer, "message %d is %d bytes", pkt.Sequence, mf.bytes)
	}
	return copy(out, mf.data[:mf.bytes]), true, nil
}

// expireFragments drops partial messages that stopped making progress.
func (c *Connection) expireFragments(now time.Time) {
	for {
		seq, v, ok := c.partial.GetOldest()
		if !ok || now.Sub(v.(*messageFragments).touched) < c.cfg.ReassemblyTimeout {
			return
		}
		if doLogging {
			log.Printf("CK: %x expiring partial message %v", c.id, seq)
		}
		c.partial.RemoveOldest()
	}
}

func writeDatagram(wire *fastudp.Conn, b []byte, to *net.UDPAddr) error {
	n, err := wire.WriteTo(b, to)
	if err != nil {
		return errors.Wrapf(err, "writing to %v", to)
	}
	if n != len(b) {
		return errors.Wrapf(io.ErrShortWrite, "wrote %d of %d bytes to %v", n, len(b), to)
	}
	return nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

func copyAddr(a *net.UDPAddr) *net.UDPAddr {
	return &net.UDPAddr{IP: append(net.IP(nil), a.IP...), Port: a.Port, Zone: a.Zone}
}
