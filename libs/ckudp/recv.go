package ckudp

import (
	"time"

	"github.com/geph-official/ckudp/libs/ckwire"
	"github.com/geph-official/ckudp/libs/fastudp"
	log "github.com/sirupsen/logrus"
)

type recvState int

const (
	recvReading recvState = iota
	recvAcknowledging
	recvDone
)

// RecvOp reads one complete message and acknowledges it.
type RecvOp struct {
	conn  *Connection
	buf   []byte
	state recvState
	seq   uint32
	n     int
}

// NewRecv prepares a read of the next message into buf.
func (c *Connection) NewRecv(buf []byte) *RecvOp {
	return &RecvOp{conn: c, buf: buf}
}

// Len returns the length of the received message once the op is done.
func (op *RecvOp) Len() int {
	return op.n
}

// Sequence returns the sequence number of the received message once the op is done.
func (op *RecvOp) Sequence() uint32 {
	return op.seq
}

// Poll implements Op.
func (op *RecvOp) Poll() (bool, error) {
	for {
		switch op.state {
		case recvReading:
			ready, err := op.read()
			if err != nil || !ready {
				return false, err
			}
			op.state = recvAcknowledging
		case recvAcknowledging:
			if err := op.conn.transmit(&ckwire.Packet{Type: ckwire.Ack, Sequence: op.seq}); err != nil {
				return false, err
			}
			op.state = recvDone
		case recvDone:
			return true, nil
		}
	}
}

func (op *RecvOp) read() (bool, error) {
	conn := op.conn
	now := time.Now()
	conn.expireFragments(now)
	for {
		pkt, err := conn.nextPacket()
		if err != nil || pkt == nil {
			return false, err
		}
		if pkt.Type != ckwire.Message {
			continue
		}
		if conn.completed.contains(pkt.Sequence) {
			// the sender missed our ack
			if doLogging {
				log.Printf("CK: %x re-acking duplicate message %d", conn.id, pkt.Sequence)
			}
			if err := conn.transmit(&ckwire.Packet{Type: ckwire.Ack, Sequence: pkt.Sequence}); err != nil {
				return false, err
			}
			continue
		}
		n, complete, err := conn.absorb(pkt, op.buf, now)
		if err != nil {
			return false, err
		}
		if complete {
			conn.completed.add(pkt.Sequence)
			op.seq = pkt.Sequence
			op.n = n
			return true, nil
		}
	}
}

// Source implements Op.
func (op *RecvOp) Source() *fastudp.Mailbox {
	return op.conn.inbox
}

// Deadline implements Op.
func (op *RecvOp) Deadline() time.Time {
	return time.Time{}
}
