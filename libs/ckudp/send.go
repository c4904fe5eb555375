package ckudp

import (
	"time"

	"github.com/geph-official/ckudp/libs/ckwire"
	"github.com/geph-official/ckudp/libs/fastudp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SendOp transmits one message as best-effort fragments.
type SendOp struct {
	conn         *Connection
	payload      []byte
	seq          uint32
	numFragments int
	next         int
	done         bool
}

// NewSend prepares a best-effort send of payload under a fresh sequence number.
func (c *Connection) NewSend(payload []byte) (*SendOp, error) {
	nf, err := fragmentCount(len(payload))
	if err != nil {
		return nil, errors.Wrapf(err, "%d bytes", len(payload))
	}
	return &SendOp{
		conn:         c,
		payload:      payload,
		seq:          c.allocSequence(),
		numFragments: nf,
	}, nil
}

// Sequence returns the sequence number the message is sent under.
func (op *SendOp) Sequence() uint32 {
	return op.seq
}

// sendFragments writes every fragment from op.next onwards.
func (op *SendOp) sendFragments() error {
	for ; op.next < op.numFragments; op.next++ {
		start := op.next * ckwire.MaxFragmentSize
		end := start + ckwire.MaxFragmentSize
		if end > len(op.payload) {
			end = len(op.payload)
		}
		pkt := ckwire.Packet{
			Type:           ckwire.Message,
			Sequence:       op.seq,
			NumFragments:   uint8(op.numFragments),
			FragmentNumber: uint8(op.next),
			Fragment:       op.payload[start:end],
		}
		if err := op.conn.transmit(&pkt); err != nil {
			return err
		}
	}
	return nil
}

// Poll implements Op.
func (op *SendOp) Poll() (bool, error) {
	if op.done {
		return true, nil
	}
	if err := op.sendFragments(); err != nil {
		return false, err
	}
	op.done = true
	return true, nil
}

// Source implements Op.
func (op *SendOp) Source() *fastudp.Mailbox {
	return op.conn.inbox
}

// Deadline implements Op.
func (op *SendOp) Deadline() time.Time {
	return time.Time{}
}

type reliableState int

const (
	reliableSending reliableState = iota
	reliableWaiting
	reliableDone
	reliableFailed
)

// ReliableSendOp transmits one message and resends it until acknowledged.
type ReliableSendOp struct {
	send     SendOp
	state    reliableState
	deadline time.Time
	retryAt  time.Time
	retries  int
	err      error
}

// NewSendReliable prepares an acknowledged send of payload.
func (c *Connection) NewSendReliable(payload []byte) (*ReliableSendOp, error) {
	send, err := c.NewSend(payload)
	if err != nil {
		return nil, err
	}
	return &ReliableSendOp{send: *send}, nil
}

// Sequence returns the sequence number the message is sent under.
func (op *ReliableSendOp) Sequence() uint32 {
	return op.send.seq
}

// Retries returns how many times the message was resent.
func (op *ReliableSendOp) Retries() int {
	return op.retries
}

// Poll implements Op.
func (op *ReliableSendOp) Poll() (bool, error) {
	switch op.state {
	case reliableDone:
		return true, nil
	case reliableFailed:
		return false, op.err
	case reliableSending:
		if err := op.send.sendFragments(); err != nil {
			return false, op.fail(err)
		}
		now := time.Now()
		op.deadline = now.Add(op.send.conn.cfg.ReliableTimeout)
		op.retryAt = now.Add(op.send.conn.cfg.RetryInterval)
		op.state = reliableWaiting
	}
	conn := op.send.conn
	for {
		pkt, err := conn.nextPacket()
		if err != nil {
			return false, op.fail(err)
		}
		if pkt == nil {
			break
		}
		if pkt.Type == ckwire.Ack && pkt.Sequence == op.send.seq {
			op.state = reliableDone
			return true, nil
		}
	}
	now := time.Now()
	if !now.Before(op.deadline) {
		return false, op.fail(errors.Wrapf(ErrTimedOut, "message %d unacknowledged after %v retries", op.send.seq, op.retries))
	}
	if !now.Before(op.retryAt) {
		if doLogging {
			log.Printf("CK: %x resending message %d", conn.id, op.send.seq)
		}
		op.send.next = 0
		if err := op.send.sendFragments(); err != nil {
			return false, op.fail(err)
		}
		op.retries++
		op.retryAt = now.Add(conn.cfg.RetryInterval)
	}
	return false, nil
}

func (op *ReliableSendOp) fail(err error) error {
	op.state = reliableFailed
	op.err = err
	return err
}

// Source implements Op.
func (op *ReliableSendOp) Source() *fastudp.Mailbox {
	return op.send.conn.inbox
}

// Deadline implements Op.
func (op *ReliableSendOp) Deadline() time.Time {
	if op.state != reliableWaiting {
		return time.Time{}
	}
	return earliest(op.retryAt, op.deadline)
}
