package ckudp

import (
	"context"
	"net"
	"time"

	"github.com/geph-official/ckudp/libs/ckwire"
	"github.com/geph-official/ckudp/libs/erand"
	"github.com/geph-official/ckudp/libs/fastudp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type connectState int

const (
	awaitingChallenge connectState = iota
	confirmingChallenge
	established
	connectFailed
)

// ConnectOp is the client side of the handshake.
type ConnectOp struct {
	wire  *fastudp.Conn
	peer  *net.UDPAddr
	id    uint64
	cfg   Config
	state connectState

	cookie    []byte
	cookieBuf [ckwire.MaxCookieSize]byte
	deadline  time.Time
	resendAt  time.Time

	conn *Connection
	err  error

	recvBuf [ckwire.MaxDatagramSize]byte
	sendBuf []byte
}

// NewConnect binds an ephemeral socket of the same family as addr and
// prepares a handshake with a random connection id. Nothing is sent until the
// first Poll.
func NewConnect(addr string, cfg Config) (*ConnectOp, error) {
	cfg = cfg.withDefaults()
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %v", addr)
	}
	network := "udp6"
	if peer.IP == nil || peer.IP.To4() != nil {
		network = "udp4"
	}
	wire, err := fastudp.Listen(network, ":0", cfg.MailboxDepth)
	if err != nil {
		return nil, errors.Wrap(err, "binding client socket")
	}
	return &ConnectOp{
		wire:     wire,
		peer:     peer,
		id:       erand.Uint64(),
		cfg:      cfg,
		deadline: time.Now().Add(cfg.HandshakeTimeout),
		sendBuf:  make([]byte, 0, ckwire.MaxDatagramSize),
	}, nil
}

// ID returns the connection id being proposed.
func (op *ConnectOp) ID() uint64 {
	return op.id
}

// Poll implements Op.
func (op *ConnectOp) Poll() (bool, error) {
	switch op.state {
	case established:
		return true, nil
	case connectFailed:
		return false, op.err
	}
	for {
		n, from, err := op.wire.Inbox().TryRecv(op.recvBuf[:])
		if err == fastudp.ErrWouldBlock {
			break
		}
		if err != nil {
			return false, op.fail(errors.Wrap(err, "client socket"))
		}
		pkt, err := ckwire.Decode(op.recvBuf[:n])
		if err != nil {
			return false, op.fail(err)
		}
		if pkt == nil || pkt.ConnectionID != op.id || !sameAddr(from, op.peer) {
			continue
		}
		switch pkt.Type {
		case ckwire.Challenge:
			op.cookie = op.cookieBuf[:copy(op.cookieBuf[:], pkt.Cookie)]
			if op.state == awaitingChallenge {
				op.state = confirmingChallenge
				op.resendAt = time.Time{}
			}
		case ckwire.ConnectionAccepted:
			// no ChallengeResponse has left yet, so this accept cannot be ours
			if op.state != confirmingChallenge {
				continue
			}
			if doLogging {
				log.Printf("CK: %x established with %v", op.id, op.peer)
			}
			op.state = established
			op.conn = newConnection(op.wire, op.wire.Inbox(), op.peer, op.id, op.cfg, true)
			return true, nil
		}
	}
	now := time.Now()
	if !now.Before(op.deadline) {
		return false, op.fail(errors.Wrapf(ErrTimedOut, "handshake with %v", op.peer))
	}
	if !now.Before(op.resendAt) {
		pkt := ckwire.Packet{ConnectionID: op.id, Type: ckwire.ConnectionRequest}
		if op.state == confirmingChallenge {
			pkt.Type = ckwire.ChallengeResponse
			pkt.Cookie = op.cookie
		}
		out, err := ckwire.Encode(&pkt, op.sendBuf)
		if err != nil {
			return false, op.fail(errors.WithStack(err))
		}
		op.sendBuf = out[:0]
		if err := writeDatagram(op.wire, out, op.peer); err != nil {
			return false, op.fail(err)
		}
		op.resendAt = now.Add(op.cfg.RetryInterval)
	}
	return false, nil
}

func (op *ConnectOp) fail(err error) error {
	op.state = connectFailed
	op.err = err
	op.wire.Close()
	return err
}

// Source implements Op.
func (op *ConnectOp) Source() *fastudp.Mailbox {
	return op.wire.Inbox()
}

// Deadline implements Op.
func (op *ConnectOp) Deadline() time.Time {
	if op.state != awaitingChallenge && op.state != confirmingChallenge {
		return time.Time{}
	}
	return earliest(op.resendAt, op.deadline)
}

// Abort gives up on an unfinished handshake and closes its socket.
func (op *ConnectOp) Abort() {
	if op.state == awaitingChallenge || op.state == confirmingChallenge {
		op.fail(errors.New("handshake aborted"))
	}
}

// Connection returns the established connection, or nil if the handshake has not completed.
func (op *ConnectOp) Connection() *Connection {
	return op.conn
}

// Dial performs a handshake with addr.
func Dial(ctx context.Context, addr string, cfg Config) (*Connection, error) {
	op, err := NewConnect(addr, cfg)
	if err != nil {
		return nil, err
	}
	if err := Drive(ctx, op); err != nil {
		op.Abort()
		return nil, err
	}
	return op.Connection(), nil
}
