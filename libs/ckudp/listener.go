package ckudp

import (
	"context"
	"net"
	"time"

	"github.com/geph-official/ckudp/libs/ckcookie"
	"github.com/geph-official/ckudp/libs/ckwire"
	"github.com/geph-official/ckudp/libs/fastudp"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// openConnection is the listener's record of an established peer.
type openConnection struct {
	id    uint64
	inbox *fastudp.Mailbox
}

// Listener performs the server side of the handshake. It keeps no state for
// a peer until that peer echoes back a valid cookie. Poll and Accept must be
// called from a single goroutine.
type Listener struct {
	wire    *fastudp.Conn
	inbox   *fastudp.Mailbox
	jar     *ckcookie.Jar
	cfg     Config
	start   time.Time
	open    *cache.Cache
	limiter *rate.Limiter

	recvBuf [ckwire.MaxDatagramSize]byte
	sendBuf []byte
}

// Listen binds addr and starts answering handshakes.
func Listen(addr string, cfg Config) (*Listener, error) {
	cfg = cfg.withDefaults()
	jar, err := ckcookie.NewJar(cfg.Secret)
	if err != nil {
		return nil, err
	}
	wire, err := fastudp.Listen("udp", addr, cfg.MailboxDepth)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %v", addr)
	}
	l := &Listener{
		wire:    wire,
		inbox:   wire.Inbox(),
		jar:     jar,
		cfg:     cfg,
		start:   time.Now(),
		sendBuf: make([]byte, 0, ckwire.MaxDatagramSize),
	}
	if cfg.OpenConnectionTTL > 0 {
		l.open = cache.New(cfg.OpenConnectionTTL, cfg.OpenConnectionTTL)
	} else {
		l.open = cache.New(cache.NoExpiration, 0)
	}
	if cfg.ChallengeRate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.ChallengeRate), cfg.ChallengeBurst)
	} else {
		l.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	wire.SetRouter(l.route)
	return l, nil
}

// route runs on the socket's reader goroutine. Traffic of established peers
// goes to their own mailbox; handshake packets stay with the listener.
func (l *Listener) route(pkt []byte, from *net.UDPAddr) *fastudp.Mailbox {
	if len(pkt) < ckwire.HeaderSize {
		return nil
	}
	if t := ckwire.Type(pkt[ckwire.HeaderSize-1]); t != ckwire.Message && t != ckwire.Ack {
		return nil
	}
	key := from.String()
	v, ok := l.open.Get(key)
	if !ok {
		return nil
	}
	oc := v.(*openConnection)
	if l.cfg.OpenConnectionTTL > 0 {
		l.open.Set(key, oc, cache.DefaultExpiration)
	}
	return oc.inbox
}

// Addr returns the bound address.
func (l *Listener) Addr() *net.UDPAddr {
	return l.wire.LocalAddr()
}

// Close closes the socket. Connections accepted from this listener fail on their next operation.
func (l *Listener) Close() error {
	l.open.Flush()
	return l.wire.Close()
}

// Poll handles every queued handshake packet and returns the first new
// connection it establishes, or nil if the inbox ran dry first.
func (l *Listener) Poll() (*Connection, error) {
	for {
		n, from, err := l.inbox.TryRecv(l.recvBuf[:])
		if err == fastudp.ErrWouldBlock {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "listener socket")
		}
		pkt, err := ckwire.Decode(l.recvBuf[:n])
		if err != nil {
			return nil, err
		}
		if pkt == nil {
			continue
		}
		if unroutable(from) {
			if doLogging {
				log.Printf("CK: listener dropping %v from unroutable %v", pkt, from)
			}
			continue
		}
		switch pkt.Type {
		case ckwire.ConnectionRequest:
			if err := l.challenge(pkt, from); err != nil {
				return nil, err
			}
		case ckwire.ChallengeResponse:
			conn, err := l.confirm(pkt, from)
			if err != nil {
				return nil, err
			}
			if conn != nil {
				return conn, nil
			}
		default:
			if doLogging {
				log.Printf("CK: listener ignoring %v from %v", pkt, from)
			}
		}
	}
}

func (l *Listener) challenge(pkt *ckwire.Packet, from *net.UDPAddr) error {
	if !l.limiter.Allow() {
		if doLogging {
			log.Println("CK: challenge rate exceeded, ignoring request from", from)
		}
		return nil
	}
	cookie, err := l.jar.Seal(ckcookie.Cookie{
		RequestTime:  time.Since(l.start),
		Source:       from,
		ConnectionID: pkt.ConnectionID,
	})
	if err != nil {
		return err
	}
	return l.send(&ckwire.Packet{
		ConnectionID: pkt.ConnectionID,
		Type:         ckwire.Challenge,
		Cookie:       cookie,
	}, from)
}

func (l *Listener) confirm(pkt *ckwire.Packet, from *net.UDPAddr) (*Connection, error) {
	cookie, ok := l.jar.Open(pkt.Cookie)
	if !ok {
		if doLogging {
			log.Println("CK: bad cookie from", from)
		}
		return nil, nil
	}
	if !sameAddr(cookie.Source, from) || cookie.ConnectionID != pkt.ConnectionID {
		if doLogging {
			log.Printf("CK: cookie for %v/%x presented by %v/%x", cookie.Source, cookie.ConnectionID, from, pkt.ConnectionID)
		}
		return nil, nil
	}
	if age := time.Since(l.start) - cookie.RequestTime; age > l.cfg.CookieLifetime {
		if doLogging {
			log.Printf("CK: stale cookie from %v (%v old)", from, age)
		}
		return nil, nil
	}
	key := from.String()
	oc := &openConnection{id: pkt.ConnectionID, inbox: l.wire.NewMailbox(l.cfg.MailboxDepth)}
	fresh := true
	if err := l.open.Add(key, oc, cache.DefaultExpiration); err != nil {
		v, ok := l.open.Get(key)
		if !ok {
			// expired between Add and Get
			return nil, nil
		}
		if v.(*openConnection).id != pkt.ConnectionID {
			if doLogging {
				log.Printf("CK: %v already connected under another id", from)
			}
			return nil, nil
		}
		fresh = false
	}
	if err := l.send(&ckwire.Packet{ConnectionID: pkt.ConnectionID, Type: ckwire.ConnectionAccepted}, from); err != nil {
		return nil, err
	}
	if !fresh {
		return nil, nil
	}
	if doLogging {
		log.Printf("CK: accepted %x from %v", pkt.ConnectionID, from)
	}
	conn := newConnection(l.wire, oc.inbox, copyAddr(from), pkt.ConnectionID, l.cfg, false)
	conn.onClose = func() {
		if v, ok := l.open.Get(key); ok && v.(*openConnection) == oc {
			l.open.Delete(key)
		}
		oc.inbox.Drain()
	}
	return conn, nil
}

func (l *Listener) send(pkt *ckwire.Packet, to *net.UDPAddr) error {
	out, err := ckwire.Encode(pkt, l.sendBuf)
	if err != nil {
		return errors.WithStack(err)
	}
	l.sendBuf = out[:0]
	if err := writeDatagram(l.wire, out, to); err != nil {
		// the address came off the wire; only a dead socket is our problem
		select {
		case <-l.wire.Dying():
			return err
		default:
		}
		if doLogging {
			log.Println("CK: cannot reply to", to, err)
		}
	}
	return nil
}

// unroutable reports source addresses no reply can reach.
func unroutable(a *net.UDPAddr) bool {
	return a == nil || a.Port == 0 || a.IP.IsUnspecified() ||
		a.IP.IsMulticast() || a.IP.Equal(net.IPv4bcast)
}

type acceptOp struct {
	l    *Listener
	conn *Connection
}

func (op *acceptOp) Poll() (bool, error) {
	conn, err := op.l.Poll()
	if err != nil {
		return false, err
	}
	op.conn = conn
	return conn != nil, nil
}

func (op *acceptOp) Source() *fastudp.Mailbox {
	return op.l.inbox
}

func (op *acceptOp) Deadline() time.Time {
	return time.Time{}
}

// Accept waits for the next new connection.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	op := &acceptOp{l: l}
	if err := Drive(ctx, op); err != nil {
		return nil, err
	}
	return op.conn, nil
}
