package fastudp

import "net"

// Datagram is one received packet. Body comes from the buffer pool.
type Datagram struct {
	Body []byte
	From *net.UDPAddr
}

// Mailbox is a bounded queue of datagrams with a readiness signal, suitable
// for polling without blocking.
type Mailbox struct {
	queue  chan Datagram
	notify chan struct{}
	owner  *Conn
}

// NewMailbox creates a mailbox tied to the lifetime of conn.
func (conn *Conn) NewMailbox(depth int) *Mailbox {
	if depth <= 0 {
		depth = 1
	}
	return &Mailbox{
		queue:  make(chan Datagram, depth),
		notify: make(chan struct{}, 1),
		owner:  conn,
	}
}

// Deliver enqueues a datagram without blocking. It returns false if the mailbox is full.
func (mb *Mailbox) Deliver(dg Datagram) bool {
	select {
	case mb.queue <- dg:
	default:
		return false
	}
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return true
}

// TryRecv copies the oldest queued datagram into p, truncating if p is short.
// It returns ErrWouldBlock when nothing is queued, or the socket's death
// reason once the socket is gone and the queue is empty.
func (mb *Mailbox) TryRecv(p []byte) (n int, from *net.UDPAddr, err error) {
	select {
	case dg := <-mb.queue:
		n = copy(p, dg.Body)
		free(dg.Body)
		return n, dg.From, nil
	default:
	}
	select {
	case <-mb.owner.Dying():
		return 0, nil, mb.owner.Err()
	default:
		return 0, nil, ErrWouldBlock
	}
}

// Readable fires after a datagram has been delivered since the last wakeup.
// It may fire spuriously; always retry TryRecv.
func (mb *Mailbox) Readable() <-chan struct{} {
	return mb.notify
}

// Drain discards everything queued.
func (mb *Mailbox) Drain() {
	for {
		select {
		case dg := <-mb.queue:
			free(dg.Body)
		default:
			return
		}
	}
}

// Dying is closed when the underlying socket is gone.
func (mb *Mailbox) Dying() <-chan struct{} {
	return mb.owner.Dying()
}
