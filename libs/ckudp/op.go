package ckudp

import (
	"context"
	"time"

	"github.com/geph-official/ckudp/libs/fastudp"
)

// Op is a non-blocking state machine. Poll makes as much progress as it can
// and reports done once the operation has completed. When Poll returns
// neither done nor an error, the op is waiting for Source to become readable
// or for Deadline to pass, whichever comes first.
type Op interface {
	Poll() (done bool, err error)
	Source() *fastudp.Mailbox
	Deadline() time.Time
}

// Drive polls op until it completes, fails, or ctx ends. Abandoning an op
// through ctx leaves no trace on the wire.
func Drive(ctx context.Context, op Op) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		done, err := op.Poll()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		var timeout <-chan time.Time
		if dl := op.Deadline(); !dl.IsZero() {
			wait := time.Until(dl)
			if wait < 0 {
				wait = 0
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(wait)
			}
			timeout = timer.C
		}
		src := op.Source()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-src.Readable():
		case <-src.Dying():
		case <-timeout:
		}
	}
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}
