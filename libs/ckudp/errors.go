package ckudp

import "errors"

// ErrTimedOut is the cause of a handshake or reliable send that ran out of time.
var ErrTimedOut = errors.New("timed out")

// ErrMessageTooLarge is returned for payloads that need more than ckwire.MaxFragments fragments.
var ErrMessageTooLarge = errors.New("message too large")
