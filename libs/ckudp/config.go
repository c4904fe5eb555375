package ckudp

import (
	"os"
	"time"
)

var doLogging = false

func init() {
	doLogging = os.Getenv("CKLOG") != ""
}

// Config holds the tunables shared by listeners, dialers and connections.
// Zero fields fall back to DefaultConfig.
type Config struct {
	// HandshakeTimeout bounds a whole client handshake.
	HandshakeTimeout time.Duration
	// RetryInterval is how often handshake packets and unacknowledged messages are resent.
	RetryInterval time.Duration
	// CookieLifetime is how old a challenge cookie may be when echoed back.
	CookieLifetime time.Duration
	// ReliableTimeout bounds a whole SendReliable.
	ReliableTimeout time.Duration
	// ReassemblyTimeout drops a partial message that has seen no new fragment for this long.
	ReassemblyTimeout time.Duration
	// MaxPendingMessages caps partially reassembled messages per connection; the least recently touched is evicted.
	MaxPendingMessages int
	// MailboxDepth is how many undelivered datagrams a socket or connection queues before dropping.
	MailboxDepth int
	// ChallengeRate limits challenges sent per second by a listener. Zero means unlimited.
	ChallengeRate float64
	// ChallengeBurst is the burst allowed on top of ChallengeRate.
	ChallengeBurst int
	// OpenConnectionTTL forgets an established peer after this much inbound silence. Zero means never.
	OpenConnectionTTL time.Duration
	// Secret seeds the listener's cookie key. Empty means a per-process random secret.
	Secret []byte
}

// DefaultConfig returns the protocol's standard timings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   time.Second,
		RetryInterval:      40 * time.Millisecond,
		CookieLifetime:     time.Second,
		ReliableTimeout:    time.Second,
		ReassemblyTimeout:  3 * time.Second,
		MaxPendingMessages: 64,
		MailboxDepth:       1024,
		ChallengeBurst:     64,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.CookieLifetime <= 0 {
		cfg.CookieLifetime = def.CookieLifetime
	}
	if cfg.ReliableTimeout <= 0 {
		cfg.ReliableTimeout = def.ReliableTimeout
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = def.ReassemblyTimeout
	}
	if cfg.MaxPendingMessages <= 0 {
		cfg.MaxPendingMessages = def.MaxPendingMessages
	}
	if cfg.MailboxDepth <= 0 {
		cfg.MailboxDepth = def.MailboxDepth
	}
	if cfg.ChallengeBurst <= 0 {
		cfg.ChallengeBurst = def.ChallengeBurst
	}
	return cfg
}
