package main

import (
	"flag"
	"net"
	"os"
	"time"

	statsd "github.com/etsy/statsd/examples/go"
	"github.com/geph-official/ckudp/libs/ckudp"
	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"
	"github.com/vharitonsky/iniflags"
)

var listenAddr string
var connectAddr string
var secret string
var logLevel string
var statsdAddr string

var payloadSize int
var rounds int
var randomSize bool
var reliable bool
var interval time.Duration

var cfg = ckudp.DefaultConfig()

var statClient *statsd.StatsdClient
var hostname string

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	iniflags.SetConfigFile("ckudp-echo.conf")
	iniflags.SetAllowMissingConfigFile(true)

	flag.StringVar(&listenAddr, "listen", "", "if set, run an echo server on this address")
	flag.StringVar(&connectAddr, "connect", "", "if set, connect to an echo server at this address")
	flag.StringVar(&secret, "secret", "", "cookie secret for the server; random per process if empty")
	flag.StringVar(&logLevel, "logLevel", "info", "log level")
	flag.StringVar(&statsdAddr, "statsdAddr", "", "address of StatsD for gathering statistics")
	flag.IntVar(&payloadSize, "size", 1000, "bytes per echoed message")
	flag.BoolVar(&randomSize, "randomSize", false, "pick each message size uniformly up to -size")
	flag.IntVar(&rounds, "rounds", 10, "messages to echo before exiting; 0 means forever")
	flag.BoolVar(&reliable, "reliable", true, "wait for acknowledgement of every message")
	flag.DurationVar(&interval, "interval", time.Second, "pause between messages")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshakeTimeout", cfg.HandshakeTimeout, "give up on a handshake after this long")
	flag.DurationVar(&cfg.RetryInterval, "retryInterval", cfg.RetryInterval, "resend unanswered packets after this long")
	flag.DurationVar(&cfg.ReliableTimeout, "reliableTimeout", cfg.ReliableTimeout, "give up on an unacknowledged message after this long")
	flag.Float64Var(&cfg.ChallengeRate, "challengeRate", 0, "challenges per second the server sends; 0 is unlimited")
	flag.DurationVar(&cfg.OpenConnectionTTL, "idleTimeout", 5*time.Minute, "forget silent clients after this long; 0 never does")
	iniflags.Parse()

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalln("bad log level:", err)
	}
	log.SetLevel(level)
	if err := agent.Listen(agent.Options{}); err != nil {
		log.Warnln("cannot start gops agent:", err)
	}
	cfg.Secret = []byte(secret)

	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if statsdAddr != "" {
		z, e := net.ResolveUDPAddr("udp", statsdAddr)
		if e != nil {
			log.Fatalln("cannot resolve statsd:", e)
		}
		statClient = statsd.New(z.IP.String(), z.Port)
	}

	switch {
	case listenAddr != "":
		mainServer()
	case connectAddr != "":
		mainClient()
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func increment(stat string) {
	if statClient != nil {
		statClient.Increment(hostname + "." + stat)
	}
}

func timing(stat string, d time.Duration) {
	if statClient != nil {
		statClient.Timing(hostname+"."+stat, d.Milliseconds())
	}
}
