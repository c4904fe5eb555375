package main

import (
	"bytes"
	"context"
	"time"

	"github.com/geph-official/ckudp/libs/ckudp"
	"github.com/geph-official/ckudp/libs/erand"
	log "github.com/sirupsen/logrus"
)

func mainClient() {
	start := time.Now()
	conn, err := ckudp.Dial(context.Background(), connectAddr, cfg)
	if err != nil {
		log.Fatalln("handshake failed:", err)
	}
	defer conn.Close()
	timing("handshake", time.Since(start))
	log.Infof("[%x] connected to %v from %v in %v", conn.ID(), conn.PeerAddr(), conn.LocalAddr(), time.Since(start))

	payload := make([]byte, payloadSize)
	buf := make([]byte, payloadSize)
	var lost int
	for i := 0; rounds == 0 || i < rounds; i++ {
		size := payloadSize
		if randomSize {
			size = erand.Int(payloadSize + 1)
		}
		erand.Fill(payload[:size])
		rtt, err := roundTrip(conn, payload[:size], buf)
		if err != nil {
			lost++
			increment("lost")
			log.Warnf("[%x] round %d failed: %v", conn.ID(), i, err)
		} else {
			timing("rtt", rtt)
			log.Infof("[%x] round %d: %d bytes in %v", conn.ID(), i, size, rtt)
		}
		time.Sleep(interval)
	}
	if rounds > 0 {
		log.Infof("[%x] %d/%d rounds lost", conn.ID(), lost, rounds)
	}
}

func roundTrip(conn *ckudp.Connection, payload, buf []byte) (time.Duration, error) {
	start := time.Now()
	var err error
	if reliable {
		err = conn.SendReliable(context.Background(), payload)
	} else {
		err = conn.Send(context.Background(), payload)
	}
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ReliableTimeout*2)
	defer cancel()
	n, err := conn.Recv(ctx, buf)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(buf[:n], payload) {
		log.Warnf("[%x] echo mismatch: sent %d bytes, got %d", conn.ID(), len(payload), n)
	}
	return time.Since(start), nil
}
