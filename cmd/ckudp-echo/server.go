package main

import (
	"context"

	"github.com/geph-official/ckudp/libs/ckudp"
	"github.com/geph-official/ckudp/libs/ckwire"
	log "github.com/sirupsen/logrus"
)

func mainServer() {
	listener, err := ckudp.Listen(listenAddr, cfg)
	if err != nil {
		log.Fatalln("cannot listen:", err)
	}
	log.Infoln("echo server listening on", listener.Addr())
	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			log.Fatalln("listener died:", err)
		}
		increment("accepted")
		go echo(conn)
	}
}

func echo(conn *ckudp.Connection) {
	defer conn.Close()
	log.Infof("[%x] connection from %v", conn.ID(), conn.PeerAddr())
	buf := make([]byte, ckwire.MaxMessageSize)
	for {
		n, err := recvIdle(conn, buf)
		if err != nil {
			log.Infof("[%x] closing: %v", conn.ID(), err)
			return
		}
		log.Debugf("[%x] echoing %d bytes", conn.ID(), n)
		increment("echoed")
		if reliable {
			err = conn.SendReliable(context.Background(), buf[:n])
		} else {
			err = conn.Send(context.Background(), buf[:n])
		}
		if err != nil {
			log.Warnf("[%x] echo failed: %v", conn.ID(), err)
			increment("echoFailed")
		}
	}
}

// recvIdle gives up once the client has been silent for as long as the listener remembers it.
func recvIdle(conn *ckudp.Connection, buf []byte) (int, error) {
	if cfg.OpenConnectionTTL <= 0 {
		return conn.Recv(context.Background(), buf)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpenConnectionTTL)
	defer cancel()
	return conn.Recv(ctx, buf)
}
