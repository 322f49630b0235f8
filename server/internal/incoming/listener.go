// listener.go - notipair notification listener.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package incoming implements the notification service: authenticated
// inbound sessions carrying notifications.
package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/notipair/core/log"
	"github.com/katzenpost/notipair/core/wire"
	"github.com/katzenpost/notipair/core/worker"
	"github.com/katzenpost/notipair/server/internal/dispatch"
)

const (
	// DefaultHandshakeTimeout bounds the Noise handshake.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultMaxImageSize bounds the image frame of a notification.
	DefaultMaxImageSize = 8 * 1024 * 1024

	keepAliveInterval = 3 * time.Minute
)

// ErrAddrInUse is returned by New when the notification port is taken.  It
// is not fatal: the server keeps running without a notification service.
var ErrAddrInUse = errors.New("incoming: address already in use")

// Submitter accepts notifications for presentation without blocking.
type Submitter interface {
	Submit(*dispatch.Notification) error
}

// Config is the notification service configuration.
type Config struct {
	Address          string
	PrivateKey       nike.PrivateKey
	Authenticator    wire.PeerAuthenticator
	Dispatcher       Submitter
	MaxImageSize     int
	HandshakeTimeout time.Duration
	LogBackend       *log.Backend
}

// Listener is the notification service.
type Listener struct {
	sync.Mutex
	worker.Worker

	cfg *Config
	log *logging.Logger

	l     net.Listener
	conns *list.List

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

// Addr returns the address the service is listening on.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Halt stops accepting connections and closes all open sessions.
func (l *Listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	// Close all connections belonging to the listener.
	close(l.closeAllCh)
	l.Lock()
	for e := l.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*incomingConn).c.Close()
	}
	l.Unlock()
	l.closeAllWg.Wait()
}

func (l *Listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			select {
			case <-l.HaltCh():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Errorf("Accept failure: %v", err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		l.onNewConn(conn)
	}
}

func (l *Listener) onNewConn(conn net.Conn) {
	c := newIncomingConn(l, conn)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go c.worker()
	}()
	c.e = l.conns.PushFront(c)
}

func (l *Listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

// New binds the notification port and starts accepting sessions.
func New(cfg *Config) (*Listener, error) {
	if cfg.PrivateKey == nil || cfg.Authenticator == nil || cfg.Dispatcher == nil {
		return nil, errors.New("incoming: incomplete configuration")
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = DefaultMaxImageSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	l := &Listener{
		cfg:        cfg,
		log:        cfg.LogBackend.GetLogger("incoming"),
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}

	var err error
	l.l, err = net.Listen("tcp", cfg.Address)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %v", ErrAddrInUse, err)
		}
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
