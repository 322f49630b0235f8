// incoming_conn.go - notipair inbound session.
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

package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/notipair/core/wire"
	"github.com/katzenpost/notipair/server/internal/dispatch"
	"github.com/katzenpost/notipair/server/internal/instrument"
)

var incomingConnID uint64

type incomingConn struct {
	l   *Listener
	log *logging.Logger

	c net.Conn
	e *list.Element
	w *wire.Session

	id uint64
}

func (c *incomingConn) IsPeerValid(creds *wire.PeerCredentials) bool {
	if !c.l.cfg.Authenticator.IsPeerValid(creds) {
		c.log.Debugf("Authentication failed: '%s'", wire.PublicKeyToBase64(creds.PublicKey))
		return false
	}
	return true
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.c.Close()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	// Allocate the session struct.
	cfg := &wire.SessionConfig{
		Authenticator:     c,
		AuthenticationKey: c.l.cfg.PrivateKey,
		RandomReader:      rand.Reader,
	}
	var err error
	c.w, err = wire.NewSession(cfg, false)
	if err != nil {
		c.log.Errorf("Failed to allocate session: %v", err)
		return
	}
	defer c.w.Close()

	// Bind the session to the conn, handshake, authenticate.
	c.c.SetDeadline(time.Now().Add(c.l.cfg.HandshakeTimeout))
	if err = c.w.Initialize(c.c); err != nil {
		instrument.HandshakeRejected()
		if errors.Is(err, wire.ErrAuthenticationFailed) {
			c.log.Noticef("Rejected unpaired client %v", c.c.RemoteAddr())
		} else {
			c.log.Debugf("Handshake failed: %v", err)
		}
		return
	}
	c.log.Debugf("Handshake completed.")
	c.c.SetDeadline(time.Time{})

	for {
		select {
		case <-c.l.closeAllCh:
			return
		default:
		}

		f, err := c.w.RecvFrames()
		if err != nil {
			if errors.Is(err, wire.ErrMalformedFrames) {
				c.log.Debugf("Dropping malformed message.")
				instrument.MessageDropped("malformed")
				continue
			}
			c.log.Debugf("Failed to receive: %v", err)
			return
		}

		n, err := c.parseNotification(f)
		if err != nil {
			c.log.Debugf("Dropping message: %v", err)
			continue
		}
		instrument.NotificationReceived()
		if err = c.l.cfg.Dispatcher.Submit(n); err != nil {
			c.log.Debugf("Failed to dispatch '%s': %v", n.Title, err)
		}
	}
}

func (c *incomingConn) parseNotification(f wire.Frames) (*dispatch.Notification, error) {
	switch len(f) {
	case 2, 3:
	default:
		instrument.MessageDropped("frame_count")
		return nil, fmt.Errorf("unexpected frame count %d", len(f))
	}
	n := &dispatch.Notification{
		Title: string(f[0]),
		Body:  string(f[1]),
	}
	if len(f) == 3 {
		if len(f[2]) > c.l.cfg.MaxImageSize {
			instrument.MessageDropped("image_size")
			return nil, fmt.Errorf("image of %d bytes exceeds %d", len(f[2]), c.l.cfg.MaxImageSize)
		}
		n.Image = f[2]
	}
	return n, nil
}

func newIncomingConn(l *Listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1),
	}
	c.log = l.cfg.LogBackend.GetLogger(fmt.Sprintf("incoming:%d", c.id))
	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())
	return c
}
