// client.go - notipair client library
// Copyright (C) 2018  David Stainton.
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

// Package client implements the device side of notipair: pairing with a
// server and delivering notifications to it.
package client

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/notipair/core/wire"
)

const (
	maxResponseSize = 4096
	defaultTimeout  = 2 * time.Minute
)

var (
	// ErrRejected is returned by Pair when the operator refused the request.
	ErrRejected = errors.New("client: pairing rejected")

	errBadResponse = errors.New("client: malformed pairing response")
)

// Paired is what an accepted pairing yields.
type Paired struct {
	NotificationPort int
	ServerKey        nike.PublicKey
}

// Pair asks the server at addr to admit pub under clientID, and waits for
// the operator's decision.
func Pair(ctx context.Context, addr, clientID string, pub nike.PublicKey) (*Paired, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	setDeadline(ctx, conn)

	req := wire.NewFrames(clientID, wire.PublicKeyToBase64(pub))
	if err = wire.WriteFrames(conn, req, maxResponseSize); err != nil {
		return nil, err
	}
	resp, err := wire.ReadFrames(conn, maxResponseSize)
	if err != nil {
		return nil, err
	}

	switch len(resp) {
	case 1:
		if len(resp[0]) == 0 {
			return nil, ErrRejected
		}
	case 2:
		port, err := strconv.Atoi(string(resp[0]))
		if err != nil || port <= 0 || port > 65535 {
			return nil, errBadResponse
		}
		serverKey, err := wire.PublicKeyFromBytes(resp[1])
		if err != nil {
			return nil, errBadResponse
		}
		return &Paired{NotificationPort: port, ServerKey: serverKey}, nil
	}
	return nil, errBadResponse
}

// Conn is an authenticated notification session.
type Conn struct {
	s *wire.Session
}

type pinnedKey struct {
	key []byte
}

func (p *pinnedKey) IsPeerValid(creds *wire.PeerCredentials) bool {
	return subtle.ConstantTimeCompare(p.key, creds.PublicKey.Bytes()) == 1
}

// Dial opens a notification session to the server at addr.  The handshake
// fails unless the server proves possession of serverKey and accepts ours.
func Dial(ctx context.Context, addr string, priv nike.PrivateKey, serverKey nike.PublicKey) (*Conn, error) {
	s, err := wire.NewSession(&wire.SessionConfig{
		Authenticator:     &pinnedKey{key: bytes.Clone(serverKey.Bytes())},
		AuthenticationKey: priv,
		RandomReader:      rand.Reader,
	}, true)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	setDeadline(ctx, conn)
	if err = s.Initialize(conn); err != nil {
		s.Close()
		return nil, fmt.Errorf("client: handshake with %s failed: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})
	return &Conn{s: s}, nil
}

// Send delivers a notification.  A nil image sends a text only message.
func (c *Conn) Send(title, body string, image []byte) error {
	f := wire.NewFrames(title, body)
	if image != nil {
		f = append(f, image)
	}
	return c.s.SendFrames(f)
}

// SendFrames sends an arbitrary frame set.
func (c *Conn) SendFrames(f wire.Frames) error {
	return c.s.SendFrames(f)
}

// Close ends the session.
func (c *Conn) Close() {
	c.s.Close()
}

func setDeadline(ctx context.Context, conn net.Conn) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	conn.SetDeadline(deadline)
}
