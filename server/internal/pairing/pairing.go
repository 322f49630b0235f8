// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package pairing implements the pairing service, which lets an operator
// admit a new client key into the credential store.
package pairing

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/notipair/core/wire"
	"github.com/katzenpost/notipair/core/worker"
	"github.com/katzenpost/notipair/server/internal/credentials"
	"github.com/katzenpost/notipair/server/internal/instrument"
)

const (
	requestFrames = 2

	// DefaultIdleTimeout is how long a pairing connection may stay silent.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultMaxRequestSize bounds a single pairing request.
	DefaultMaxRequestSize = 4096
)

// Decision is the operator's verdict on a pairing request.
type Decision int

const (
	// Rejected leaves the credential store untouched.
	Rejected Decision = iota
	// Accepted stores the client key.
	Accepted
)

func (d Decision) String() string {
	if d == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Request is a parsed pairing request.
type Request struct {
	ClientID   string
	PublicKey  nike.PublicKey
	RemoteAddr net.Addr
}

// Approver asks the operator about a request.  The returned channel yields
// exactly one Decision.
type Approver interface {
	Decide(*Request) <-chan Decision
}

// CredentialWriter persists an accepted client key.
type CredentialWriter interface {
	Write(clientID string, pub nike.PublicKey) error
	Remove(clientID string) error
}

// Reloader republishes the authorization set.
type Reloader interface {
	Reload() error
}

// Config is the pairing service configuration.
type Config struct {
	// Address is the bind address; the port is usually 0.
	Address string

	// NotificationPort is announced to accepted clients.
	NotificationPort int

	// ServerKey is announced to accepted clients.
	ServerKey nike.PublicKey

	IdleTimeout    time.Duration
	MaxRequestSize int

	Approver    Approver
	Credentials CredentialWriter
	Authz       Reloader
	Log         *logging.Logger
}

// Service is the pairing service.  Requests are handled strictly one at a
// time: no connection is accepted while a request waits for a decision.
type Service struct {
	sync.Mutex
	worker.Worker

	cfg *Config
	log *logging.Logger

	l    net.Listener
	conn net.Conn
}

// Addr returns the address the service is listening on.
func (s *Service) Addr() net.Addr {
	return s.l.Addr()
}

// Port returns the TCP port the service is listening on.
func (s *Service) Port() int {
	if a, ok := s.l.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Halt stops the service and closes any connection in progress.
func (s *Service) Halt() {
	s.l.Close()
	s.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.Unlock()
	s.Worker.Halt()
}

func (s *Service) worker() {
	addr := s.l.Addr()
	s.log.Noticef("Listening on: %v", addr)
	defer func() {
		s.log.Noticef("Stopping listening on: %v", addr)
		s.l.Close()
	}()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Errorf("Accept failure: %v", err)
			continue
		}
		s.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		s.Lock()
		s.conn = conn
		s.Unlock()

		s.serveConn(conn)

		s.Lock()
		s.conn = nil
		s.Unlock()
		conn.Close()
	}
}

func (s *Service) serveConn(conn net.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		f, err := wire.ReadFrames(conn, s.cfg.MaxRequestSize)
		switch {
		case err == nil:
		case errors.Is(err, wire.ErrMalformedFrames):
			s.log.Debugf("Dropping malformed request from %v", conn.RemoteAddr())
			instrument.MessageDropped("pairing_malformed")
			continue
		case errors.Is(err, io.EOF):
			s.log.Debugf("Peer %v closed the connection", conn.RemoteAddr())
			return
		case errors.Is(err, os.ErrDeadlineExceeded):
			s.log.Debugf("Closing idle connection from %v", conn.RemoteAddr())
			return
		default:
			s.log.Debugf("Closing connection from %v: %v", conn.RemoteAddr(), err)
			return
		}
		conn.SetReadDeadline(time.Time{})

		req, err := parseRequest(f)
		if err != nil {
			s.log.Debugf("Dropping request from %v: %v", conn.RemoteAddr(), err)
			instrument.MessageDropped("pairing_invalid")
			continue
		}
		req.RemoteAddr = conn.RemoteAddr()

		resp, ok := s.handleRequest(req)
		if !ok {
			return
		}
		if err = wire.WriteFrames(conn, resp, s.cfg.MaxRequestSize); err != nil {
			s.log.Warningf("Failed to respond to %v: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Service) handleRequest(req *Request) (wire.Frames, bool) {
	s.log.Noticef("Pairing request from '%s' (%v)", req.ClientID, req.RemoteAddr)

	var d Decision
	select {
	case d = <-s.cfg.Approver.Decide(req):
	case <-s.HaltCh():
		return nil, false
	}
	instrument.PairingRequest(d.String())

	if d != Accepted {
		s.log.Noticef("Pairing of '%s' rejected", req.ClientID)
		return rejectResponse(), true
	}
	if err := s.cfg.Credentials.Write(req.ClientID, req.PublicKey); err != nil {
		s.log.Errorf("Failed to store key of '%s': %v", req.ClientID, err)
		return rejectResponse(), true
	}
	if err := s.cfg.Authz.Reload(); err != nil {
		// A key missing from the set is never reported as paired.
		s.log.Errorf("Failed to reload the authorization set, rejecting '%s': %v", req.ClientID, err)
		if err = s.cfg.Credentials.Remove(req.ClientID); err != nil {
			s.log.Errorf("Failed to remove the key of '%s': %v", req.ClientID, err)
		}
		return rejectResponse(), true
	}
	s.log.Noticef("Pairing of '%s' accepted", req.ClientID)
	return wire.Frames{
		[]byte(strconv.Itoa(s.cfg.NotificationPort)),
		s.cfg.ServerKey.Bytes(),
	}, true
}

func rejectResponse() wire.Frames {
	return wire.Frames{[]byte{}}
}

func parseRequest(f wire.Frames) (*Request, error) {
	if len(f) != requestFrames {
		return nil, errors.New("unexpected frame count " + strconv.Itoa(len(f)))
	}
	clientID, err := credentials.NormalizeClientID(string(f[0]))
	if err != nil {
		return nil, err
	}
	pub, err := wire.PublicKeyFromBase64(string(f[1]))
	if err != nil {
		return nil, err
	}
	return &Request{
		ClientID:  clientID,
		PublicKey: pub,
	}, nil
}

// New binds the pairing listener and starts serving requests.  Failing to
// bind is fatal to the caller.
func New(cfg *Config) (*Service, error) {
	if cfg.Approver == nil || cfg.Credentials == nil || cfg.Authz == nil || cfg.ServerKey == nil {
		return nil, errors.New("pairing: incomplete configuration")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultMaxRequestSize
	}
	s := &Service{
		cfg: cfg,
		log: cfg.Log,
	}
	var err error
	if s.l, err = net.Listen("tcp", cfg.Address); err != nil {
		return nil, err
	}
	s.Go(s.worker)
	return s, nil
}
