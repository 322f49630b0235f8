// server.go - notipair server.
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

// Package server provides the notipair server: a pairing service through
// which an operator admits client keys, and a notification service through
// which admitted clients raise desktop notifications.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/katzenpost/qrterminal"
	"golang.org/x/term"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/notipair/core/identity"
	"github.com/katzenpost/notipair/core/log"
	"github.com/katzenpost/notipair/core/utils"
	"github.com/katzenpost/notipair/core/wire"
	"github.com/katzenpost/notipair/presenter"
	"github.com/katzenpost/notipair/server/config"
	"github.com/katzenpost/notipair/server/internal/authz"
	"github.com/katzenpost/notipair/server/internal/credentials"
	"github.com/katzenpost/notipair/server/internal/dispatch"
	"github.com/katzenpost/notipair/server/internal/incoming"
	"github.com/katzenpost/notipair/server/internal/instrument"
	"github.com/katzenpost/notipair/server/internal/pairing"
	"github.com/katzenpost/notipair/server/internal/profiling"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// ErrClientNotFound is returned by RevokeClient for unknown clients.
var ErrClientNotFound = errors.New("server: no such client")

// ErrCorruptRecords matches the error ListClients returns alongside the
// readable clients when some credential records could not be loaded.
var ErrCorruptRecords = credentials.ErrCorrupt

// Option customizes a Server.
type Option func(*Server)

// WithPresenter replaces the configured presenter.
func WithPresenter(p presenter.Presenter) Option {
	return func(s *Server) { s.presenter = p }
}

// WithApprover replaces the console approver.
func WithApprover(a pairing.Approver) Option {
	return func(s *Server) { s.approver = a }
}

// WithConsole sends console output, log lines included, to w.
func WithConsole(w io.Writer) Option {
	return func(s *Server) { s.console = log.NewConsole(w) }
}

// Server is a notipair server instance.
type Server struct {
	cfg  *config.Config
	port int

	identity    *identity.Identity
	credentials *credentials.Store
	authz       *authz.Set
	dispatcher  *dispatch.Dispatcher
	pairing     *pairing.Service
	incoming    *incoming.Listener
	metrics     *instrument.Listener

	presenter presenter.Presenter
	approver  pairing.Approver
	console   *log.Console

	logBackend *log.Backend
	log        *logging.Logger

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	for _, d := range []string{s.cfg.Server.DataDir, s.cfg.ServerDir(), s.cfg.ClientsDir()} {
		if err := utils.EnsureDir(d); err != nil {
			return fmt.Errorf("server: %v", err)
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(s.cfg.Server.DataDir, p)
	}

	var err error
	s.logBackend, err = log.NewWithConsole(p, s.cfg.Logging.Level, s.cfg.Logging.Disable, s.console)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// IdentityKey returns the base64 encoded server public key.
func (s *Server) IdentityKey() string {
	return s.identity.Fingerprint()
}

// PairingAddr returns the address of the pairing service.
func (s *Server) PairingAddr() net.Addr {
	return s.pairing.Addr()
}

// NotificationAddr returns the address of the notification service, or nil
// if the notification port could not be bound.
func (s *Server) NotificationAddr() net.Addr {
	if s.incoming == nil {
		return nil
	}
	return s.incoming.Addr()
}

// RotateLog rotates the log file
// if logging to a file is enabled.
func (s *Server) RotateLog() {
	err := s.logBackend.Rotate()
	if err != nil {
		select {
		case s.fatalErrCh <- errors.New("failed to rotate log file, shutting down server"):
		case <-s.haltedCh:
		}
		return
	}
	s.log.Notice("Log rotated.")
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Stop taking new work first.
	if s.pairing != nil {
		s.pairing.Halt()
		s.pairing = nil
	}
	if s.incoming != nil {
		s.incoming.Halt()
		s.incoming = nil
	}

	// Let the presenter workers finish what was already received.
	if s.dispatcher != nil {
		s.dispatcher.Halt()
		s.dispatcher = nil
	}
	if s.metrics != nil {
		s.metrics.Close()
		s.metrics = nil
	}

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

func (s *Server) printBanner() {
	ip := OutboundIP()
	pairingPort := s.pairing.Port()
	c := s.logBackend.Console()

	notificationPort := strconv.Itoa(s.port)
	if s.incoming == nil {
		notificationPort = "disabled (port " + notificationPort + " in use)"
	}

	c.Printf("\nnotipair server\n"+
		"  IP address:        %s\n"+
		"  Pairing port:      %d\n"+
		"  Notification port: %s\n"+
		"  Public key:        %s\n\n",
		ip, pairingPort, notificationPort, s.identity.Fingerprint())

	if s.cfg.Presenter.ShowQRCode {
		qrterminal.GenerateWithConfig(PairingURL(ip, pairingPort, s.identity.Fingerprint()), qrterminal.Config{
			Level:      qrterminal.L,
			Writer:     c,
			HalfBlocks: true,
			QuietZone:  1,
		})
	}
}

// PairingURL encodes the pairing parameters a client needs.
func PairingURL(ip string, pairingPort int, key string) string {
	u := &url.URL{
		Scheme:   "notipair",
		Host:     net.JoinHostPort(ip, strconv.Itoa(pairingPort)),
		RawQuery: url.Values{"key": []string{key}}.Encode(),
	}
	return u.String()
}

// OutboundIP returns the local address used to reach the internet, or the
// loopback address if there is no route.
func OutboundIP() string {
	// No packet is sent, connecting a UDP socket only selects a route.
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.IP.String()
	}
	return "127.0.0.1"
}

// New returns a new Server instance parameterized with the specified
// configuration, serving notifications on port.
func New(cfg *config.Config, port int, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		port:       port,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.console == nil {
		s.console = log.NewConsole(os.Stdout)
	}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("notipair server is still pre-alpha.  DO NOT DEPEND ON IT FOR ANYTHING.")
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}
	if err := profiling.Start(s.logBackend.GetLogger("profiling"), "notipaird"); err != nil {
		s.log.Warningf("Failed to start profiling: %v", err)
	}

	// Initialize the server identity.
	var err error
	s.identity, err = identity.LoadOrCreate(
		filepath.Join(s.cfg.ServerDir(), identity.PrivateKeyFile),
		filepath.Join(s.cfg.ServerDir(), identity.PublicKeyFile),
	)
	if err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Server identity public key is: %s", s.identity.Fingerprint())

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Load the paired clients.
	if s.credentials, err = credentials.New(s.cfg.ClientsDir()); err != nil {
		return nil, err
	}
	s.authz = authz.New(s.credentials, s.logBackend.GetLogger("authz"))
	if err = s.authz.Reload(); err != nil {
		return nil, err
	}
	s.log.Noticef("Loaded %d paired client(s).", s.authz.Len())

	if s.presenter == nil {
		s.presenter, err = presenter.New(s.cfg.Presenter.Backend, s.logBackend.GetLogger("presenter"))
		if err != nil {
			return nil, err
		}
	}
	if s.approver == nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			s.log.Warning("Standard input is not a terminal, pairing answers are read from it line by line.")
		}
		s.approver = pairing.NewConsoleApprover(s.logBackend.Console(), os.Stdin)
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		select {
		case err := <-s.fatalErrCh:
			s.log.Warningf("Shutting down due to error: %v", err)
			s.Shutdown()
		case <-s.haltedCh:
		}
	}()

	if s.cfg.Server.MetricsAddress != "" {
		if s.metrics, err = instrument.StartPrometheusListener(s.cfg.Server.MetricsAddress, s.logBackend); err != nil {
			s.log.Errorf("Failed to start metrics listener: %v", err)
			return nil, err
		}
	}

	s.dispatcher = dispatch.New(
		s.presenter,
		&presenter.FileDecoder{
			MaxPixels:    s.cfg.Notification.MaxImagePixels,
			MaxDimension: s.cfg.Notification.MaxImageDimension,
		},
		s.cfg.Notification.Workers,
		s.cfg.Notification.QueueDepth,
		s.logBackend.GetLogger("dispatch"),
	)

	s.pairing, err = pairing.New(&pairing.Config{
		Address:          s.cfg.PairingBindAddress(),
		NotificationPort: s.port,
		ServerKey:        s.identity.PublicKey,
		IdleTimeout:      time.Duration(s.cfg.Pairing.IdleTimeout) * time.Millisecond,
		MaxRequestSize:   s.cfg.Pairing.MaxRequestSize,
		Approver:         s.approver,
		Credentials:      s.credentials,
		Authz:            s.authz,
		Log:              s.logBackend.GetLogger("pairing"),
	})
	if err != nil {
		s.log.Errorf("Failed to start pairing service: %v", err)
		return nil, err
	}

	s.incoming, err = incoming.New(&incoming.Config{
		Address:          s.cfg.NotificationBindAddress(s.port),
		PrivateKey:       s.identity.PrivateKey,
		Authenticator:    s.authz,
		Dispatcher:       s.dispatcher,
		MaxImageSize:     s.cfg.Notification.MaxImageSize,
		HandshakeTimeout: time.Duration(s.cfg.Notification.HandshakeTimeout) * time.Millisecond,
		LogBackend:       s.logBackend,
	})
	switch {
	case err == nil:
	case errors.Is(err, incoming.ErrAddrInUse):
		s.incoming = nil
		s.logBackend.Console().Printf("Port %d is already in use, the notification service is not running.\n", s.port)
		s.log.Errorf("Notification service disabled: %v", err)
	default:
		s.log.Errorf("Failed to start notification service: %v", err)
		return nil, err
	}

	s.printBanner()

	isOk = true
	return s, nil
}

// ClientInfo describes a paired client.
type ClientInfo struct {
	ClientID  string
	PairedAt  time.Time
	PublicKey string
}

// ListClients returns the clients paired with the server using cfg.  If
// some records are unreadable the error matches ErrCorruptRecords and the
// readable clients are still returned.
func ListClients(cfg *config.Config) ([]ClientInfo, error) {
	store, err := credentials.New(cfg.ClientsDir())
	if err != nil {
		return nil, err
	}
	creds, loadErr := store.LoadAll()
	if loadErr != nil && !errors.Is(loadErr, credentials.ErrCorrupt) {
		return nil, loadErr
	}
	out := make([]ClientInfo, 0, len(creds))
	for _, c := range creds {
		out = append(out, ClientInfo{
			ClientID:  c.ClientID,
			PairedAt:  c.PairedAt,
			PublicKey: wire.PublicKeyToBase64(c.PublicKey),
		})
	}
	return out, loadErr
}

// RevokeClient removes the credential of clientID.  A running server stops
// accepting the client on its next reload.
func RevokeClient(cfg *config.Config, clientID string) error {
	store, err := credentials.New(cfg.ClientsDir())
	if err != nil {
		return err
	}
	if err = store.Remove(clientID); errors.Is(err, credentials.ErrNotFound) {
		return ErrClientNotFound
	}
	return err
}
