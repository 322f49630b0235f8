// config.go - notipair server configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the notipair server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"
)

const (
	defaultLogLevel          = "NOTICE"
	defaultHost              = "0.0.0.0"
	defaultWorkers           = 4
	defaultQueueDepth        = 64
	defaultMaxImageSize      = 8 * 1024 * 1024
	defaultMaxImagePixels    = 40 * 1000 * 1000
	defaultMaxImageDimension = 1024
	defaultHandshakeTimeout  = 30 * 1000 // 30 sec.
	defaultIdleTimeout       = 60 * 1000 // 60 sec.
	defaultMaxRequestSize    = 4096

	// PresenterDesktop shows notifications through the desktop session.
	PresenterDesktop = "desktop"

	// PresenterLog writes notifications to the log.
	PresenterLog = "log"

	appDirName = "notipair"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the notipair server configuration.
type Server struct {
	// DataDir is the absolute path to the server's state files.  It
	// defaults to the per user application directory.
	DataDir string

	// NotificationAddress is the host the notification service binds to.
	// The port always comes from the command line.
	NotificationAddress string

	// PairingAddress is the host the pairing service binds to, on an
	// ephemeral port.
	PairingAddress string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to, disabled if empty.
	MetricsAddress string
}

func (sCfg *Server) applyDefaults() error {
	if sCfg.DataDir == "" {
		d, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("config: Server: no DataDir and no user config directory: %v", err)
		}
		sCfg.DataDir = filepath.Join(d, appDirName)
	}
	if sCfg.NotificationAddress == "" {
		sCfg.NotificationAddress = defaultHost
	}
	if sCfg.PairingAddress == "" {
		sCfg.PairingAddress = defaultHost
	}
	return nil
}

func (sCfg *Server) validate() error {
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	var err error
	if sCfg.NotificationAddress, err = normalizeHost(sCfg.NotificationAddress); err != nil {
		return fmt.Errorf("config: Server: NotificationAddress: %v", err)
	}
	if sCfg.PairingAddress, err = normalizeHost(sCfg.PairingAddress); err != nil {
		return fmt.Errorf("config: Server: PairingAddress: %v", err)
	}
	if sCfg.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	return nil
}

// normalizeHost accepts an IP literal or a host name, the latter converted
// to its ASCII form.
func normalizeHost(h string) (string, error) {
	if strings.ContainsAny(h, "[]") {
		return "", fmt.Errorf("'%v' must be a bare host without brackets or port", h)
	}
	if net.ParseIP(h) != nil {
		return h, nil
	}
	return idna.Lookup.ToASCII(h)
}

// Logging is the notipair server logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Notification is the notification service configuration.
type Notification struct {
	// Workers is the number of presenter workers.
	Workers int

	// QueueDepth is the number of notifications that may wait for a
	// worker; further notifications are dropped.
	QueueDepth int

	// MaxImageSize is the largest image frame accepted, in bytes.
	MaxImageSize int

	// MaxImagePixels is the largest decoded image accepted.
	MaxImagePixels int

	// MaxImageDimension is the edge length larger images are scaled to.
	MaxImageDimension int

	// HandshakeTimeout is the session handshake timeout in milliseconds.
	HandshakeTimeout int
}

func (nCfg *Notification) applyDefaults() {
	if nCfg.Workers <= 0 {
		nCfg.Workers = defaultWorkers
	}
	if nCfg.QueueDepth <= 0 {
		nCfg.QueueDepth = defaultQueueDepth
	}
	if nCfg.MaxImageSize <= 0 {
		nCfg.MaxImageSize = defaultMaxImageSize
	}
	if nCfg.MaxImagePixels <= 0 {
		nCfg.MaxImagePixels = defaultMaxImagePixels
	}
	if nCfg.MaxImageDimension <= 0 {
		nCfg.MaxImageDimension = defaultMaxImageDimension
	}
	if nCfg.HandshakeTimeout <= 0 {
		nCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Pairing is the pairing service configuration.
type Pairing struct {
	// IdleTimeout is how long a silent pairing connection is kept, in
	// milliseconds.
	IdleTimeout int

	// MaxRequestSize is the largest pairing request accepted, in bytes.
	MaxRequestSize int
}

func (pCfg *Pairing) applyDefaults() {
	if pCfg.IdleTimeout <= 0 {
		pCfg.IdleTimeout = defaultIdleTimeout
	}
	if pCfg.MaxRequestSize <= 0 {
		pCfg.MaxRequestSize = defaultMaxRequestSize
	}
}

// Presenter is the presenter configuration.
type Presenter struct {
	// Backend is "desktop" or "log".
	Backend string

	// ShowQRCode prints the pairing parameters as a QR code at startup.
	ShowQRCode bool
}

func (pCfg *Presenter) validate() error {
	switch strings.ToLower(pCfg.Backend) {
	case "":
		pCfg.Backend = PresenterDesktop
	case PresenterDesktop, PresenterLog:
		pCfg.Backend = strings.ToLower(pCfg.Backend)
	default:
		return fmt.Errorf("config: Presenter: Backend '%v' is invalid", pCfg.Backend)
	}
	return nil
}

// Debug is the notipair server debug configuration.
type Debug struct {
	// GenerateOnly halts and cleans up the server right after long term
	// key generation.
	GenerateOnly bool
}

// Config is the top level notipair server configuration.
type Config struct {
	Server       *Server
	Logging      *Logging
	Notification *Notification
	Pairing      *Pairing
	Presenter    *Presenter

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// Every block is optional.
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Notification == nil {
		cfg.Notification = &Notification{}
	}
	if cfg.Pairing == nil {
		cfg.Pairing = &Pairing{}
	}
	if cfg.Presenter == nil {
		cfg.Presenter = &Presenter{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Server.applyDefaults(); err != nil {
		return err
	}
	cfg.Notification.applyDefaults()
	cfg.Pairing.applyDefaults()

	// Perform basic validation.
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	return cfg.Presenter.validate()
}

// NotificationBindAddress returns the notification service bind address for
// the given port.
func (cfg *Config) NotificationBindAddress(port int) string {
	return net.JoinHostPort(cfg.Server.NotificationAddress, strconv.Itoa(port))
}

// PairingBindAddress returns the pairing service bind address.  The port is
// always chosen by the kernel.
func (cfg *Config) PairingBindAddress() string {
	return net.JoinHostPort(cfg.Server.PairingAddress, "0")
}

// ClientsDir returns the directory holding the credential records.
func (cfg *Config) ClientsDir() string {
	return filepath.Join(cfg.Server.DataDir, "clients")
}

// ServerDir returns the directory holding the server identity.
func (cfg *Config) ServerDir() string {
	return filepath.Join(cfg.Server.DataDir, "server")
}

// Default returns a validated configuration with every default applied.
func Default() (*Config, error) {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
