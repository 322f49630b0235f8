// main.go - notipair server binary.
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

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/notipair/common"
	"github.com/katzenpost/notipair/server"
	"github.com/katzenpost/notipair/server/config"
)

// Config holds the command line configuration.
type Config struct {
	ConfigFile string
	DataDir    string
	LogLevel   string
	GenOnly    bool
}

func (c *Config) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.ConfigFile != "" {
		cfg, err = config.LoadFile(c.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file '%v': %v", c.ConfigFile, err)
		}
	} else if cfg, err = config.Default(); err != nil {
		return nil, err
	}

	if c.DataDir != "" {
		if cfg.Server.DataDir, err = filepath.Abs(c.DataDir); err != nil {
			return nil, err
		}
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if c.GenOnly {
		cfg.Debug.GenerateOnly = true
	}
	if err = cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q: must be between 1 and 65535", s)
	}
	return port, nil
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "notipaird <port>",
		Short: "Pairing and authenticated desktop notification daemon",
		Long: `notipaird shows desktop notifications sent by paired devices.

At startup it prints this host's IP address, the pairing port and the server
public key.  A device submits a pairing request carrying its client id and
public key; the operator accepts or rejects it on the console.  Accepted
devices then connect to the notification port given on the command line,
authenticate with a Noise XX handshake and deliver notifications made of a
title, a body and an optional image.`,
		Example: `  # Serve notifications on port 9000
  notipaird 9000

  # Use a configuration file and debug logging
  notipaird -f /etc/notipair/notipaird.toml --log-level debug 9000

  # Only create the server identity
  notipaird --generate-only 9000

  # List and revoke paired devices
  notipaird clients
  notipaird revoke phone`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return runServer(&cfg, port)
		},
	}

	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "f", "",
		"path to the server configuration file (TOML format)")
	cmd.PersistentFlags().StringVar(&cfg.DataDir, "datadir", "",
		"override the state directory")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "",
		"log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the server identity and exit")

	cmd.AddCommand(newClientsCommand(&cfg), newRevokeCommand(&cfg))
	return cmd
}

func newClientsCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List paired clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serverCfg, err := cfg.load()
			if err != nil {
				return err
			}
			clients, err := server.ListClients(serverCfg)
			if err != nil && !errors.Is(err, server.ErrCorruptRecords) {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tPAIRED\tPUBLIC KEY")
			for _, c := range clients {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ClientID, c.PairedAt.Local().Format(time.DateTime), c.PublicKey)
			}
			return w.Flush()
		},
	}
}

func newRevokeCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <clientId>",
		Short: "Remove a paired client",
		Long: `Remove the credential of a paired client.  A running daemon keeps
admitting the client until its next reload, which happens on the next
accepted pairing or on restart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverCfg, err := cfg.load()
			if err != nil {
				return err
			}
			if err = server.RevokeClient(serverCfg, args[0]); err != nil {
				if errors.Is(err, server.ErrClientNotFound) {
					return fmt.Errorf("no paired client '%s'", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked '%s'.\n", args[0])
			return nil
		},
	}
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runServer(cfg *Config, port int) error {
	serverCfg, err := cfg.load()
	if err != nil {
		return err
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(serverCfg, port)
	if err != nil {
		if errors.Is(err, server.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
