// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Command notipairctl is the device side of notipair: it creates a client
// key, pairs it with a server and sends notifications.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/katzenpost/notipair/client"
	"github.com/katzenpost/notipair/common"
	"github.com/katzenpost/notipair/core/identity"
	"github.com/katzenpost/notipair/core/utils"
	"github.com/katzenpost/notipair/core/wire"
)

const (
	privateKeyFile = "client.key_secret"
	publicKeyFile  = "client.key"
	pairingFile    = "pairing.toml"
)

// pairing is what notipairctl remembers about the server it paired with.
type pairing struct {
	ClientID         string
	NotificationPort int
	ServerKey        string
}

type options struct {
	dir     string
	timeout time.Duration
}

func (o *options) keyDir() (string, error) {
	if o.dir != "" {
		return filepath.Abs(o.dir)
	}
	d, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "notipairctl"), nil
}

func (o *options) identity() (*identity.Identity, string, error) {
	dir, err := o.keyDir()
	if err != nil {
		return nil, "", err
	}
	if err = utils.EnsureDir(dir); err != nil {
		return nil, "", err
	}
	id, err := identity.LoadOrCreate(filepath.Join(dir, privateKeyFile), filepath.Join(dir, publicKeyFile))
	return id, dir, err
}

func (o *options) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "notipairctl",
		Short: "Pair with a notipair server and send it notifications",
		Example: `  # Create the client key
  notipairctl genkey

  # Pair with the server, then answer "Yes" on its console
  notipairctl pair 192.168.1.10:41234 phone

  # Send a notification, optionally with an image
  notipairctl send 192.168.1.10:9000 "Build" "finished"
  notipairctl send 192.168.1.10:9000 "Photo" "from the door" door.jpg`,
	}
	cmd.PersistentFlags().StringVarP(&opts.dir, "dir", "d", "", "client key directory")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "give up after this long")

	cmd.AddCommand(newGenkeyCommand(opts), newPairCommand(opts), newSendCommand(opts))
	return cmd
}

func newGenkeyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Create the client key, or print it if it exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _, err := opts.identity()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Fingerprint())
			return nil
		},
	}
}

func newPairCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pair <addr> <clientId>",
		Short: "Ask a server to admit this client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, dir, err := opts.identity()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context()
			defer cancel()

			fmt.Fprintln(cmd.OutOrStdout(), "Waiting for the operator to answer...")
			paired, err := client.Pair(ctx, args[0], args[1], id.PublicKey)
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if err = toml.NewEncoder(&buf).Encode(&pairing{
				ClientID:         args[1],
				NotificationPort: paired.NotificationPort,
				ServerKey:        wire.PublicKeyToBase64(paired.ServerKey),
			}); err != nil {
				return err
			}
			if err = utils.AtomicWriteFile(filepath.Join(dir, pairingFile), buf.Bytes(), 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paired. Notification port: %d, server key: %s\n",
				paired.NotificationPort, wire.PublicKeyToBase64(paired.ServerKey))
			return nil
		},
	}
}

func newSendCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <addr> <title> <body> [image]",
		Short: "Send a notification",
		Long: `Send a notification to a paired server.  addr is either host:port or
a bare host, in which case the notification port learned while pairing is
used.`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, dir, err := opts.identity()
			if err != nil {
				return err
			}
			p := new(pairing)
			if _, err = toml.DecodeFile(filepath.Join(dir, pairingFile), p); err != nil {
				return fmt.Errorf("not paired yet: %v", err)
			}
			serverKey, err := wire.PublicKeyFromBase64(p.ServerKey)
			if err != nil {
				return err
			}

			var image []byte
			if len(args) == 4 {
				if image, err = os.ReadFile(args[3]); err != nil {
					return err
				}
			}

			addr := args[0]
			if _, _, err := net.SplitHostPort(addr); err != nil {
				addr = net.JoinHostPort(addr, strconv.Itoa(p.NotificationPort))
			}

			ctx, cancel := opts.context()
			defer cancel()
			conn, err := client.Dial(ctx, addr, id.PrivateKey, serverKey)
			if err != nil {
				return err
			}
			defer conn.Close()
			return conn.Send(args[1], args[2], image)
		},
	}
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
