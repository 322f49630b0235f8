// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package pairing

import (
	"bufio"
	"io"
	"strings"

	"github.com/katzenpost/notipair/core/log"
	"github.com/katzenpost/notipair/core/wire"
)

// ConsoleApprover asks the operator on the console and reads the answer
// from in, one line per request.
type ConsoleApprover struct {
	console *log.Console
	in      *bufio.Reader
}

// NewConsoleApprover returns an Approver prompting on console.
func NewConsoleApprover(console *log.Console, in io.Reader) *ConsoleApprover {
	return &ConsoleApprover{
		console: console,
		in:      bufio.NewReader(in),
	}
}

// Decide implements Approver.  Only "yes", in any case, accepts.
func (a *ConsoleApprover) Decide(req *Request) <-chan Decision {
	ch := make(chan Decision, 1)
	go func() {
		a.console.Printf("\nPairing request from client '%s' (%v)\n  public key: %s\nAccept? (Yes/No): ",
			req.ClientID, req.RemoteAddr, wire.PublicKeyToBase64(req.PublicKey))
		line, err := a.in.ReadString('\n')
		if err != nil && line == "" {
			a.console.Printf("\n")
			ch <- Rejected
			return
		}
		if strings.EqualFold(strings.TrimSpace(line), "yes") {
			ch <- Accepted
			return
		}
		ch <- Rejected
	}()
	return ch
}
