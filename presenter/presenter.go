// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package presenter shows notifications to the local user.
package presenter

import (
	"fmt"
	"strings"

	"github.com/gen2brain/beeep"
	"gopkg.in/op/go-logging.v1"
)

// Presenter displays a notification.  An empty imagePath means the
// notification carries no image.  The image file only lives until Present
// returns.
type Presenter interface {
	Present(title, body, imagePath string) error
}

// Desktop presents notifications through the desktop notification service.
type Desktop struct{}

// Present implements Presenter.
func (Desktop) Present(title, body, imagePath string) error {
	return beeep.Notify(title, body, imagePath)
}

// Log presents notifications by writing them to a logger, for hosts without
// a desktop session.
type Log struct {
	log *logging.Logger
}

// NewLog returns a Presenter writing to l.
func NewLog(l *logging.Logger) *Log {
	return &Log{log: l}
}

// Present implements Presenter.
func (p *Log) Present(title, body, imagePath string) error {
	if imagePath != "" {
		p.log.Noticef("%s: %s [image %s]", title, body, imagePath)
		return nil
	}
	p.log.Noticef("%s: %s", title, body)
	return nil
}

// New returns the presenter registered under name.
func New(name string, l *logging.Logger) (Presenter, error) {
	switch strings.ToLower(name) {
	case "", "desktop":
		return Desktop{}, nil
	case "log":
		return NewLog(l), nil
	default:
		return nil, fmt.Errorf("presenter: unknown backend '%s'", name)
	}
}
