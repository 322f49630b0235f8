// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package dispatch hands received notifications to the presenter on a fixed
// pool of workers, so that slow presentation never stalls ingestion.
package dispatch

import (
	"errors"
	"os"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/notipair/core/worker"
	"github.com/katzenpost/notipair/presenter"
	"github.com/katzenpost/notipair/server/internal/instrument"
)

const (
	// DefaultWorkers is the default size of the worker pool.
	DefaultWorkers = 4

	// DefaultQueueDepth is the default backlog bound.
	DefaultQueueDepth = 64
)

// ErrQueueFull is returned by Submit when the backlog is full.  The
// notification is dropped.
var ErrQueueFull = errors.New("dispatch: queue full")

// ErrHalted is returned by Submit once the Dispatcher is shutting down.
var ErrHalted = errors.New("dispatch: halted")

// Notification is a received message.
type Notification struct {
	Title string
	Body  string
	Image []byte
}

// Dispatcher is a bounded worker pool in front of a Presenter.
type Dispatcher struct {
	worker.Worker

	log       *logging.Logger
	presenter presenter.Presenter
	decoder   presenter.ImageDecoder

	ch chan *Notification
}

// Submit queues n without blocking.
func (d *Dispatcher) Submit(n *Notification) error {
	select {
	case <-d.HaltCh():
		return ErrHalted
	default:
	}
	select {
	case d.ch <- n:
		instrument.DispatchQueueDepth(len(d.ch))
		return nil
	default:
		instrument.MessageDropped("queue_full")
		d.log.Warningf("Dropping notification '%s', %d queued", n.Title, cap(d.ch))
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	for {
		select {
		case <-d.HaltCh():
			d.drain()
			return
		case n := <-d.ch:
			d.present(n)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case n := <-d.ch:
			d.present(n)
		default:
			return
		}
	}
}

func (d *Dispatcher) present(n *Notification) {
	instrument.DispatchQueueDepth(len(d.ch))

	imagePath := ""
	if len(n.Image) > 0 {
		p, err := d.decoder.DecodeToFile(n.Image)
		if err != nil {
			d.log.Warningf("Presenting '%s' without its image: %v", n.Title, err)
			instrument.MessageDropped("image")
		} else {
			imagePath = p
			defer func() {
				if err := os.Remove(p); err != nil {
					d.log.Warningf("Failed to remove %s: %v", p, err)
				}
			}()
		}
	}

	if err := d.presenter.Present(n.Title, n.Body, imagePath); err != nil {
		instrument.PresenterFailure()
		d.log.Errorf("Failed to present '%s': %v", n.Title, err)
		return
	}
	d.log.Debugf("Presented '%s'", n.Title)
}

// New starts a Dispatcher with the given number of workers and backlog.
func New(p presenter.Presenter, dec presenter.ImageDecoder, workers, queueDepth int, log *logging.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	d := &Dispatcher{
		log:       log,
		presenter: p,
		decoder:   dec,
		ch:        make(chan *Notification, queueDepth),
	}
	for i := 0; i < workers; i++ {
		d.Go(d.worker)
	}
	return d
}
