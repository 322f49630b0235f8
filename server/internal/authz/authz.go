// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package authz holds the set of client keys allowed to deliver
// notifications.
package authz

import (
	"errors"
	"sync/atomic"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/notipair/core/wire"
	"github.com/katzenpost/notipair/server/internal/credentials"
)

// Source yields the current credential records.
type Source interface {
	LoadAll() ([]*credentials.Credential, error)
}

type keySet map[[32]byte]string

// Set is the authorization set.  Readers always see a complete snapshot;
// Reload replaces the snapshot in a single atomic store.
type Set struct {
	src Source
	log *logging.Logger

	keys atomic.Pointer[keySet]
}

// New returns an empty Set backed by src.  Call Reload to populate it.
func New(src Source, log *logging.Logger) *Set {
	s := &Set{src: src, log: log}
	empty := make(keySet)
	s.keys.Store(&empty)
	return s
}

// Reload rebuilds the set from the credential source.  Unreadable records
// are left out of the new set.  If the source can not be read at all the
// previously published set stays in effect.
func (s *Set) Reload() error {
	creds, err := s.src.LoadAll()
	var corrupt *credentials.CorruptError
	switch {
	case err == nil:
	case errors.As(err, &corrupt):
		for _, r := range corrupt.Records {
			s.log.Warningf("Ignoring credential record '%s': %v", r.Name, r.Err)
		}
	default:
		s.log.Errorf("Failed to load credentials, keeping %d authorized keys: %v", s.Len(), err)
		return err
	}
	m := make(keySet, len(creds))
	for _, c := range creds {
		m[hash.Sum256From(c.PublicKey)] = c.ClientID
	}
	s.keys.Store(&m)
	s.log.Debugf("Authorization set reloaded: %d keys", len(m))
	return nil
}

// Contains returns true iff pub is authorized.
func (s *Set) Contains(pub nike.PublicKey) bool {
	_, ok := s.ClientID(pub)
	return ok
}

// ClientID returns the client id pub was paired under.
func (s *Set) ClientID(pub nike.PublicKey) (string, bool) {
	if pub == nil {
		return "", false
	}
	m := *s.keys.Load()
	id, ok := m[hash.Sum256From(pub)]
	return id, ok
}

// Len returns the number of authorized keys.
func (s *Set) Len() int {
	return len(*s.keys.Load())
}

// IsPeerValid implements wire.PeerAuthenticator.
func (s *Set) IsPeerValid(creds *wire.PeerCredentials) bool {
	if creds == nil || creds.PublicKey == nil {
		return false
	}
	id, ok := s.ClientID(creds.PublicKey)
	if !ok {
		s.log.Debugf("Rejecting unknown key %s", wire.PublicKeyToBase64(creds.PublicKey))
		return false
	}
	s.log.Debugf("Authenticated client '%s'", id)
	return true
}
