// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package credentials persists the public keys of paired clients, one record
// file per client.
package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/nike"
	"golang.org/x/text/secure/precis"

	"github.com/katzenpost/notipair/core/utils"
	"github.com/katzenpost/notipair/core/wire"
)

const (
	// RecordSuffix is the file name suffix of a credential record.
	RecordSuffix = ".key"

	recordMode = 0600

	// Characters escaped as %XX in record file names.  ':' appears in IPv6
	// client ids and, like the rest, is not allowed in Windows file names.
	escapedNameChars = `%:<>"|?*`
)

var (
	// ErrInvalidClientID is returned for client identifiers that can not
	// safely name a record file.
	ErrInvalidClientID = errors.New("credentials: invalid client id")

	// ErrNotFound is returned when no record exists for a client.
	ErrNotFound = errors.New("credentials: no such client")

	// ErrCorrupt matches a *CorruptError.
	ErrCorrupt = errors.New("credentials: unreadable records")
)

// RecordError is a record file that could not be loaded.
type RecordError struct {
	Name string
	Err  error
}

// CorruptError is returned by LoadAll alongside the records that did load.
type CorruptError struct {
	Records []RecordError
}

func (e *CorruptError) Error() string {
	parts := make([]string, 0, len(e.Records))
	for _, r := range e.Records {
		parts = append(parts, r.Err.Error())
	}
	return fmt.Sprintf("credentials: %d unreadable record(s): %s", len(e.Records), strings.Join(parts, "; "))
}

// Is reports whether target is ErrCorrupt.
func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}

// Credential is the public key a client presented when it paired.
type Credential struct {
	ClientID  string
	PairedAt  time.Time
	PublicKey nike.PublicKey
}

type metadata struct {
	ClientID string    `toml:"client-id"`
	PairedAt time.Time `toml:"paired-at"`
}

type authentication struct {
	PublicKey string `toml:"public-key"`
}

type record struct {
	Metadata       metadata       `toml:"metadata"`
	Authentication authentication `toml:"authentication"`
}

// Store is a directory of credential records.
type Store struct {
	dir string
	now func() time.Time
}

// New returns a Store rooted at dir, creating the directory as needed.
func New(dir string) (*Store, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the directory holding the records.
func (s *Store) Dir() string {
	return s.dir
}

// NormalizeClientID returns the canonical form of a client identifier, or
// ErrInvalidClientID if it can not be used as a record name.
func NormalizeClientID(clientID string) (string, error) {
	id, err := precis.UsernameCasePreserved.String(clientID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidClientID, err)
	}
	if strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", ErrInvalidClientID
	}
	return id, nil
}

func (s *Store) path(clientID string) (string, string, error) {
	id, err := NormalizeClientID(clientID)
	if err != nil {
		return "", "", err
	}
	return id, filepath.Join(s.dir, recordName(id)), nil
}

func recordName(id string) string {
	var b strings.Builder
	for _, r := range id {
		if strings.ContainsRune(escapedNameChars, r) {
			fmt.Fprintf(&b, "%%%02X", r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String() + RecordSuffix
}

func clientIDFromName(name string) string {
	base := strings.TrimSuffix(name, RecordSuffix)
	if id, err := url.PathUnescape(base); err == nil {
		return id
	}
	return base
}

// Write stores pub as the key of clientID, replacing any previous record.
// The record is replaced atomically so a concurrent reader sees either the
// old or the new key, never a partial file.
func (s *Store) Write(clientID string, pub nike.PublicKey) error {
	id, p, err := s.path(clientID)
	if err != nil {
		return err
	}

	r := &record{
		Metadata: metadata{
			ClientID: id,
			PairedAt: s.now().UTC().Truncate(time.Second),
		},
		Authentication: authentication{
			PublicKey: wire.PublicKeyToBase64(pub),
		},
	}
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err = enc.Encode(r); err != nil {
		return err
	}
	return utils.AtomicWriteFile(p, buf.Bytes(), recordMode)
}

// Load returns the record of clientID.
func (s *Store) Load(clientID string) (*Credential, error) {
	_, p, err := s.path(clientID)
	if err != nil {
		return nil, err
	}
	c, err := loadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return c, err
}

// LoadAll returns every record in the store, ordered by client id.  Record
// files that fail to load are skipped and reported in a *CorruptError, in
// which case the returned records are still valid.  Any other error means
// the directory itself could not be read.
func (s *Store) LoadAll() ([]*Credential, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var (
		creds   []*Credential
		corrupt []RecordError
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, RecordSuffix) {
			continue
		}
		c, err := loadFile(filepath.Join(s.dir, name))
		if err != nil {
			corrupt = append(corrupt, RecordError{Name: name, Err: err})
			continue
		}
		creds = append(creds, c)
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].ClientID < creds[j].ClientID })
	if len(corrupt) != 0 {
		return creds, &CorruptError{Records: corrupt}
	}
	return creds, nil
}

// Remove deletes the record of clientID.
func (s *Store) Remove(clientID string) error {
	_, p, err := s.path(clientID)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func loadFile(p string) (*Credential, error) {
	r := new(record)
	md, err := toml.DecodeFile(p, r)
	if err != nil {
		return nil, fmt.Errorf("credentials: %s: %w", filepath.Base(p), err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("credentials: %s: unknown keys %v", filepath.Base(p), undecoded)
	}
	pub, err := wire.PublicKeyFromBase64(r.Authentication.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("credentials: %s: %w", filepath.Base(p), err)
	}
	id := r.Metadata.ClientID
	if id == "" {
		id = clientIDFromName(filepath.Base(p))
	}
	return &Credential{
		ClientID:  id,
		PairedAt:  r.Metadata.PairedAt,
		PublicKey: pub,
	}, nil
}
