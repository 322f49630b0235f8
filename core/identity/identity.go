// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity manages the long term static keypair that identifies a
// notipair server to its paired clients.
package identity

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/pem"

	"github.com/katzenpost/notipair/core/utils"
	"github.com/katzenpost/notipair/core/wire"
)

const (
	// PrivateKeyFile is the file name of the PEM encoded private key.
	PrivateKeyFile = "server.key_secret"

	// PublicKeyFile is the file name of the PEM encoded public key.
	PublicKeyFile = "server.key"
)

// ErrCorrupt is returned when only one half of a keypair is present on disk,
// or when the two halves do not belong together.
var ErrCorrupt = errors.New("identity: keypair on disk is inconsistent")

// Identity is a static keypair.
type Identity struct {
	PublicKey  nike.PublicKey
	PrivateKey nike.PrivateKey
}

// Fingerprint returns the base64 encoding of the public key, the form in
// which operators and clients exchange it.
func (id *Identity) Fingerprint() string {
	return wire.PublicKeyToBase64(id.PublicKey)
}

// LoadOrCreate loads the keypair stored at privPath and pubPath, generating
// and persisting a new one iff neither file exists.  An existing identity is
// never regenerated.
func LoadOrCreate(privPath, pubPath string) (*Identity, error) {
	scheme := wire.DefaultScheme
	switch {
	case utils.BothExists(privPath, pubPath):
		priv, err := pem.FromPrivatePEMFile(privPath, scheme)
		if err != nil {
			return nil, err
		}
		pub, err := pem.FromPublicPEMFile(pubPath, scheme)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(scheme.DerivePublicKey(priv).Bytes(), pub.Bytes()) {
			return nil, ErrCorrupt
		}
		return &Identity{PublicKey: pub, PrivateKey: priv}, nil
	case utils.BothNotExists(privPath, pubPath):
		pub, priv, err := scheme.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err = pem.PrivateKeyToFile(privPath, priv, scheme); err != nil {
			return nil, err
		}
		if err = pem.PublicKeyToFile(pubPath, pub, scheme); err != nil {
			return nil, err
		}
		return &Identity{PublicKey: pub, PrivateKey: priv}, nil
	default:
		return nil, fmt.Errorf("%w: only one of %s and %s exists", ErrCorrupt, privPath, pubPath)
	}
}
