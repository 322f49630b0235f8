// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/base64"
	"fmt"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
)

// DefaultScheme is the NIKE scheme of every static key on the wire.
var DefaultScheme nike.Scheme = x25519.Scheme(rand.Reader)

// PublicKeyToBase64 returns the standard base64 encoding of a raw public key,
// the textual form keys take in pairing requests and on disk.
func PublicKeyToBase64(pub nike.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

// PublicKeyFromBase64 parses the textual form of a public key.
func PublicKeyFromBase64(s string) (nike.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid public key encoding: %w", err)
	}
	return PublicKeyFromBytes(raw)
}

// PublicKeyFromBytes parses a raw public key.
func PublicKeyFromBytes(raw []byte) (nike.PublicKey, error) {
	if len(raw) != DefaultScheme.PublicKeySize() {
		return nil, fmt.Errorf("wire: invalid public key length %d", len(raw))
	}
	return DefaultScheme.UnmarshalBinaryPublicKey(raw)
}
