// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/notipair/core/wire"
)

func TestLoadOrCreate(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	privPath := filepath.Join(dir, PrivateKeyFile)
	pubPath := filepath.Join(dir, PublicKeyFile)

	id, err := LoadOrCreate(privPath, pubPath)
	require.NoError(err)
	require.FileExists(privPath)
	require.FileExists(pubPath)

	id2, err := LoadOrCreate(privPath, pubPath)
	require.NoError(err)
	require.Equal(id.PublicKey.Bytes(), id2.PublicKey.Bytes())
	require.Equal(id.PrivateKey.Bytes(), id2.PrivateKey.Bytes())
	require.Equal(id.Fingerprint(), id2.Fingerprint())

	pub, err := wire.PublicKeyFromBase64(id.Fingerprint())
	require.NoError(err)
	require.Equal(id.PublicKey.Bytes(), pub.Bytes())
}

func TestLoadOrCreateHalfMissing(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	privPath := filepath.Join(dir, PrivateKeyFile)
	pubPath := filepath.Join(dir, PublicKeyFile)

	_, err := LoadOrCreate(privPath, pubPath)
	require.NoError(err)
	require.NoError(os.Remove(pubPath))

	_, err = LoadOrCreate(privPath, pubPath)
	require.ErrorIs(err, ErrCorrupt)
	require.NoFileExists(pubPath)
}

func TestLoadOrCreateMismatch(t *testing.T) {
	require := require.New(t)

	a, b := t.TempDir(), t.TempDir()
	_, err := LoadOrCreate(filepath.Join(a, PrivateKeyFile), filepath.Join(a, PublicKeyFile))
	require.NoError(err)
	_, err = LoadOrCreate(filepath.Join(b, PrivateKeyFile), filepath.Join(b, PublicKeyFile))
	require.NoError(err)

	_, err = LoadOrCreate(filepath.Join(a, PrivateKeyFile), filepath.Join(b, PublicKeyFile))
	require.ErrorIs(err, ErrCorrupt)
}
