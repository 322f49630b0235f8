// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBothExists(t *testing.T) {
	require := require.New(t)
	d := t.TempDir()
	a := filepath.Join(d, "a")
	b := filepath.Join(d, "b")

	require.True(BothNotExists(a, b))
	require.NoError(os.WriteFile(a, []byte("a"), 0600))
	require.False(BothExists(a, b))
	require.False(BothNotExists(a, b))
	require.NoError(os.WriteFile(b, []byte("b"), 0600))
	require.True(BothExists(a, b))
}

func TestAtomicWriteFile(t *testing.T) {
	require := require.New(t)
	d := t.TempDir()
	p := filepath.Join(d, "record.key")

	require.NoError(AtomicWriteFile(p, []byte("first"), 0600))
	require.NoError(AtomicWriteFile(p, []byte("second"), 0600))

	b, err := os.ReadFile(p)
	require.NoError(err)
	require.Equal("second", string(b))

	fi, err := os.Stat(p)
	require.NoError(err)
	require.Equal(os.FileMode(0600), fi.Mode().Perm())

	// No scratch files are left behind.
	entries, err := os.ReadDir(d)
	require.NoError(err)
	require.Len(entries, 1)
}

func TestEnsureDir(t *testing.T) {
	require := require.New(t)
	d := filepath.Join(t.TempDir(), "x", "y")
	require.NoError(EnsureDir(d))
	require.NoError(EnsureDir(d))

	f := filepath.Join(d, "file")
	require.NoError(os.WriteFile(f, nil, 0600))
	require.Error(EnsureDir(f))
}
