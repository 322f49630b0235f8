// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package authz

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/katzenpost/hpqc/nike"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/notipair/core/log"
	"github.com/katzenpost/notipair/core/wire"
	"github.com/katzenpost/notipair/server/internal/credentials"
)

func newTestSet(t *testing.T) (*Set, *credentials.Store) {
	store, err := credentials.New(t.TempDir())
	require.NoError(t, err)
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return New(store, backend.GetLogger("authz")), store
}

func genKey(t *testing.T) nike.PublicKey {
	pub, _, err := wire.DefaultScheme.GenerateKeyPair()
	require.NoError(t, err)
	return pub
}

func TestReload(t *testing.T) {
	require := require.New(t)

	set, store := newTestSet(t)
	require.Equal(0, set.Len())

	pub := genKey(t)
	require.NoError(store.Write("phone", pub))
	require.False(set.Contains(pub), "not visible before reload")

	require.NoError(set.Reload())
	require.True(set.Contains(pub))
	require.True(set.IsPeerValid(&wire.PeerCredentials{PublicKey: pub}))
	id, ok := set.ClientID(pub)
	require.True(ok)
	require.Equal("phone", id)

	other := genKey(t)
	require.False(set.Contains(other))
	require.False(set.IsPeerValid(&wire.PeerCredentials{PublicKey: other}))
	require.False(set.IsPeerValid(&wire.PeerCredentials{}))

	// Re-pairing replaces the key.
	require.NoError(store.Write("phone", other))
	require.NoError(set.Reload())
	require.False(set.Contains(pub))
	require.True(set.Contains(other))
	require.Equal(1, set.Len())

	require.NoError(store.Remove("phone"))
	require.NoError(set.Reload())
	require.Equal(0, set.Len())
}

type failingSource struct{}

func (failingSource) LoadAll() ([]*credentials.Credential, error) {
	return nil, errors.New("disk on fire")
}

func TestReloadFailureKeepsPreviousSet(t *testing.T) {
	require := require.New(t)

	set, store := newTestSet(t)
	pub := genKey(t)
	require.NoError(store.Write("phone", pub))
	require.NoError(set.Reload())

	set.src = failingSource{}
	require.Error(set.Reload())
	require.Equal(1, set.Len())
}

func TestReloadSkipsCorruptRecords(t *testing.T) {
	require := require.New(t)

	set, store := newTestSet(t)
	pub := genKey(t)
	require.NoError(store.Write("phone", pub))
	require.NoError(os.WriteFile(filepath.Join(store.Dir(), "old-phone.key"), []byte("not toml ["), 0600))

	require.NoError(set.Reload())
	require.True(set.Contains(pub))
	require.Equal(1, set.Len())

	tablet := genKey(t)
	require.NoError(store.Write("tablet", tablet))
	require.NoError(set.Reload())
	require.True(set.Contains(tablet))
	require.Equal(2, set.Len())
}

func TestConcurrentReadersDuringReload(t *testing.T) {
	require := require.New(t)

	set, store := newTestSet(t)
	pub := genKey(t)
	require.NoError(store.Write("phone", pub))
	require.NoError(set.Reload())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if !set.Contains(pub) {
					t.Error("key vanished during reload")
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		require.NoError(store.Write("tablet", genKey(t)))
		require.NoError(set.Reload())
	}
	close(stop)
	wg.Wait()
}
