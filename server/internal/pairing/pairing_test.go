// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package pairing

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/notipair/core/log"
	"github.com/katzenpost/notipair/core/wire"
	"github.com/katzenpost/notipair/server/internal/authz"
	"github.com/katzenpost/notipair/server/internal/credentials"
)

const testTimeout = 5 * time.Second

type approverFunc func(*Request) Decision

func (f approverFunc) Decide(req *Request) <-chan Decision {
	ch := make(chan Decision, 1)
	ch <- f(req)
	return ch
}

type countingReloader struct {
	sync.Mutex
	*authz.Set
	n    int
	fail error
}

func (r *countingReloader) Reload() error {
	r.Lock()
	r.n++
	fail := r.fail
	r.Unlock()
	if fail != nil {
		return fail
	}
	return r.Set.Reload()
}

func (r *countingReloader) count() int {
	r.Lock()
	defer r.Unlock()
	return r.n
}

type testEnv struct {
	svc       *Service
	store     *credentials.Store
	set       *countingReloader
	serverKey nike.PublicKey
}

func newTestEnv(t *testing.T, approver Approver) *testEnv {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	store, err := credentials.New(filepath.Join(t.TempDir(), "clients"))
	require.NoError(err)
	set := &countingReloader{Set: authz.New(store, backend.GetLogger("authz"))}
	serverKey, _, err := wire.DefaultScheme.GenerateKeyPair()
	require.NoError(err)

	svc, err := New(&Config{
		Address:          "127.0.0.1:0",
		NotificationPort: 9000,
		ServerKey:        serverKey,
		IdleTimeout:      time.Second,
		Approver:         approver,
		Credentials:      store,
		Authz:            set,
		Log:              backend.GetLogger("pairing"),
	})
	require.NoError(err)
	t.Cleanup(svc.Halt)
	return &testEnv{svc: svc, store: store, set: set, serverKey: serverKey}
}

func (e *testEnv) dial(t *testing.T) net.Conn {
	conn, err := net.Dial("tcp", e.svc.Addr().String())
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(testTimeout))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func genKey(t *testing.T) nike.PublicKey {
	pub, _, err := wire.DefaultScheme.GenerateKeyPair()
	require.NoError(t, err)
	return pub
}

func TestPairingAccepted(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, approverFunc(func(*Request) Decision { return Accepted }))
	require.NotZero(env.svc.Port())

	pub := genKey(t)
	b64 := wire.PublicKeyToBase64(pub)
	conn := env.dial(t)
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("10.0.0.5", b64), 4096))

	resp, err := wire.ReadFrames(conn, 4096)
	require.NoError(err)
	require.Len(resp, 2)
	require.Equal("9000", string(resp[0]))
	require.Equal(env.serverKey.Bytes(), []byte(resp[1]))

	raw, err := os.ReadFile(filepath.Join(env.store.Dir(), "10.0.0.5.key"))
	require.NoError(err)
	require.Contains(string(raw), `public-key = "`+b64+`"`)
	require.Equal(1, env.set.count())
	require.True(env.set.Contains(pub))

	// Pairing again under the same id replaces the key.
	pub2 := genKey(t)
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("10.0.0.5", wire.PublicKeyToBase64(pub2)), 4096))
	_, err = wire.ReadFrames(conn, 4096)
	require.NoError(err)
	all, err := env.store.LoadAll()
	require.NoError(err)
	require.Len(all, 1)
	require.Equal(pub2.Bytes(), all[0].PublicKey.Bytes())
	require.False(env.set.Contains(pub))
	require.Equal(2, env.set.count())
}

func TestPairingWithCorruptRecord(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, approverFunc(func(*Request) Decision { return Accepted }))
	require.NoError(os.WriteFile(filepath.Join(env.store.Dir(), "old-phone.key"), []byte("not toml ["), 0600))

	pub := genKey(t)
	conn := env.dial(t)
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("10.0.0.5", wire.PublicKeyToBase64(pub)), 4096))
	resp, err := wire.ReadFrames(conn, 4096)
	require.NoError(err)
	require.Len(resp, 2)
	require.Equal("9000", string(resp[0]))
	require.True(env.set.Contains(pub))

	// Later pairings are admitted too.
	pub2 := genKey(t)
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("10.0.0.6", wire.PublicKeyToBase64(pub2)), 4096))
	_, err = wire.ReadFrames(conn, 4096)
	require.NoError(err)
	require.True(env.set.Contains(pub2))
	require.True(env.set.Contains(pub))
}

func TestPairingReloadFailureRejects(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, approverFunc(func(*Request) Decision { return Accepted }))
	env.set.Lock()
	env.set.fail = errors.New("clients directory unreadable")
	env.set.Unlock()

	pub := genKey(t)
	conn := env.dial(t)
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("10.0.0.5", wire.PublicKeyToBase64(pub)), 4096))
	resp, err := wire.ReadFrames(conn, 4096)
	require.NoError(err)
	require.Len(resp, 1)
	require.Len(resp[0], 0)

	require.NoFileExists(filepath.Join(env.store.Dir(), "10.0.0.5.key"))
	require.False(env.set.Contains(pub))
	require.Equal(1, env.set.count())
}

func TestPairingRejected(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, approverFunc(func(*Request) Decision { return Rejected }))

	conn := env.dial(t)
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("10.0.0.5", wire.PublicKeyToBase64(genKey(t))), 4096))
	resp, err := wire.ReadFrames(conn, 4096)
	require.NoError(err)
	require.Len(resp, 1)
	require.Len(resp[0], 0)

	require.NoFileExists(filepath.Join(env.store.Dir(), "10.0.0.5.key"))
	require.Equal(0, env.set.count())
	require.Equal(0, env.set.Len())
}

func TestPairingDiscardsBadRequests(t *testing.T) {
	require := require.New(t)

	var asked int
	var mu sync.Mutex
	env := newTestEnv(t, approverFunc(func(*Request) Decision {
		mu.Lock()
		asked++
		mu.Unlock()
		return Accepted
	}))

	conn := env.dial(t)
	b64 := wire.PublicKeyToBase64(genKey(t))
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("only-one"), 4096))
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("a", b64, "extra"), 4096))
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("phone", "not a key"), 4096))
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("../phone", b64), 4096))
	_, err := conn.Write([]byte{0, 0, 0, 3, 0xa1, 0x01, 0x02})
	require.NoError(err)

	// The service is still waiting for a request it can use.
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("phone", b64), 4096))
	resp, err := wire.ReadFrames(conn, 4096)
	require.NoError(err)
	require.Equal("9000", string(resp[0]))

	mu.Lock()
	require.Equal(1, asked)
	mu.Unlock()
}

func TestPairingOneAtATime(t *testing.T) {
	require := require.New(t)

	decide := make(chan Decision)
	asked := make(chan *Request, 2)
	env := newTestEnv(t, approverChan{asked: asked, decide: decide})

	first := env.dial(t)
	require.NoError(wire.WriteFrames(first, wire.NewFrames("first", wire.PublicKeyToBase64(genKey(t))), 4096))
	req := <-asked
	require.Equal("first", req.ClientID)

	second := env.dial(t)
	require.NoError(wire.WriteFrames(second, wire.NewFrames("second", wire.PublicKeyToBase64(genKey(t))), 4096))
	select {
	case <-asked:
		t.Fatal("second request presented while the first is pending")
	case <-time.After(100 * time.Millisecond):
	}

	decide <- Rejected
	_, err := wire.ReadFrames(first, 4096)
	require.NoError(err)
	first.Close()

	req = <-asked
	require.Equal("second", req.ClientID)
	decide <- Accepted
	resp, err := wire.ReadFrames(second, 4096)
	require.NoError(err)
	require.Len(resp, 2)
}

type approverChan struct {
	asked  chan<- *Request
	decide <-chan Decision
}

func (a approverChan) Decide(req *Request) <-chan Decision {
	a.asked <- req
	return a.decide
}

func TestIdleConnectionClosed(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, approverFunc(func(*Request) Decision { return Accepted }))
	idle := env.dial(t)

	// The idle peer is dropped and the next client gets served.
	buf := make([]byte, 1)
	_, err := idle.Read(buf)
	require.Error(err)

	conn := env.dial(t)
	require.NoError(wire.WriteFrames(conn, wire.NewFrames("phone", wire.PublicKeyToBase64(genKey(t))), 4096))
	_, err = wire.ReadFrames(conn, 4096)
	require.NoError(err)
}

func TestConsoleApprover(t *testing.T) {
	require := require.New(t)

	var out bytes.Buffer
	console := log.NewConsole(&out)
	req := &Request{ClientID: "10.0.0.5", PublicKey: genKey(t)}

	for answer, want := range map[string]Decision{
		"yes\n":   Accepted,
		" YES \n": Accepted,
		"Yes":     Accepted,
		"no\n":    Rejected,
		"y\n":     Rejected,
		"":        Rejected,
	} {
		a := NewConsoleApprover(console, strings.NewReader(answer))
		require.Equal(want, <-a.Decide(req), "answer %q", answer)
	}
	require.Contains(out.String(), "Pairing request from client '10.0.0.5'")
	require.Contains(out.String(), "Accept? (Yes/No): ")
}
