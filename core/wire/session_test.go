// session_test.go - Tests for common code of the noise based wire protocol.
// Copyright (C) 2017  David Anthony Stainton, Yawning Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package wire

import (
	"crypto/subtle"
	"net"
	"sync"
	"testing"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthenticator struct {
	creds *PeerCredentials
}

func (s *stubAuthenticator) IsPeerValid(peer *PeerCredentials) bool {
	if subtle.ConstantTimeCompare(s.creds.AdditionalData, peer.AdditionalData) != 1 {
		return false
	}
	if subtle.ConstantTimeCompare(s.creds.PublicKey.Bytes(), peer.PublicKey.Bytes()) != 1 {
		return false
	}

	return true
}

type testPeer struct {
	priv  nike.PrivateKey
	creds *PeerCredentials
}

func newTestPeer(t *testing.T, ad string) *testPeer {
	pub, priv, err := DefaultScheme.GenerateKeyPair()
	require.NoError(t, err)
	return &testPeer{
		priv: priv,
		creds: &PeerCredentials{
			AdditionalData: []byte(ad),
			PublicKey:      pub,
		},
	}
}

func (p *testPeer) session(t *testing.T, remote *PeerCredentials, isInitiator bool) *Session {
	s, err := NewSession(&SessionConfig{
		Authenticator:     &stubAuthenticator{creds: remote},
		AdditionalData:    p.creds.AdditionalData,
		AuthenticationKey: p.priv,
		RandomReader:      rand.Reader,
	}, isInitiator)
	require.NoError(t, err)
	return s
}

func TestSessionIntegration(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// In a real deployment the peers learn each other's keys by pairing.
	alice := newTestPeer(t, "10.0.0.5")
	bob := newTestPeer(t, "")

	sAlice := alice.session(t, bob.creds, true)
	sBob := bob.session(t, alice.creds, false)

	connAlice, connBob := net.Pipe()
	var wg sync.WaitGroup

	msg1 := NewFrames("Title", "Body")
	msg2 := Frames{[]byte("Title"), []byte("Body"), {0x89, 'P', 'N', 'G'}}

	wg.Add(1)
	go func() {
		// Alice's side.
		defer wg.Done()
		defer sAlice.Close()

		err := sAlice.Initialize(connAlice)
		assert.NoError(err, "Alice Initialize()")
		if err != nil {
			return
		}
		t.Logf("ClockSkew: %v", sAlice.ClockSkew())
		creds, err := sAlice.PeerCredentials()
		assert.NoError(err)
		assert.Equal(bob.creds.PublicKey.Bytes(), creds.PublicKey.Bytes())
		assert.Empty(creds.AdditionalData)

		assert.NoError(sAlice.SendFrames(msg1), "Alice SendFrames() 1")
		assert.NoError(sAlice.SendFrames(msg2), "Alice SendFrames() 2")
	}()

	wg.Add(1)
	go func() {
		// Bob's side.
		defer wg.Done()
		defer sBob.Close()

		err := sBob.Initialize(connBob)
		assert.NoError(err, "Bob Initialize()")
		if err != nil {
			return
		}
		assert.Panics(func() { sBob.ClockSkew() }, "Bob ClockSkew()")
		creds, err := sBob.PeerCredentials()
		assert.NoError(err)
		assert.Equal(alice.creds.PublicKey.Bytes(), creds.PublicKey.Bytes())
		assert.Equal("10.0.0.5", string(creds.AdditionalData))

		f, err := sBob.RecvFrames()
		assert.NoError(err, "Bob RecvFrames() 1")
		assert.Equal(msg1, f)

		f, err = sBob.RecvFrames()
		assert.NoError(err, "Bob RecvFrames() 2")
		assert.Equal(msg2, f)
	}()
	wg.Wait()

	_, err := sBob.PeerCredentials()
	require.Error(err, "PeerCredentials() after Close()")
}

func TestSessionResponderRejectsUnknownPeer(t *testing.T) {
	require := require.New(t)

	alice := newTestPeer(t, "")
	mallory := newTestPeer(t, "")
	bob := newTestPeer(t, "")

	// Bob only knows Alice, Mallory dials in.
	sMallory := mallory.session(t, bob.creds, true)
	sBob := bob.session(t, alice.creds, false)

	connMallory, connBob := net.Pipe()
	errCh := make(chan error, 1)
	go func() {
		err := sBob.Initialize(connBob)
		sBob.Close()
		errCh <- err
	}()

	err := sMallory.Initialize(connMallory)
	sMallory.Close()
	require.Error(err)
	require.ErrorIs(<-errCh, ErrAuthenticationFailed)

	_, err = sMallory.PeerCredentials()
	require.Error(err)
	require.Error(sMallory.SendFrames(NewFrames("x", "y")))
}

func TestSessionInitiatorRejectsUnexpectedResponder(t *testing.T) {
	require := require.New(t)

	alice := newTestPeer(t, "")
	bob := newTestPeer(t, "")
	impostor := newTestPeer(t, "")

	// Alice expects Bob, the impostor answers.
	sAlice := alice.session(t, bob.creds, true)
	sImpostor := impostor.session(t, alice.creds, false)

	connAlice, connImpostor := net.Pipe()
	errCh := make(chan error, 1)
	go func() {
		err := sImpostor.Initialize(connImpostor)
		sImpostor.Close()
		errCh <- err
	}()

	err := sAlice.Initialize(connAlice)
	sAlice.Close()
	require.ErrorIs(err, ErrAuthenticationFailed)
	require.Error(<-errCh)
}

func TestSessionMalformedRecordKeepsSession(t *testing.T) {
	require := require.New(t)

	alice := newTestPeer(t, "")
	bob := newTestPeer(t, "")
	sAlice := alice.session(t, bob.creds, true)
	sBob := bob.session(t, alice.creds, false)

	connAlice, connBob := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sAlice.Close()
		if sAlice.Initialize(connAlice) != nil {
			return
		}
		// A frames record whose body is not a CBOR array of byte strings.
		_ = sAlice.sendRecord(recordFrames, []byte{0xa1, 0x01, 0x02})
		_ = sAlice.SendFrames(NewFrames("Title", "Body"))
	}()

	require.NoError(sBob.Initialize(connBob))
	_, err := sBob.RecvFrames()
	require.ErrorIs(err, ErrMalformedFrames)
	f, err := sBob.RecvFrames()
	require.NoError(err)
	require.Equal(NewFrames("Title", "Body"), f)
	sBob.Close()
	<-done
}

func TestNewSessionValidation(t *testing.T) {
	require := require.New(t)

	p := newTestPeer(t, "")
	auth := &stubAuthenticator{creds: p.creds}

	_, err := NewSession(&SessionConfig{AuthenticationKey: p.priv, RandomReader: rand.Reader}, true)
	require.Error(err)
	_, err = NewSession(&SessionConfig{Authenticator: auth, RandomReader: rand.Reader}, true)
	require.Error(err)
	_, err = NewSession(&SessionConfig{Authenticator: auth, AuthenticationKey: p.priv}, true)
	require.Error(err)
	_, err = NewSession(&SessionConfig{
		Authenticator:     auth,
		AuthenticationKey: p.priv,
		RandomReader:      rand.Reader,
		AdditionalData:    make([]byte, MaxAdditionalDataLength+1),
	}, true)
	require.Error(err)
}
