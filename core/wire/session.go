// session.go - Wire protocol session.
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

// Package wire implements the notipair wire protocol: length delimited CBOR
// frame sets, optionally carried over a mutually authenticated Noise XX
// session.
package wire

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"
)

const (
	// MaxAdditionalDataLength is the maximum length of the additional data
	// sent to the peer as part of the handshake authentication.
	MaxAdditionalDataLength = 255

	// MaxMessageSize is the largest transport record a session will send
	// or accept.
	MaxMessageSize = 16 * 1024 * 1024

	macLen  = 16
	keyLen  = 32
	authLen = 1 + MaxAdditionalDataLength + 4

	recordNoOp   byte = 0x00
	recordFrames byte = 0x01
)

var (
	prologue = []byte{0x01} // Prologue indicates version 1.
)

const (
	stateInit        uint32 = 0
	stateEstablished uint32 = 1
	stateInvalid     uint32 = 2
)

var (
	// ErrAuthenticationFailed is returned when the PeerAuthenticator
	// refuses the remote peer's credentials.
	ErrAuthenticationFailed = errors.New("wire/session: authentication failed")

	errInvalidState = errors.New("wire/session: invalid state")
	errMsgSize      = errors.New("wire/session: invalid message size")
)

type authenticateMessage struct {
	ad       []byte
	unixTime uint32
}

func (m *authenticateMessage) ToBytes(b []byte) []byte {
	var zeroBytes [MaxAdditionalDataLength]byte

	if len(m.ad) > MaxAdditionalDataLength {
		panic("wire/session: invalid AuthenticateMessage AD length")
	}

	b = append(b, uint8(len(m.ad)))
	b = append(b, m.ad...)
	b = append(b, zeroBytes[:len(zeroBytes)-len(m.ad)]...)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[0:], m.unixTime)
	b = append(b, tmp[:]...)

	return b
}

func authenticateMessageFromBytes(b []byte) (*authenticateMessage, error) {
	if len(b) != authLen {
		return nil, errors.New("wire/session: invalid AuthenticateMessage")
	}

	adLen := int(b[0])

	m := new(authenticateMessage)
	m.ad = make([]byte, 0, adLen)
	m.ad = append(m.ad, b[1:1+adLen]...)
	m.unixTime = binary.BigEndian.Uint32(b[1+MaxAdditionalDataLength:])

	return m, nil
}

// PeerCredentials is the peer's credentials received during the authenticated
// key exchange.  By virtue of the Noise Protocol's design, the AdditionalData
// is guaranteed to have been sent from a peer possessing the private component
// of PublicKey.
type PeerCredentials struct {
	AdditionalData []byte
	PublicKey      nike.PublicKey
}

// PeerAuthenticator is the interface used to authenticate the remote peer,
// based on the authenticated key exchange.
type PeerAuthenticator interface {
	// IsPeerValid authenticates the remote peer's credentials, returning true
	// iff the peer is valid.
	IsPeerValid(*PeerCredentials) bool
}

// Session is a wire protocol session.
type Session struct {
	conn net.Conn

	peerCredentials *PeerCredentials
	authenticator   PeerAuthenticator

	additionalData []byte
	authKey        dh.Keypair

	randReader io.Reader
	protocol   *nyquist.Protocol

	tx *nyquist.CipherState
	rx *nyquist.CipherState

	rxKeyMutex sync.Mutex
	txKeyMutex sync.Mutex

	clockSkew   time.Duration
	state       uint32
	isInitiator bool
}

func (s *Session) authenticatePeer(hs *nyquist.HandshakeState, rawAuth []byte) (*authenticateMessage, error) {
	peerAuth, err := authenticateMessageFromBytes(rawAuth)
	if err != nil {
		return nil, err
	}
	peerKey, err := DefaultScheme.UnmarshalBinaryPublicKey(hs.GetStatus().DH.RemoteStatic.Bytes())
	if err != nil {
		return nil, err
	}
	s.peerCredentials = &PeerCredentials{
		AdditionalData: peerAuth.ad,
		PublicKey:      peerKey,
	}
	if !s.authenticator.IsPeerValid(s.peerCredentials) {
		return nil, ErrAuthenticationFailed
	}
	return peerAuth, nil
}

func (s *Session) handshake() error {
	defer func() {
		s.authKey = nil
		atomic.CompareAndSwapUint32(&s.state, stateInit, stateInvalid)
	}()

	cfg := &nyquist.HandshakeConfig{
		Protocol:       s.protocol,
		Rng:            s.randReader,
		Prologue:       prologue,
		MaxMessageSize: MaxMessageSize,
		DH: &nyquist.DHConfig{
			LocalStatic: s.authKey,
		},
		IsInitiator: s.isInitiator,
	}

	handshake, err := nyquist.NewHandshake(cfg)
	if err != nil {
		return err
	}
	defer handshake.Reset()
	const (
		prologueLen = 1

		// client
		// -> (prologue), e
		msg1Len = prologueLen + keyLen

		// server
		// -> e, ee, s, es, (auth)
		msg2Len = keyLen + keyLen + macLen + authLen + macLen

		// client
		// -> s, se, (auth)
		msg3Len = keyLen + macLen + authLen + macLen
	)

	if s.isInitiator {
		// -> (prologue), e
		msg1 := make([]byte, 0, msg1Len)
		msg1 = append(msg1, prologue...)
		msg1, err = handshake.WriteMessage(msg1, nil)
		if err != nil {
			return err
		}
		if _, err = s.conn.Write(msg1); err != nil {
			return err
		}

		// -> e, ee, s, es, (auth)
		msg2 := make([]byte, msg2Len)
		if _, err = io.ReadFull(s.conn, msg2); err != nil {
			return err
		}
		now := time.Now()
		rawAuth := make([]byte, 0, authLen)
		rawAuth, err = handshake.ReadMessage(rawAuth, msg2)
		if err != nil {
			return err
		}

		// Authenticate the responder before revealing our static key.
		peerAuth, err := s.authenticatePeer(handshake, rawAuth)
		if err != nil {
			return err
		}
		peerClock := time.Unix(int64(peerAuth.unixTime), 0)
		s.clockSkew = now.Sub(peerClock)

		// -> s, se, (auth)
		ourAuth := &authenticateMessage{ad: s.additionalData}
		rawAuth = ourAuth.ToBytes(make([]byte, 0, authLen))
		msg3 := make([]byte, 0, msg3Len)
		msg3, err = handshake.WriteMessage(msg3, rawAuth)
		switch err {
		case nyquist.ErrDone:
			// happy path
		case nil:
			return errors.New("wire/session: weird handshake failure")
		default:
			return err
		}
		if _, err = s.conn.Write(msg3); err != nil {
			return err
		}
	} else {
		// -> (prologue), e
		msg1 := make([]byte, msg1Len)
		if _, err = io.ReadFull(s.conn, msg1); err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(prologue, msg1[0:1]) != 1 {
			return errors.New("wire/session: unsupported protocol version")
		}
		if _, err = handshake.ReadMessage(nil, msg1[1:]); err != nil {
			return err
		}

		// -> e, ee, s, es, (auth)
		ourAuth := &authenticateMessage{
			ad:       s.additionalData,
			unixTime: uint32(time.Now().Unix()),
		}
		rawAuth := ourAuth.ToBytes(make([]byte, 0, authLen))
		msg2 := make([]byte, 0, msg2Len)
		msg2, err = handshake.WriteMessage(msg2, rawAuth)
		if err != nil {
			return err
		}
		if _, err = s.conn.Write(msg2); err != nil {
			return err
		}

		// -> s, se, (auth)
		msg3 := make([]byte, msg3Len)
		if _, err = io.ReadFull(s.conn, msg3); err != nil {
			return err
		}
		rawAuth, err = handshake.ReadMessage(make([]byte, 0, authLen), msg3)
		switch err {
		case nyquist.ErrDone:
			// happy path
		case nil:
			return errors.New("wire/session: weird handshake failure")
		default:
			return err
		}

		// Authenticate the initiator.
		if _, err = s.authenticatePeer(handshake, rawAuth); err != nil {
			return err
		}
	}

	status := handshake.GetStatus()
	if s.isInitiator {
		s.tx, s.rx = status.CipherStates[0], status.CipherStates[1]
	} else {
		s.rx, s.tx = status.CipherStates[0], status.CipherStates[1]
	}
	atomic.StoreUint32(&s.state, stateEstablished)
	return nil
}

func (s *Session) finalizeHandshake() error {
	if s.isInitiator {
		// Initiator: The peer will send a NoOp record immediately upon
		// completing the handshake.
		typ, _, err := s.recvRecord()
		if err != nil {
			return err
		}
		if typ != recordNoOp {
			return errInvalidState
		}
		return nil
	}

	// Responder: The peer is authenticated at this point, so dispatch
	// a NoOp so the peer can distinguish authentication failures.
	return s.sendRecord(recordNoOp, nil)
}

// Initialize takes an establised net.Conn, and binds it to a Session, and
// conducts the wire protocol handshake.
func (s *Session) Initialize(conn net.Conn) error {
	if atomic.LoadUint32(&s.state) != stateInit {
		return errInvalidState
	}
	s.conn = conn
	if err := s.handshake(); err != nil {
		return err
	}
	if err := s.finalizeHandshake(); err != nil {
		atomic.StoreUint32(&s.state, stateInvalid)
		return err
	}
	return nil
}

// SendFrames sends the frame set f as a single encrypted record.
func (s *Session) SendFrames(f Frames) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	return s.sendRecord(recordFrames, b)
}

func (s *Session) sendRecord(typ byte, body []byte) error {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return errInvalidState
	}

	pt := make([]byte, 0, 1+len(body))
	pt = append(pt, typ)
	pt = append(pt, body...)
	ctLen := macLen + len(pt)
	if ctLen > MaxMessageSize {
		return errMsgSize
	}

	var ctHdr [4]byte
	binary.BigEndian.PutUint32(ctHdr[:], uint32(ctLen))
	toSend := make([]byte, 0, macLen+4+ctLen)

	s.txKeyMutex.Lock()
	var err error
	toSend, err = s.tx.EncryptWithAd(toSend, nil, ctHdr[:])
	if err == nil {
		toSend, err = s.tx.EncryptWithAd(toSend, nil, pt)
	}
	if err == nil {
		s.tx.Rekey()
	}
	s.txKeyMutex.Unlock()
	if err != nil {
		return err
	}

	if _, err = s.conn.Write(toSend); err != nil {
		// All write errors are fatal.
		atomic.StoreUint32(&s.state, stateInvalid)
	}
	return err
}

// RecvFrames receives the next frame set off the network.  A record that
// decrypts but does not decode yields ErrMalformedFrames; the session stays
// usable in that case.  Every other error is fatal.
func (s *Session) RecvFrames() (Frames, error) {
	for {
		typ, body, err := s.recvRecord()
		if err != nil {
			return nil, err
		}
		switch typ {
		case recordNoOp:
			continue
		case recordFrames:
			return FramesFromBytes(body)
		default:
			return nil, ErrMalformedFrames
		}
	}
}

func (s *Session) recvRecord() (byte, []byte, error) {
	typ, body, err := s.recvRecordImpl()
	if err != nil {
		// All receive errors are fatal.
		atomic.StoreUint32(&s.state, stateInvalid)
	}
	return typ, body, err
}

func (s *Session) recvRecordImpl() (byte, []byte, error) {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return 0, nil, errInvalidState
	}

	s.rxKeyMutex.Lock()
	defer s.rxKeyMutex.Unlock()

	// Read, decrypt and parse the CiphertextHeader.
	var ctHdrCt [macLen + 4]byte
	if _, err := io.ReadFull(s.conn, ctHdrCt[:]); err != nil {
		return 0, nil, err
	}
	ctHdr, err := s.rx.DecryptWithAd(nil, nil, ctHdrCt[:])
	if err != nil {
		return 0, nil, err
	}
	ctLen := binary.BigEndian.Uint32(ctHdr[:])
	if ctLen < macLen+1 || ctLen > MaxMessageSize {
		return 0, nil, errMsgSize
	}

	// Read and decrypt the Ciphertext.
	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(s.conn, ct); err != nil {
		return 0, nil, err
	}
	pt, err := s.rx.DecryptWithAd(nil, nil, ct)
	if err != nil {
		return 0, nil, err
	}
	s.rx.Rekey()

	return pt[0], pt[1:], nil
}

// Close terminates a session.
func (s *Session) Close() {
	// The Noise library doesn't have a way to explcitly clear cryptographic
	// state.  Without an underlying crypto break, Rekey() is backtracking
	// resistant.
	if s.tx != nil {
		s.txKeyMutex.Lock()
		s.tx.Rekey()
		s.txKeyMutex.Unlock()
	}
	if s.rx != nil {
		s.rxKeyMutex.Lock()
		s.rx.Rekey()
		s.rxKeyMutex.Unlock()
	}

	s.authKey = nil
	if s.conn != nil {
		s.conn.Close()
	}
	atomic.StoreUint32(&s.state, stateInvalid)
}

// PeerCredentials returns the peer's credentials.  This call MUST only be
// called from a session that has successfully completed Initialize().
func (s *Session) PeerCredentials() (*PeerCredentials, error) {
	if atomic.LoadUint32(&s.state) != stateEstablished {
		return nil, errors.New("wire/session: PeerCredentials() call in invalid state")
	}
	return s.peerCredentials, nil
}

// ClockSkew returns the approximate clock skew based on the responder's
// timestamp received as part of the handshake.  This call MUST only be called
// from a session that has successfully completed Initialize(), and the peer is
// the responder.
func (s *Session) ClockSkew() time.Duration {
	if !s.isInitiator {
		panic("wire/session: ClockSkew() call by responder")
	}
	if atomic.LoadUint32(&s.state) != stateEstablished {
		panic("wire/session: ClockSkew() call in invalid state")
	}
	return s.clockSkew
}

// NewSession creates a new Session.
func NewSession(cfg *SessionConfig, isInitiator bool) (*Session, error) {
	if cfg.Authenticator == nil {
		return nil, errors.New("wire/session: missing Authenticator")
	}
	if len(cfg.AdditionalData) > MaxAdditionalDataLength {
		return nil, errors.New("wire/session: oversized AdditionalData")
	}
	if cfg.AuthenticationKey == nil {
		return nil, errors.New("wire/session: missing AuthenticationKey")
	}
	if cfg.RandomReader == nil {
		return nil, errors.New("wire/session: missing RandomReader")
	}
	authKey, err := dh.X25519.ParsePrivateKey(cfg.AuthenticationKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("wire/session: invalid AuthenticationKey: %w", err)
	}

	s := &Session{
		protocol: &nyquist.Protocol{
			Pattern: pattern.XX,
			DH:      dh.X25519,
			Cipher:  cipher.ChaChaPoly,
			Hash:    hash.BLAKE2s,
		},
		authenticator:  cfg.Authenticator,
		additionalData: cfg.AdditionalData,
		authKey:        authKey,
		randReader:     cfg.RandomReader,
		isInitiator:    isInitiator,
		state:          stateInit,
	}
	return s, nil
}

// SessionConfig is the configuration used to create new Sessions.
type SessionConfig struct {
	// Authenticator is the PeerAuthenticator instance that will be used to
	// authenticate the remote peer for the newly created Session.
	Authenticator PeerAuthenticator

	// AdditionalData is the additional data that will be passed to the peer
	// as part of the wire protocol handshake, the length of which MUST be less
	// than or equal to MaxAdditionalDataLength.
	AdditionalData []byte

	// AuthenticationKey is the static long term authentication key used to
	// authenticate with the remote peer.
	AuthenticationKey nike.PrivateKey

	// RandomReader is a cryptographic entropy source.
	RandomReader io.Reader
}
