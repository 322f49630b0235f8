// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	frameHdrLen = 4

	// MaxFrameCount is the largest number of frames a frame set may carry.
	MaxFrameCount = 16
)

var (
	// ErrFramesTooLarge is returned when a frame set exceeds the size limit
	// of the reader or writer.  The stream is no longer usable.
	ErrFramesTooLarge = errors.New("wire/frames: frame set too large")

	// ErrMalformedFrames is returned when a correctly delimited frame set
	// can not be decoded.  The stream stays in sync and may be read again.
	ErrMalformedFrames = errors.New("wire/frames: malformed frame set")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: MaxFrameCount,
		MaxNestedLevels:  4,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Frames is a multipart message: an ordered list of opaque frames.  The
// meaning of each frame (and of the frame count) is up to the protocol
// carried on top.
type Frames [][]byte

// NewFrames builds a frame set from strings.
func NewFrames(parts ...string) Frames {
	f := make(Frames, 0, len(parts))
	for _, p := range parts {
		f = append(f, []byte(p))
	}
	return f
}

// MarshalBinary serializes the frame set as a CBOR array of byte strings.
func (f Frames) MarshalBinary() ([]byte, error) {
	if len(f) > MaxFrameCount {
		return nil, ErrFramesTooLarge
	}
	raw := make([][]byte, len(f))
	for i, v := range f {
		if v == nil {
			v = []byte{}
		}
		raw[i] = v
	}
	return encMode.Marshal(raw)
}

// FramesFromBytes deserializes a frame set.
func FramesFromBytes(b []byte) (Frames, error) {
	var raw [][]byte
	if err := decMode.Unmarshal(b, &raw); err != nil {
		return nil, ErrMalformedFrames
	}
	return Frames(raw), nil
}

// WriteFrames writes f to w as a big endian uint32 length followed by the
// serialized frame set, in a single Write.
func WriteFrames(w io.Writer, f Frames, maxLen int) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if len(b) > maxLen {
		return ErrFramesTooLarge
	}
	buf := make([]byte, frameHdrLen, frameHdrLen+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	buf = append(buf, b...)
	_, err = w.Write(buf)
	return err
}

// ReadFrames reads one length delimited frame set from r.  A frame set that
// is delimited correctly but does not decode yields ErrMalformedFrames and
// leaves r positioned at the next frame set.
func ReadFrames(r io.Reader, maxLen int) (Frames, error) {
	var hdr [frameHdrLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint32(hdr[:])
	if uint64(l) > uint64(maxLen) {
		return nil, ErrFramesTooLarge
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return FramesFromBytes(b)
}
