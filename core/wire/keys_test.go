// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublicKeyBase64(t *testing.T) {
	require := require.New(t)

	pub, _, err := DefaultScheme.GenerateKeyPair()
	require.NoError(err)

	s := PublicKeyToBase64(pub)
	pub2, err := PublicKeyFromBase64(s)
	require.NoError(err)
	require.Equal(pub.Bytes(), pub2.Bytes())

	_, err = PublicKeyFromBase64("not base64!")
	require.Error(err)
	_, err = PublicKeyFromBase64("AAAA")
	require.Error(err)
	_, err = PublicKeyFromBytes(nil)
	require.Error(err)
}
