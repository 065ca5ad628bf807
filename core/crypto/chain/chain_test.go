// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package chain

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestSignRecover(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k, err := NewKeypair(rand.Reader)
	require.NoError(err)
	other, err := NewKeypair(rand.Reader)
	require.NoError(err)

	for i := 0; i < 16; i++ {
		h := crypto.Keccak256Hash([]byte{byte(i)})
		sig := k.Sign(h)

		addr, err := sig.Recover(h)
		require.NoError(err)
		require.Equal(k.Address(), addr)
		require.NoError(sig.Verify(h, k.Address()))
		require.ErrorIs(sig.Verify(h, other.Address()), ErrSignatureVerification)

		parsed, err := SignatureFromBytes(sig[:])
		require.NoError(err)
		require.Equal(sig, parsed)
	}

	_, err = SignatureFromBytes(make([]byte, 65))
	require.ErrorIs(err, ErrInvalidSignature)
}

func TestKeypairPersistence(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k, err := NewKeypair(rand.Reader)
	require.NoError(err)

	f := filepath.Join(t.TempDir(), "chain.key")
	require.NoError(k.Save(f))
	loaded, err := LoadKeypair(f)
	require.NoError(err)
	require.Equal(k.Address(), loaded.Address())
	require.Equal(k.Secret(), loaded.Secret())
	require.Len(k.PublicKey(), 33)

	_, err = KeypairFromSecret(make([]byte, SecretLength))
	require.Error(err)
}

func TestParseAddress(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	addr, err := ParseAddress("0x4331eaa9542b6b034c43090d9ec1c2198758dbc3")
	require.NoError(err)
	require.Equal("0x4331eaa9542b6b034c43090d9ec1c2198758dbc3", strings.ToLower(addr.Hex()))

	_, err = ParseAddress("0x1234")
	require.Error(err)
}
