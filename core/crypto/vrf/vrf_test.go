// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package vrf

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
)

func TestDeriveVerify(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k, err := chain.NewKeypair(rand.Reader)
	require.NoError(err)
	other, err := chain.NewKeypair(rand.Reader)
	require.NoError(err)

	msg := []byte("some ticket hash, 32 bytes long!")
	dst := make([]byte, 32)

	p, err := Derive(rand.Reader, msg, k, dst)
	require.NoError(err)
	require.NoError(p.Verify(k.Address(), msg, dst))

	require.ErrorIs(p.Verify(other.Address(), msg, dst), ErrVerification)
	require.ErrorIs(p.Verify(k.Address(), []byte("another message"), dst), ErrVerification)
	require.ErrorIs(p.Verify(k.Address(), msg, []byte("other dst")), ErrVerification)

	// V is deterministic in (key, msg, dst), the proof is not.
	p2, err := Derive(rand.Reader, msg, k, dst)
	require.NoError(err)
	require.Equal(p.V, p2.V)
	require.NotEqual(p.S, p2.S)

	v, err := p.VUncompressed()
	require.NoError(err)
	require.Len(v, 65)

	decoded, err := FromBytes(p.Bytes())
	require.NoError(err)
	require.Equal(p, decoded)
	require.NoError(decoded.Verify(k.Address(), msg, dst))

	p.S[31] ^= 1
	require.ErrorIs(p.Verify(k.Address(), msg, dst), ErrVerification)
}
