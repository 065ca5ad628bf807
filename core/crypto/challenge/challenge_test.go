// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package challenge

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestResponseSolvesCombinedChallenge(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	own, err := NewHalfKey(rand.Reader)
	require.NoError(err)
	ack, err := NewHalfKey(rand.Reader)
	require.NoError(err)

	resp, err := ResponseFromHalfKeys(own, ack)
	require.NoError(err)

	ownC := own.ToChallenge()
	ackC := ack.ToChallenge()
	combined, err := ChallengeFromHintAndShare(&ownC, &ackC)
	require.NoError(err)
	require.Equal(combined, resp.ToChallenge())

	e1, err := combined.ToEthereumChallenge()
	require.NoError(err)
	rc := resp.ToChallenge()
	e2, err := rc.ToEthereumChallenge()
	require.NoError(err)
	require.Equal(e1, e2)

	// A different ack key must not solve it.
	wrong, err := NewHalfKey(rand.Reader)
	require.NoError(err)
	resp2, err := ResponseFromHalfKeys(own, wrong)
	require.NoError(err)
	require.NotEqual(combined, resp2.ToChallenge())
}

func TestSerialization(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k, err := NewHalfKey(rand.Reader)
	require.NoError(err)
	b := k.Bytes()
	k2, err := HalfKeyFromBytes(b[:])
	require.NoError(err)
	require.Equal(k.ToChallenge(), k2.ToChallenge())

	c := k.ToChallenge()
	c2, err := HalfKeyChallengeFromBytes(c[:])
	require.NoError(err)
	require.Equal(c, c2)

	_, err = HalfKeyFromBytes(make([]byte, HalfKeyLength))
	require.ErrorIs(err, ErrInvalidScalar)

	bogus := make([]byte, PointLength)
	bogus[0] = 0x02
	for i := range bogus[1:] {
		bogus[1+i] = 0xff
	}
	_, err = HalfKeyChallengeFromBytes(bogus)
	require.ErrorIs(err, ErrInvalidPublicKey)
}
