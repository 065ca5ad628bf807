// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWinProbVectors(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	vectors := []struct {
		p   float64
		enc WinningProbability
	}{
		{0.5, WinningProbability{0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{0.25, WinningProbability{0x3f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{0.125, WinningProbability{0x1f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{0, NeverWinning},
		{1, AlwaysWinning},
	}
	for _, v := range vectors {
		w, err := WinProbFromFloat64(v.p)
		require.NoError(err)
		require.Equal(v.enc, w, "p = %v", v.p)
		require.Equal(v.p, w.AsFloat64())
	}
}

func TestWinProbRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	for i := 0; i <= 1000; i++ {
		p := float64(i) / 1000
		w, err := WinProbFromFloat64(p)
		require.NoError(err)
		require.InDelta(p, w.AsFloat64(), Epsilon)
	}

	w, err := WinProbFromFloat64(Epsilon)
	require.NoError(err)
	require.True(NeverWinning.ApproxEq(w))
}

func TestWinProbMonotone(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	prev := NeverWinning
	for p := 100 * Epsilon; p < 1; p += 100 * Epsilon * 997 {
		w, err := WinProbFromFloat64(p)
		require.NoError(err)
		require.Equal(1, w.ApproxCmp(prev), "p = %v", p)
		require.Greater(w.AsLuck(), prev.AsLuck())
		prev = w
	}
	require.Equal(-1, prev.ApproxCmp(AlwaysWinning))
	require.Equal(0, AlwaysWinning.ApproxCmp(AlwaysWinning))
}

func TestWinProbInvalid(t *testing.T) {
	t.Parallel()

	for _, p := range []float64{-0.1, 1.0001, math.NaN(), math.Inf(1)} {
		_, err := WinProbFromFloat64(p)
		assert.ErrorIs(t, err, ErrInvalidInputData, "p = %v", p)
	}

	_, err := WinProbFromBytes(make([]byte, WinProbLength+1))
	assert.ErrorIs(t, err, ErrInvalidInputData)
}
