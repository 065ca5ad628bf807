// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package mixer

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ticketmix/core/log"
	"github.com/katzenpost/ticketmix/server/config"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
)

type released struct {
	id int
	at time.Time
}

func newTestMixer(t *testing.T, cfg *config.Mixer) (*Mixer[int], chan released) {
	backend, err := log.NewWithWriter(os.Stderr, "DEBUG")
	require.NoError(t, err)
	ch := make(chan released, 64)
	m := New(cfg, backend.GetLogger("mixer"), instrument.New(), func(id int) {
		ch <- released{id, time.Now()}
	})
	t.Cleanup(m.Halt)
	return m, ch
}

func TestMixerOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, ch := newTestMixer(t, &config.Mixer{MaxBurst: 16, Slack: 1000, MetricDelayWindow: 4})

	start := time.Now()
	delays := []time.Duration{300, 100, 200, 0}
	for i, d := range delays {
		require.True(m.MixWithDelay(i, d*time.Millisecond))
	}

	var order []int
	for range delays {
		select {
		case r := <-ch:
			order = append(order, r.id)
			require.GreaterOrEqual(r.at.Sub(start), delays[r.id]*time.Millisecond)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for release")
		}
	}
	require.Equal([]int{3, 1, 2, 0}, order)
}

func TestMixerDelayBounds(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := &config.Mixer{MinDelay: 5, DelayRange: 20, MaxBurst: 16, Slack: 1000}
	m, ch := newTestMixer(t, cfg)

	for i := 0; i < 1000; i++ {
		d := m.Delay()
		require.GreaterOrEqual(d, 5*time.Millisecond)
		require.Less(d, 25*time.Millisecond)
	}

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.True(m.Mix(i))
	}
	for i := 0; i < 10; i++ {
		select {
		case r := <-ch:
			require.GreaterOrEqual(r.at.Sub(start), 5*time.Millisecond)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for release")
		}
	}
}

func TestMixerHalt(t *testing.T) {
	t.Parallel()

	m, _ := newTestMixer(t, &config.Mixer{MaxBurst: 1, Slack: 1000})
	m.Halt()
	require.False(t, m.Mix(1))
}
