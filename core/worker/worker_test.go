// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w := new(Worker)
	var started int32
	w.GoN(4, func(int) {
		atomic.AddInt32(&started, 1)
		<-w.HaltCh()
	})
	require.False(w.IsHalted())

	w.Halt()
	require.True(w.IsHalted())
	require.Equal(int32(4), atomic.LoadInt32(&started))
	require.Error(w.HaltCtx().Err())

	// Second Halt must not panic on the closed channel.
	w.Halt()
}
