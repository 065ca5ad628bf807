// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package interaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/crypto/challenge"
)

// ErrRetry is returned when the input queue is full.
var ErrRetry = errors.New("interaction: queue is full, retry later")

// TransportError is returned when a packet could not be handed over or its
// sending could not be confirmed.
type TransportError struct {
	Msg string
}

func (e *TransportError) Error() string {
	return "interaction: transport error: " + e.Msg
}

// Finalizer is fulfilled once an outgoing packet was created, with the
// challenge the first hop's acknowledgement will solve.
type Finalizer struct {
	sync.Mutex

	ch    chan challenge.HalfKeyChallenge
	spent bool
	log   *logging.Logger
}

func newFinalizer(log *logging.Logger) (*Finalizer, *Awaiter) {
	ch := make(chan challenge.HalfKeyChallenge, 1)
	return &Finalizer{ch: ch, log: log}, &Awaiter{ch: ch}
}

// Finalize fulfils the awaiter with c. Only the first call has an effect.
func (f *Finalizer) Finalize(c challenge.HalfKeyChallenge) {
	f.Lock()
	defer f.Unlock()
	if f.spent {
		f.log.Warningf("Finalizer for %v already spent", c)
		return
	}
	f.spent = true
	f.ch <- c
}

// Cancel tells the awaiter the packet will never be sent.
func (f *Finalizer) Cancel() {
	f.Lock()
	defer f.Unlock()
	if f.spent {
		return
	}
	f.spent = true
	close(f.ch)
}

// Awaiter waits for the outcome of SendPacket.
type Awaiter struct {
	ch       <-chan challenge.HalfKeyChallenge
	consumed atomic.Bool
}

// ConsumeAndWait waits up to timeout for the packet to be sent, returning
// the challenge its acknowledgement will solve. An Awaiter can only be
// waited on once.
func (a *Awaiter) ConsumeAndWait(ctx context.Context, timeout time.Duration) (challenge.HalfKeyChallenge, error) {
	if !a.consumed.CompareAndSwap(false, true) {
		return challenge.HalfKeyChallenge{}, &TransportError{Msg: "already consumed"}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c, ok := <-a.ch:
		if !ok {
			return c, &TransportError{Msg: "Canceled"}
		}
		return c, nil
	case <-timer.C:
		return challenge.HalfKeyChallenge{}, &TransportError{Msg: "Timed out on sending a packet"}
	case <-ctx.Done():
		return challenge.HalfKeyChallenge{}, &TransportError{Msg: "Canceled"}
	}
}
