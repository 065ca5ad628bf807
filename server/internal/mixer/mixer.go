// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

// Package mixer implements the relay's mixing delay stage.
package mixer

import (
	"math"
	mRand "math/rand"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/queue"
	"github.com/katzenpost/ticketmix/core/worker"
	"github.com/katzenpost/ticketmix/server/config"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
)

// InboundChannelSize is the capacity of the channel feeding the mixer.
const InboundChannelSize = 1000

type entry[T any] struct {
	v     T
	delay time.Duration
}

// Mixer holds each item for a random delay before handing it to the
// dispatch function, in release time order.
type Mixer[T any] struct {
	worker.Worker

	cfg     *config.Mixer
	log     *logging.Logger
	metrics *instrument.Recorder

	inCh     chan entry[T]
	q        *queue.PriorityQueue[T]
	mRand    *mRand.Rand
	dispatch func(T)

	window   []time.Duration
	windowAt int
}

// New constructs a new mixer, dispatch is called from the mixer's single
// scheduling go routine.
func New[T any](cfg *config.Mixer, log *logging.Logger, metrics *instrument.Recorder, dispatch func(T)) *Mixer[T] {
	m := &Mixer[T]{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		inCh:     make(chan entry[T], InboundChannelSize),
		q:        queue.New[T](),
		mRand:    rand.NewMath(),
		dispatch: dispatch,
		window:   make([]time.Duration, 0, cfg.MetricDelayWindow),
	}
	m.Go(m.worker)
	return m
}

// Delay samples a mixing delay.
func (m *Mixer[T]) Delay() time.Duration {
	d := time.Duration(m.cfg.MinDelay) * time.Millisecond
	if m.cfg.DelayRange > 0 {
		d += time.Duration(m.mRand.Int63n(int64(m.cfg.DelayRange) * int64(time.Millisecond)))
	}
	return d
}

// Mix enqueues v, returning false iff the mixer was halted.
func (m *Mixer[T]) Mix(v T) bool {
	return m.MixWithDelay(v, -1)
}

// MixWithDelay enqueues v to be released after delay, or after a random
// delay if delay is negative.
func (m *Mixer[T]) MixWithDelay(v T, delay time.Duration) bool {
	if m.IsHalted() {
		return false
	}
	select {
	case <-m.HaltCh():
		return false
	case m.inCh <- entry[T]{v: v, delay: delay}:
		return true
	}
}

func (m *Mixer[T]) recordDelay(d time.Duration) {
	if cap(m.window) == 0 {
		return
	}
	if len(m.window) < cap(m.window) {
		m.window = append(m.window, d)
	} else {
		m.window[m.windowAt] = d
		m.windowAt = (m.windowAt + 1) % len(m.window)
	}
	var sum time.Duration
	for _, v := range m.window {
		sum += v
	}
	m.metrics.MixDelay(sum / time.Duration(len(m.window)))
}

func (m *Mixer[T]) enqueue(now time.Time, e entry[T]) {
	delay := e.delay
	if delay < 0 {
		// The delay is sampled here rather than in Mix, as mRand is not
		// safe for concurrent use.
		delay = m.Delay()
	}
	m.recordDelay(delay)
	m.q.Enqueue(uint64(now.Add(delay).UnixNano()), e.v)

	if maxCapacity := m.cfg.MaxQueueSize; maxCapacity > 0 && m.q.Len() > maxCapacity {
		m.q.DequeueRandom(m.mRand)
		m.log.Debugf("Dropping packet: queue size limit reached (%v)", maxCapacity)
		m.metrics.PacketDropped(instrument.DropMixer)
	}
	m.metrics.MixQueueSize(m.q.Len())
}

func (m *Mixer[T]) worker() {
	timerSlack := time.Duration(m.cfg.Slack) * time.Millisecond
	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	for {
		var timerFired bool
		// The mixer is idle most of the time, waiting on new items or for
		// the head of the queue to become eligible for release.
		select {
		case <-m.HaltCh():
			m.log.Debugf("Terminating gracefully.")
			return
		case e := <-m.inCh:
			m.enqueue(time.Now(), e)
		case <-timer.C:
			timerFired = true
		}

		// Dispatch items if possible and reschedule the next wakeup.
		if !timerFired && !timer.Stop() {
			<-timer.C
		}

		nrBurst := 0
		for {
			head := m.q.Peek()
			if head == nil {
				// Woken up by the next enqueue.
				timer.Reset(math.MaxInt64)
				break
			}

			now := time.Now()
			dispatchAt := time.Unix(0, int64(head.Priority))
			if dispatchAt.After(now) {
				timer.Reset(dispatchAt.Sub(now))
				break
			}
			if nrBurst = nrBurst + 1; nrBurst > m.cfg.MaxBurst {
				// Keep the inbound channel from backing up.
				timer.Reset(1 * time.Microsecond)
				break
			}

			m.q.Pop()
			m.metrics.MixQueueSize(m.q.Len())
			if late := now.Sub(dispatchAt); late > timerSlack {
				m.log.Debugf("Dropping packet: deadline blown by %v", late)
				m.metrics.PacketDropped(instrument.DropMixer)
				continue
			}
			m.dispatch(head.Value)
		}
	}
}
