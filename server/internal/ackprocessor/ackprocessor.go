// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package ackprocessor matches acknowledgements with the packets they
// acknowledge, turning relayed packets' tickets into acknowledged tickets.
package ackprocessor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/channels"
	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/tickets"
	"github.com/katzenpost/ticketmix/core/worker"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
)

const (
	minSweepInterval = time.Second
	eventQueueSize   = 1024
)

// ErrUnknownAcknowledgement is returned for acknowledgements no packet is
// waiting for.
var ErrUnknownAcknowledgement = errors.New("ackprocessor: unexpected acknowledgement")

// DB is where acknowledged tickets end up.
type DB interface {
	ChannelBetween(source, destination common.Address) (*channels.Entry, error)
	StoreAcknowledged(t *tickets.AcknowledgedTicket) error
	RejectTicket(t *tickets.Ticket, reason error) error
}

// Event is the outcome of an acknowledgement.
type Event interface {
	isEvent()
}

// SenderAcknowledged is emitted when the first hop of a packet this node
// sent acknowledged it.
type SenderAcknowledged struct {
	Challenge challenge.HalfKeyChallenge
}

func (*SenderAcknowledged) isEvent() {}

// TicketAcknowledged is emitted when the ticket for a relayed packet was
// solved.
type TicketAcknowledged struct {
	Ticket  *tickets.AcknowledgedTicket
	Winning bool
}

func (*TicketAcknowledged) isEvent() {}

type pendingCtx struct {
	id        uint64
	challenge challenge.HalfKeyChallenge
	deadline  time.Time
	value     tickets.PendingAcknowledgement

	deadlineNode *avl.Node
}

// AckProcessor holds pending acknowledgements until they are resolved or
// time out.
type AckProcessor struct {
	worker.Worker
	sync.Mutex

	db              DB
	chainKey        *chain.Keypair
	domainSeparator *common.Hash
	timeout         time.Duration
	metrics         *instrument.Recorder
	log             *logging.Logger

	deadlines *avl.Tree
	pending   map[challenge.HalfKeyChallenge]*pendingCtx
	nextID    uint64

	eventCh    chan Event
	fatalErrCh chan<- error
}

// StorePending records p as waiting for the acknowledgement solving c.
func (a *AckProcessor) StorePending(c challenge.HalfKeyChallenge, p tickets.PendingAcknowledgement) {
	a.Lock()
	defer a.Unlock()

	if old := a.pending[c]; old != nil {
		a.deadlines.Remove(old.deadlineNode)
	}
	ctx := &pendingCtx{
		id:        a.nextID,
		challenge: c,
		deadline:  time.Now().Add(a.timeout),
		value:     p,
	}
	a.nextID++
	ctx.deadlineNode = a.deadlines.Insert(ctx)
	if ctx.deadlineNode.Value.(*pendingCtx) != ctx {
		panic("ackprocessor: BUG - inserting pending ack failed, duplicate deadline+id?")
	}
	a.pending[c] = ctx
}

func (a *AckProcessor) loadAndDelete(c challenge.HalfKeyChallenge) tickets.PendingAcknowledgement {
	a.Lock()
	defer a.Unlock()

	ctx := a.pending[c]
	if ctx == nil {
		return nil
	}
	delete(a.pending, c)
	a.deadlines.Remove(ctx.deadlineNode)
	ctx.deadlineNode = nil
	return ctx.value
}

// Len returns the number of pending acknowledgements.
func (a *AckProcessor) Len() int {
	a.Lock()
	defer a.Unlock()
	return len(a.pending)
}

// Events returns the channel acknowledgement outcomes are emitted on.
func (a *AckProcessor) Events() <-chan Event {
	return a.eventCh
}

// HandleAcknowledgement processes an acknowledgement received from peer.
func (a *AckProcessor) HandleAcknowledgement(ack *tickets.Acknowledgement, peer offchain.PublicKey) (Event, error) {
	if err := ack.Validate(peer); err != nil {
		return nil, err
	}
	c := ack.AckChallenge()
	p := a.loadAndDelete(c)
	if p == nil {
		return nil, fmt.Errorf("%w: challenge %v from %v", ErrUnknownAcknowledgement, c, peer)
	}

	var ev Event
	switch v := p.(type) {
	case tickets.WaitingAsSender:
		a.log.Debugf("Packet %v acknowledged by the first hop", c)
		ev = &SenderAcknowledged{Challenge: c}
	case *tickets.WaitingAsRelayer:
		acked, err := a.acknowledgeTicket(v.Ticket, ack.AckKeyShare())
		if err != nil {
			return nil, err
		}
		ev = acked
	default:
		panic(fmt.Sprintf("ackprocessor: BUG - unknown pending acknowledgement %T", p))
	}

	select {
	case a.eventCh <- ev:
	default:
		a.log.Warningf("Event queue full, dropping %T", ev)
	}
	return ev, nil
}

func (a *AckProcessor) acknowledgeTicket(u *tickets.UnacknowledgedTicket, share *challenge.HalfKey) (*TicketAcknowledged, error) {
	t := u.Ticket()
	issuer := u.Verified().Issuer()
	reject := func(err error) (*TicketAcknowledged, error) {
		a.metrics.TicketRejected()
		if rerr := a.db.RejectTicket(t, err); rerr != nil {
			a.fatal(fmt.Errorf("failed to record rejected ticket %v: %w", t.ID(), rerr))
		}
		return nil, err
	}

	// The channel may have moved on while the packet was in flight.
	ch, err := a.db.ChannelBetween(issuer, a.chainKey.Address())
	switch {
	case err != nil && !errors.Is(err, channels.ErrChannelNotFound):
		return nil, err
	case err == nil && ch.Epoch != t.ChannelEpoch():
		return reject(fmt.Errorf("%w: channel from %v is at epoch %d, ticket has %d", channels.ErrChannelNotFound, issuer, ch.Epoch, t.ChannelEpoch()))
	}

	acked, err := u.Acknowledge(share)
	if err != nil {
		a.log.Warningf("Acknowledgement does not solve ticket %v: %v", t.ID(), err)
		return reject(err)
	}
	if err = a.db.StoreAcknowledged(acked); err != nil {
		a.fatal(fmt.Errorf("failed to store acknowledged ticket %v: %w", t.ID(), err))
		return nil, err
	}
	a.metrics.TicketAcknowledged()

	ev := &TicketAcknowledged{Ticket: acked}
	if a.domainSeparator != nil {
		if ev.Winning, err = acked.IsWinning(a.chainKey, *a.domainSeparator); err != nil {
			a.log.Errorf("Failed to check ticket %v: %v", t.ID(), err)
		} else if ev.Winning {
			a.metrics.TicketWinning()
			a.log.Noticef("Winning ticket %v worth %v", t.ID(), t.Amount().Dec())
		}
	}
	return ev, nil
}

func (a *AckProcessor) fatal(err error) {
	a.log.Errorf("%v", err)
	select {
	case a.fatalErrCh <- err:
	default:
	}
}

func (a *AckProcessor) sweep() {
	a.Lock()
	defer a.Unlock()

	if a.deadlines.Len() == 0 {
		return
	}

	now := time.Now()
	var swept int
	iter := a.deadlines.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		ctx := node.Value.(*pendingCtx)
		if ctx.deadline.After(now) {
			break
		}
		delete(a.pending, ctx.challenge)
		if _, ok := ctx.value.(*tickets.WaitingAsRelayer); ok {
			a.log.Debugf("Sweep: ticket for packet %v was never acknowledged", ctx.challenge)
		}
		swept++
		// The iterator allows removing the current node.
		a.deadlines.Remove(node)
	}
	a.log.Debugf("Sweep: Count: %v (Removed: %v, Elapsed: %v)", len(a.pending), swept, time.Since(now))
}

func (a *AckProcessor) worker() {
	interval := max(a.timeout/4, minSweepInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.HaltCh():
			a.log.Debugf("Terminating gracefully.")
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// New returns an AckProcessor that forgets pending acknowledgements after
// timeout. Unrecoverable accounting errors are sent on fatalErrCh.
func New(db DB, chainKey *chain.Keypair, domainSeparator *common.Hash, timeout time.Duration, metrics *instrument.Recorder, log *logging.Logger, fatalErrCh chan<- error) *AckProcessor {
	a := &AckProcessor{
		db:              db,
		chainKey:        chainKey,
		domainSeparator: domainSeparator,
		timeout:         timeout,
		metrics:         metrics,
		log:             log,
		deadlines: avl.New(func(a, b interface{}) int {
			ctxA, ctxB := a.(*pendingCtx), b.(*pendingCtx)
			switch {
			case ctxB.deadline.After(ctxA.deadline):
				return -1
			case ctxA.deadline.After(ctxB.deadline):
				return 1
			case ctxA.id < ctxB.id:
				return -1
			case ctxA.id > ctxB.id:
				return 1
			default:
				return 0
			}
		}),
		pending:    make(map[challenge.HalfKeyChallenge]*pendingCtx),
		eventCh:    make(chan Event, eventQueueSize),
		fatalErrCh: fatalErrCh,
	}
	a.Go(a.worker)
	return a
}
