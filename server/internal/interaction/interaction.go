// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package interaction implements the relay's packet pipeline: packets to
// send, relay and receive go in, packets and acknowledgements for the link
// layer come out.
package interaction

import (
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/tickets"
	"github.com/katzenpost/ticketmix/server/internal/glue"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
	"github.com/katzenpost/ticketmix/server/internal/mixer"
	"github.com/katzenpost/ticketmix/server/internal/packet"
	"github.com/katzenpost/ticketmix/server/internal/tagfilter"
)

// ReplayFile is the name of the replay tag database in DataDir.
const ReplayFile = "replay.db"

// MsgToProcess is an item entering the pipeline.
type MsgToProcess interface {
	isMsgToProcess()
}

// ToReceive is a packet received from Peer.
type ToReceive struct {
	Data []byte
	Peer offchain.PublicKey
}

// ToSend is application data to be sent along Path.
type ToSend struct {
	Data      *packet.ApplicationData
	Path      []offchain.PublicKey
	Finalizer *Finalizer
}

// ToForward is a packet received from Peer, to be relayed.
type ToForward struct {
	Data []byte
	Peer offchain.PublicKey
}

func (*ToReceive) isMsgToProcess() {}
func (*ToSend) isMsgToProcess()    {}
func (*ToForward) isMsgToProcess() {}

// MsgProcessed is an item leaving the pipeline.
type MsgProcessed interface {
	isMsgProcessed()
}

// Receive is application data addressed to this node. Ack goes back to
// Peer.
type Receive struct {
	Peer offchain.PublicKey
	Data *packet.ApplicationData
	Ack  *tickets.Acknowledgement
}

// Send is a packet created by this node, to be sent to Peer.
type Send struct {
	Peer offchain.PublicKey
	Data []byte
}

// Forward is a relayed packet to be sent to Peer. Ack goes back to
// PreviousPeer.
type Forward struct {
	Peer         offchain.PublicKey
	Data         []byte
	PreviousPeer offchain.PublicKey
	Ack          *tickets.Acknowledgement
}

func (*Receive) isMsgProcessed() {}
func (*Send) isMsgProcessed()    {}
func (*Forward) isMsgProcessed() {}

// PacketActions hands packets to the pipeline without blocking.
type PacketActions struct {
	sync.RWMutex

	queue  chan MsgToProcess
	closed bool
	log    *logging.Logger
}

func (a *PacketActions) enqueue(m MsgToProcess) error {
	a.RLock()
	defer a.RUnlock()

	if a.closed {
		return &TransportError{Msg: "queue is closed"}
	}
	select {
	case a.queue <- m:
		return nil
	default:
		return ErrRetry
	}
}

// SendPacket queues data to be sent along path, the last entry of which is
// the destination.
func (a *PacketActions) SendPacket(data *packet.ApplicationData, path []offchain.PublicKey) (*Awaiter, error) {
	f, aw := newFinalizer(a.log)
	if err := a.enqueue(&ToSend{Data: data, Path: path, Finalizer: f}); err != nil {
		return nil, err
	}
	return aw, nil
}

// ForwardPacket queues a packet from peer for relaying.
func (a *PacketActions) ForwardPacket(data []byte, peer offchain.PublicKey) error {
	return a.enqueue(&ToForward{Data: data, Peer: peer})
}

// ReceivePacket queues a packet received from peer.
func (a *PacketActions) ReceivePacket(data []byte, peer offchain.PublicKey) error {
	return a.enqueue(&ToReceive{Data: data, Peer: peer})
}

// Close stops accepting packets.
func (a *PacketActions) Close() {
	a.Lock()
	defer a.Unlock()
	a.closed = true
}

// PacketInteraction is the packet pipeline.
type PacketInteraction struct {
	*PacketActions

	glue    glue.Glue
	log     *logging.Logger
	metrics *instrument.Recorder

	filter  *tagfilter.Filter
	mixer   *mixer.Mixer[MsgProcessed]
	workers []*cryptoWorker

	outCh    chan MsgProcessed
	haltOnce sync.Once
}

// Output returns the channel processed packets are emitted on. It is
// closed once the pipeline is halted.
func (i *PacketInteraction) Output() <-chan MsgProcessed {
	return i.outCh
}

func (i *PacketInteraction) emit(m MsgProcessed) {
	select {
	case i.outCh <- m:
	default:
		i.log.Warningf("Output queue full, dropping %T", m)
		i.metrics.PacketDropped(instrument.DropQueueFull)
		return
	}
	switch m.(type) {
	case *Send:
		i.metrics.PacketSent()
	case *Forward:
		i.metrics.PacketForwarded()
	}
}

func (i *PacketInteraction) mix(m MsgProcessed) {
	if !i.mixer.Mix(m) {
		i.log.Debugf("Dropping %T: mixer halted", m)
		i.metrics.PacketDropped(instrument.DropMixer)
	}
}

// Halt stops the pipeline and closes the output channel.
func (i *PacketInteraction) Halt() {
	i.haltOnce.Do(func() {
		i.Close()
		for _, w := range i.workers {
			w.Halt()
		}
		i.mixer.Halt()
		if err := i.filter.Close(); err != nil {
			i.log.Errorf("Failed to close the replay filter: %v", err)
		}
		close(i.outCh)
	})
}

// New constructs the pipeline and starts its workers.
func New(g glue.Glue) (*PacketInteraction, error) {
	cfg := g.Config()
	var replayPath string
	if cfg.Server != nil && cfg.Server.DataDir != "" {
		replayPath = filepath.Join(cfg.Server.DataDir, ReplayFile)
	}
	filter, err := tagfilter.New(replayPath, cfg.Debug.BloomFilterSize, g.LogBackend().GetLogger("tagfilter"))
	if err != nil {
		return nil, err
	}

	log := g.LogBackend().GetLogger("interaction")
	i := &PacketInteraction{
		PacketActions: &PacketActions{
			queue: make(chan MsgToProcess, cfg.Relay.QueueSize),
			log:   log,
		},
		glue:    g,
		log:     log,
		metrics: g.Metrics(),
		filter:  filter,
		outCh:   make(chan MsgProcessed, cfg.Relay.OutputQueueSize),
	}
	i.mixer = mixer.New[MsgProcessed](cfg.Mixer, g.LogBackend().GetLogger("mixer"), g.Metrics(), i.emit)
	for id := 0; id < cfg.Relay.NumWorkers; id++ {
		i.workers = append(i.workers, newCryptoWorker(i, id))
	}
	return i, nil
}
