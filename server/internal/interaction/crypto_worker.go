// crypto_worker.go - ticketmix relay crypto worker.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package interaction

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/tickets"
	"github.com/katzenpost/ticketmix/core/worker"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
	"github.com/katzenpost/ticketmix/server/internal/packet"
	"github.com/katzenpost/ticketmix/server/internal/tagfilter"
)

// cryptoWorker is a pipeline worker instance. Packets are unwrapped and
// their tickets processed by as many workers as configured.
type cryptoWorker struct {
	worker.Worker

	i   *PacketInteraction
	log *logging.Logger
}

func (w *cryptoWorker) checkReplay(tag []byte) error {
	if err := w.i.filter.Check(tag); err != nil {
		if errors.Is(err, tagfilter.ErrTagReplay) {
			w.i.metrics.PacketReplayed()
		} else {
			w.i.metrics.PacketDropped(instrument.DropReplay)
		}
		return err
	}
	return nil
}

func (w *cryptoWorker) doSend(m *ToSend) {
	proc := w.i.glue.Processor()
	payload, err := m.Data.ToPayload(proc.Codec().Geometry().ForwardPayloadLength)
	if err != nil {
		w.log.Debugf("Dropping outgoing packet: %v", err)
		m.Finalizer.Cancel()
		return
	}
	out, err := proc.NewOutgoing(payload, m.Path)
	if err != nil {
		w.log.Warningf("Failed to create packet over %d hops: %v", len(m.Path), err)
		w.i.metrics.PacketDropped(instrument.DropTicket)
		m.Finalizer.Cancel()
		return
	}
	w.i.glue.AckProcessor().StorePending(out.AckChallenge, tickets.WaitingAsSender{})
	m.Finalizer.Finalize(out.AckChallenge)
	w.i.mix(&Send{Peer: out.NextHop, Data: out.Raw})
}

func (w *cryptoWorker) doIncoming(data []byte, peer offchain.PublicKey) {
	startAt := time.Now()
	proc := w.i.glue.Processor()

	pkt, err := proc.Open(data, peer)
	if err != nil {
		w.log.Debugf("Dropping packet from %v: %v", peer, err)
		w.i.metrics.PacketDropped(instrument.DropDecode)
		return
	}
	w.i.metrics.PacketReceived()
	w.log.Debugf("Packet from %v (Open took: %v)", peer, time.Since(startAt))

	switch p := pkt.(type) {
	case *packet.Final:
		if err = w.checkReplay(p.PacketTag[:]); err != nil {
			w.log.Debugf("Dropping packet from %v: %v", peer, err)
			return
		}
		ad, err := packet.ApplicationDataFromPayload(p.PlainText)
		if err != nil {
			w.log.Debugf("Dropping packet from %v: %v", peer, err)
			w.i.metrics.PacketDropped(instrument.DropDecode)
			return
		}
		w.i.emit(&Receive{Peer: p.PreviousHop, Data: ad, Ack: proc.Acknowledge(p.AckKey)})
	case *packet.Forwarded:
		if err = w.checkReplay(p.PacketTag[:]); err != nil {
			w.log.Debugf("Dropping packet from %v: %v", peer, err)
			return
		}
		next, err := proc.CreateForwardedParts(p)
		if err != nil {
			w.log.Debugf("Dropping packet from %v: %v", peer, err)
			w.i.metrics.PacketDropped(instrument.DropTicket)
			return
		}
		w.i.metrics.RelayProcessingTime(time.Since(startAt))
		w.i.mix(&Forward{
			Peer:         p.NextHop,
			Data:         p.Forward(next.Ticket()),
			PreviousPeer: p.PreviousHop,
			Ack:          proc.Acknowledge(p.AckKey),
		})
	default:
		panic(fmt.Sprintf("BUG: interaction: unexpected packet %T", pkt))
	}
}

func (w *cryptoWorker) worker() {
	for {
		var m MsgToProcess
		select {
		case <-w.HaltCh():
			w.log.Debugf("Terminating gracefully.")
			return
		case m = <-w.i.queue:
		}

		switch v := m.(type) {
		case *ToSend:
			w.doSend(v)
		case *ToReceive:
			w.doIncoming(v.Data, v.Peer)
		case *ToForward:
			w.doIncoming(v.Data, v.Peer)
		default:
			panic(fmt.Sprintf("BUG: interaction: unexpected message %T", m))
		}
	}
}

func newCryptoWorker(i *PacketInteraction, id int) *cryptoWorker {
	w := &cryptoWorker{
		i:   i,
		log: i.glue.LogBackend().GetLogger(fmt.Sprintf("crypto:%d", id)),
	}
	w.Go(w.worker)
	return w
}
