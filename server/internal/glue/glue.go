// glue.go - ticketmix relay internal glue.
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

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/log"
	"github.com/katzenpost/ticketmix/core/tickets"
	"github.com/katzenpost/ticketmix/server/config"
	"github.com/katzenpost/ticketmix/server/internal/ackprocessor"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
	"github.com/katzenpost/ticketmix/server/internal/packet"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	Metrics() *instrument.Recorder
	PacketKey() *offchain.Keypair

	Processor() Processor
	AckProcessor() AckProcessor
	Interaction() Interaction
	Link() Link

	// FatalErrCh is where components report errors the relay can't
	// recover from.
	FatalErrCh() chan<- error
}

type Processor interface {
	Codec() *packet.Codec
	NewOutgoing([]byte, []offchain.PublicKey) (*packet.Outgoing, error)
	Open([]byte, offchain.PublicKey) (packet.Packet, error)
	CreateForwardedParts(*packet.Forwarded) (*tickets.VerifiedTicket, error)
	Acknowledge(*challenge.HalfKey) *tickets.Acknowledgement
}

type AckProcessor interface {
	Halt()
	StorePending(challenge.HalfKeyChallenge, tickets.PendingAcknowledgement)
	HandleAcknowledgement(*tickets.Acknowledgement, offchain.PublicKey) (ackprocessor.Event, error)
	Events() <-chan ackprocessor.Event
}

type Interaction interface {
	Halt()
	Close()
	ReceivePacket([]byte, offchain.PublicKey) error
	ForwardPacket([]byte, offchain.PublicKey) error
}

type Link interface {
	Halt()
	SendPacket(offchain.PublicKey, []byte) error
	SendAck(offchain.PublicKey, *tickets.Acknowledgement) error
}
