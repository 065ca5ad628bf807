// packet.go - Relay packet states.
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

// Package packet implements the relay's packets: an onion followed by the
// ticket paying the hop that receives it.
package packet

import (
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/sphinx"
	"github.com/katzenpost/ticketmix/core/sphinx/commands"
	"github.com/katzenpost/ticketmix/core/sphinx/por"
	"github.com/katzenpost/ticketmix/core/tickets"
)

var (
	// ErrPacketDecoding is returned for packets that can't be parsed or
	// unwrapped.
	ErrPacketDecoding = errors.New("packet: decoding failed")

	// ErrPacketConstruction is returned when a packet can't be created.
	ErrPacketConstruction = errors.New("packet: construction failed")
)

// Length returns the length of a packet on the wire for geometry g.
func Length(g *sphinx.Geometry) int {
	return g.PacketLength + tickets.WireLength
}

// Packet is a packet in one of its three states.
type Packet interface {
	isPacket()
}

// Outgoing is a packet created by this node.
type Outgoing struct {
	NextHop offchain.PublicKey

	// AckChallenge is solved by the first hop's acknowledgement.
	AckChallenge challenge.HalfKeyChallenge

	// Raw is the packet ready to be sent to NextHop.
	Raw []byte
}

func (*Outgoing) isPacket() {}

// Forwarded is a packet this node relays.
type Forwarded struct {
	PreviousHop offchain.PublicKey
	NextHop     offchain.PublicKey

	// AckChallenge is solved by the next hop's acknowledgement.
	AckChallenge challenge.HalfKeyChallenge

	// OwnKey is this hop's half key of the incoming ticket's challenge.
	OwnKey *challenge.HalfKey

	// AckKey is the key share acknowledging the packet to PreviousHop.
	AckKey *challenge.HalfKey

	// PathPos is the number of relays the incoming ticket pays for.
	PathPos uint8

	PacketTag [sphinx.ReplayTagLength]byte

	// Ticket pays this hop.
	Ticket *tickets.Ticket

	// NextTicketChallenge is the challenge of the ticket for NextHop.
	NextTicketChallenge challenge.EthereumChallenge

	onion []byte
}

func (*Forwarded) isPacket() {}

// Forward returns the packet for the next hop, carrying ticket.
func (f *Forwarded) Forward(ticket *tickets.Ticket) []byte {
	return assemble(f.onion, ticket)
}

// Final is a packet destined to this node.
type Final struct {
	PreviousHop offchain.PublicKey
	PlainText   []byte
	PacketTag   [sphinx.ReplayTagLength]byte

	// AckKey is the key share acknowledging the packet to PreviousHop.
	AckKey *challenge.HalfKey

	Ticket *tickets.Ticket
}

func (*Final) isPacket() {}

func assemble(onion []byte, ticket *tickets.Ticket) []byte {
	b := make([]byte, 0, len(onion)+tickets.WireLength)
	b = append(b, onion...)
	return append(b, ticket.Bytes()...)
}

// Codec creates and opens packets for the node holding key.
type Codec struct {
	sphinx *sphinx.Sphinx
	key    *offchain.Keypair
}

// NewCodec returns a codec for geometry g.
func NewCodec(g *sphinx.Geometry, key *offchain.Keypair) *Codec {
	return &Codec{
		sphinx: sphinx.NewSphinx(g),
		key:    key,
	}
}

// Geometry returns the onion geometry.
func (c *Codec) Geometry() *sphinx.Geometry {
	return c.sphinx.Geometry()
}

// TicketFunc creates the ticket for the first hop of a new packet with
// the given challenge.
type TicketFunc func(challenge.EthereumChallenge) (*tickets.Ticket, error)

// NewOutgoing creates a packet carrying payload along path, the last entry
// of which is the destination. newTicket is called once the Proof-of-Relay
// values are known.
func (c *Codec) NewOutgoing(r io.Reader, payload []byte, path []offchain.PublicKey, newTicket TicketFunc) (*Outgoing, error) {
	nrHops := len(path)
	if nrHops == 0 || nrHops > c.Geometry().NrHops {
		return nil, fmt.Errorf("%w: invalid path length %d", ErrPacketConstruction, nrHops)
	}

	pubKeys := make([][sphinx.GroupElementLength]byte, nrHops)
	hops := make([]*sphinx.PathHop, nrHops)
	for i, pk := range path {
		dh, err := pk.ToX25519()
		if err != nil {
			return nil, fmt.Errorf("%w: hop %d: %v", ErrPacketConstruction, i, err)
		}
		pubKeys[i] = dh
		hops[i] = &sphinx.PathHop{ID: pk, PublicKey: dh}
	}

	keys, err := c.sphinx.NewSharedKeys(r, pubKeys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketConstruction, err)
	}
	defer keys.Reset()
	secrets := keys.Secrets()

	// Every hop but the destination relays, and gets its Proof-of-Relay
	// string along with the number of relays its ticket pays for.
	for j := 0; j < nrHops-1; j++ {
		var nextNext []byte
		if j+2 < nrHops {
			nextNext = secrets[j+2]
		}
		s, err := por.NewString(r, secrets[j+1], nextNext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPacketConstruction, err)
		}
		hops[j].Commands = []commands.RoutingCommand{
			&commands.RelayProof{Proof: s},
			&commands.PathPosition{Position: uint8(nrHops - 1 - j)},
		}
	}

	var s1 []byte
	if nrHops > 1 {
		s1 = secrets[1]
	}
	values, err := por.NewValues(r, secrets[0], s1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketConstruction, err)
	}

	onion, err := c.sphinx.NewPacket(r, keys, hops, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketConstruction, err)
	}
	ticket, err := newTicket(values.TicketChallenge)
	if err != nil {
		return nil, err
	}
	return &Outgoing{
		NextHop:      path[0],
		AckChallenge: values.AckChallenge,
		Raw:          assemble(onion, ticket),
	}, nil
}

type hopCommands struct {
	nextNodeHop  *commands.NextNodeHop
	relayProof   *commands.RelayProof
	pathPosition *commands.PathPosition
}

func (h *hopCommands) split(cmds []commands.RoutingCommand) error {
	for _, v := range cmds {
		switch cmd := v.(type) {
		case *commands.NextNodeHop:
			if h.nextNodeHop != nil {
				return newRedundantError(cmd)
			}
			h.nextNodeHop = cmd
		case *commands.RelayProof:
			if h.relayProof != nil {
				return newRedundantError(cmd)
			}
			h.relayProof = cmd
		case *commands.PathPosition:
			if h.pathPosition != nil {
				return newRedundantError(cmd)
			}
			h.pathPosition = cmd
		default:
			return fmt.Errorf("unknown command type: %T", v)
		}
	}
	return nil
}

func newRedundantError(cmd commands.RoutingCommand) error {
	return fmt.Errorf("redundant command: %T", cmd)
}

// Open unwraps a packet received from previousHop. The returned packet is
// either *Forwarded or *Final.
func (c *Codec) Open(raw []byte, previousHop offchain.PublicKey) (Packet, error) {
	g := c.Geometry()
	if len(raw) != Length(g) {
		return nil, fmt.Errorf("%w: invalid packet size: %v", ErrPacketDecoding, len(raw))
	}
	ticket, err := tickets.FromBytes(raw[g.PacketLength:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketDecoding, err)
	}

	onion := make([]byte, g.PacketLength)
	copy(onion, raw)
	u, err := c.sphinx.Unwrap(c.key.X25519(), onion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketDecoding, err)
	}

	var h hopCommands
	if err = h.split(u.Commands); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketDecoding, err)
	}
	ackKey := por.DeriveAckKey(u.SharedSecret)

	if h.nextNodeHop == nil {
		return &Final{
			PreviousHop: previousHop,
			PlainText:   u.Payload,
			PacketTag:   u.ReplayTag,
			AckKey:      ackKey,
			Ticket:      ticket,
		}, nil
	}

	if h.relayProof == nil || h.pathPosition == nil {
		return nil, fmt.Errorf("%w: relay commands missing", ErrPacketDecoding)
	}
	nextHop, err := offchain.PublicKeyFromBytes(h.nextNodeHop.ID[:])
	if err != nil {
		return nil, fmt.Errorf("%w: next hop: %v", ErrPacketDecoding, err)
	}
	if err = por.PreVerify(u.SharedSecret, &h.relayProof.Proof, ticket.Challenge()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPacketDecoding, err)
	}
	hint, err := h.relayProof.Proof.Hint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketDecoding, err)
	}
	return &Forwarded{
		PreviousHop:         previousHop,
		NextHop:             nextHop,
		AckChallenge:        hint,
		OwnKey:              por.DeriveOwnKey(u.SharedSecret),
		AckKey:              ackKey,
		PathPos:             h.pathPosition.Position,
		PacketTag:           u.ReplayTag,
		Ticket:              ticket,
		NextTicketChallenge: h.relayProof.Proof.NextTicketChallenge(),
		onion:               onion,
	}, nil
}

// Acknowledge returns the acknowledgement for a packet with ackKey.
func (c *Codec) Acknowledge(ackKey *challenge.HalfKey) *tickets.Acknowledgement {
	return tickets.NewAcknowledgement(ackKey, c.key)
}
