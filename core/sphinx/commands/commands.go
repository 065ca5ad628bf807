// commands.go - Per-hop Routing Info Commands.
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

// Package commands implements the per-hop routing info commands of the
// onion packet format.
package commands

import (
	"errors"

	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/ticketmix/core/sphinx/internal/crypto"
	"github.com/katzenpost/ticketmix/core/sphinx/por"
)

const (
	null         commandID = 0x00
	nextNodeHop  commandID = 0x01
	relayProof   commandID = 0x02
	pathPosition commandID = 0x03

	// NodeIDLength is the length of a node identifier, the ed25519 packet
	// public key, in bytes.
	NodeIDLength = 32

	// NextNodeHopLength is the length of a serialized NextNodeHop.
	NextNodeHopLength = 1 + NodeIDLength + crypto.MACLength

	// RelayProofLength is the length of a serialized RelayProof.
	RelayProofLength = 1 + por.StringLength

	// PathPositionLength is the length of a serialized PathPosition.
	PathPositionLength = 1 + 1
)

var errInvalidCommand = errors.New("sphinx: invalid per-hop command")

type commandID byte

// RoutingCommand is the common interface exposed by all per-hop routing
// command structures.
type RoutingCommand interface {
	// ToBytes appends the serialized command to slice b, and returns the
	// resulting slice.
	ToBytes(b []byte) []byte
}

// FromBytes deserializes the first per-hop routing command in the buffer b,
// returning a RoutingCommand and the remaining bytes (if any), or an error.
// A nil command with a nil error is the terminal null command.
func FromBytes(b []byte) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) == 0 {
		return
	}

	id := commandID(b[0])
	b = b[1:]
	switch id {
	case null:
		if !util.CtIsZero(b) {
			err = errInvalidCommand
		}
	case nextNodeHop:
		cmd, rest, err = nextNodeHopFromBytes(b)
	case relayProof:
		cmd, rest, err = relayProofFromBytes(b)
	case pathPosition:
		cmd, rest, err = pathPositionFromBytes(b)
	default:
		err = errInvalidCommand
	}
	return
}

// NextNodeHop is the next_node command.
type NextNodeHop struct {
	ID  [NodeIDLength]byte
	MAC [crypto.MACLength]byte
}

// ToBytes appends the serialized NextNodeHop to slice b, and returns the
// resulting slice.
func (cmd *NextNodeHop) ToBytes(b []byte) []byte {
	b = append(b, byte(nextNodeHop))
	b = append(b, cmd.ID[:]...)
	return append(b, cmd.MAC[:]...)
}

func nextNodeHopFromBytes(b []byte) (RoutingCommand, []byte, error) {
	if len(b) < NextNodeHopLength-1 {
		return nil, nil, errInvalidCommand
	}
	r := new(NextNodeHop)
	copy(r.ID[:], b[:NodeIDLength])
	copy(r.MAC[:], b[NodeIDLength:])
	return r, b[NextNodeHopLength-1:], nil
}

// RelayProof carries the Proof-of-Relay string for a relaying hop.
type RelayProof struct {
	Proof por.String
}

// ToBytes appends the serialized RelayProof to slice b, and returns the
// resulting slice.
func (cmd *RelayProof) ToBytes(b []byte) []byte {
	b = append(b, byte(relayProof))
	return append(b, cmd.Proof[:]...)
}

func relayProofFromBytes(b []byte) (RoutingCommand, []byte, error) {
	if len(b) < RelayProofLength-1 {
		return nil, nil, errInvalidCommand
	}
	r := new(RelayProof)
	copy(r.Proof[:], b)
	return r, b[RelayProofLength-1:], nil
}

// PathPosition is the number of relays, including this one, that the
// attached ticket pays for.
type PathPosition struct {
	Position uint8
}

// ToBytes appends the serialized PathPosition to slice b, and returns the
// resulting slice.
func (cmd *PathPosition) ToBytes(b []byte) []byte {
	return append(b, byte(pathPosition), cmd.Position)
}

func pathPositionFromBytes(b []byte) (RoutingCommand, []byte, error) {
	if len(b) < PathPositionLength-1 {
		return nil, nil, errInvalidCommand
	}
	return &PathPosition{Position: b[0]}, b[PathPositionLength-1:], nil
}
