// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"errors"

	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
)

const (
	ackSignatureLength = 64

	// AcknowledgementLength is the length of a serialized acknowledgement.
	AcknowledgementLength = ackSignatureLength + challenge.HalfKeyLength
)

// ErrInvalidAcknowledgement is returned when an acknowledgement is malformed
// or not signed by the expected peer.
var ErrInvalidAcknowledgement = errors.New("tickets: invalid acknowledgement")

// Acknowledgement reveals the ack half key of the hop that received a
// packet, signed with that hop's packet key.
type Acknowledgement struct {
	signature [ackSignatureLength]byte
	share     *challenge.HalfKey
	validated bool
}

// NewAcknowledgement signs the ack key share with the packet key.
func NewAcknowledgement(share *challenge.HalfKey, key *offchain.Keypair) *Acknowledgement {
	a := &Acknowledgement{
		share:     share,
		validated: true,
	}
	b := share.Bytes()
	copy(a.signature[:], key.Sign(b[:]))
	return a
}

// AcknowledgementFromBytes parses an acknowledgement. It must be validated
// before use.
func AcknowledgementFromBytes(b []byte) (*Acknowledgement, error) {
	if len(b) != AcknowledgementLength {
		return nil, ErrInvalidAcknowledgement
	}
	share, err := challenge.HalfKeyFromBytes(b[ackSignatureLength:])
	if err != nil {
		return nil, err
	}
	a := &Acknowledgement{share: share}
	copy(a.signature[:], b)
	return a, nil
}

// Bytes serializes the acknowledgement.
func (a *Acknowledgement) Bytes() []byte {
	b := make([]byte, 0, AcknowledgementLength)
	b = append(b, a.signature[:]...)
	share := a.share.Bytes()
	return append(b, share[:]...)
}

// Validate checks the signature against the sender's packet key.
func (a *Acknowledgement) Validate(sender offchain.PublicKey) error {
	share := a.share.Bytes()
	if !sender.Verify(a.signature[:], share[:]) {
		return ErrInvalidAcknowledgement
	}
	a.validated = true
	return nil
}

// Validated returns true once the signature has been checked.
func (a *Acknowledgement) Validated() bool { return a.validated }

// AckKeyShare returns the revealed half key.
func (a *Acknowledgement) AckKeyShare() *challenge.HalfKey { return a.share }

// AckChallenge returns the challenge solved by the revealed half key.
func (a *Acknowledgement) AckChallenge() challenge.HalfKeyChallenge {
	return a.share.ToChallenge()
}

// PendingAcknowledgement is what a node remembers about a packet it sent or
// relayed until the acknowledgement for it arrives.
type PendingAcknowledgement interface {
	isPendingAcknowledgement()
}

// WaitingAsSender marks a packet this node originated.
type WaitingAsSender struct{}

func (WaitingAsSender) isPendingAcknowledgement() {}

// WaitingAsRelayer holds the ticket a relay received for the packet.
type WaitingAsRelayer struct {
	Ticket *UnacknowledgedTicket
}

func (*WaitingAsRelayer) isPendingAcknowledgement() {}
