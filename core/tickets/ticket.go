// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package tickets implements the probabilistic payment tickets attached to
// every relayed packet, and the lifecycle that takes a ticket from issuance
// through acknowledgement to redemption.
package tickets

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
)

const (
	amountLength      = 12
	indexLength       = 6
	indexOffsetLength = 4
	epochLength       = 3

	// WireLength is the length of a serialized ticket in bytes.
	WireLength = common.HashLength + amountLength + indexLength + epochLength +
		WinProbLength + challenge.EthereumChallengeLength + chain.SignatureLength

	encodedLength = WireLength - chain.SignatureLength + indexOffsetLength

	// MaxIndex bounds ticket indices, which must be below it to fit the
	// 48 bit wire field.
	MaxIndex = 1 << 48

	// MaxChannelEpoch bounds channel epochs, which must be below it to fit
	// the 24 bit wire field.
	MaxChannelEpoch = 1 << 24

	redeemSignature = "redeemTicket(((bytes32,uint96,uint48,uint32,uint24,uint56),(bytes32,bytes32),uint256),(uint256,uint256,uint256,uint256,uint256,uint256,uint256,uint256))"
)

var (
	// MaxAmount bounds ticket amounts to 1% of the total token supply.
	MaxAmount = uint256.MustFromDecimal("10000000000000000000000000")

	redeemSelector = crypto.Keccak256([]byte(redeemSignature))[:4]
)

// ChannelID returns the id of the channel from source to destination.
func ChannelID(source, destination common.Address) common.Hash {
	return crypto.Keccak256Hash(source[:], destination[:])
}

// TicketID identifies a ticket within the lifetime of its channel.
type TicketID struct {
	ChannelID common.Hash
	Epoch     uint32
	Index     uint64
}

// Compare orders ids by channel, then epoch, then index.
func (id TicketID) Compare(o TicketID) int {
	if c := bytes.Compare(id.ChannelID[:], o.ChannelID[:]); c != 0 {
		return c
	}
	switch {
	case id.Epoch < o.Epoch:
		return -1
	case id.Epoch > o.Epoch:
		return 1
	case id.Index < o.Index:
		return -1
	case id.Index > o.Index:
		return 1
	}
	return 0
}

func (id TicketID) String() string {
	return fmt.Sprintf("%x#%d@%d", id.ChannelID[:4], id.Index, id.Epoch)
}

// Ticket is a payment claim on a channel. Tickets are only created by a
// Builder or parsed with FromBytes.
type Ticket struct {
	channelID   common.Hash
	amount      uint256.Int
	index       uint64
	indexOffset uint32
	epoch       uint32
	winProb     WinningProbability
	challenge   challenge.EthereumChallenge
	signature   *chain.Signature
}

// FromBytes parses and bounds checks a signed ticket.
func FromBytes(b []byte) (*Ticket, error) {
	if len(b) != WireLength {
		return nil, invalidInput("ticket must be %d bytes, got %d", WireLength, len(b))
	}

	var (
		id     common.Hash
		amount uint256.Int
		idx    [8]byte
		epoch  [4]byte
		wp     WinningProbability
		c      challenge.EthereumChallenge
	)
	off := copy(id[:], b)
	amount.SetBytes(b[off : off+amountLength])
	off += amountLength
	off += copy(idx[8-indexLength:], b[off:off+indexLength])
	off += copy(epoch[4-epochLength:], b[off:off+epochLength])
	off += copy(wp[:], b[off:])
	off += copy(c[:], b[off:])
	sig, err := chain.SignatureFromBytes(b[off:])
	if err != nil {
		return nil, err
	}

	return NewBuilder().
		ChannelID(id).
		Amount(&amount).
		Index(binary.BigEndian.Uint64(idx[:])).
		ChannelEpoch(binary.BigEndian.Uint32(epoch[:])).
		WinProbEncoded(wp).
		Challenge(c).
		Signature(sig).
		Build()
}

// Bytes serializes the ticket. An unsigned ticket serializes with an all
// zero signature.
func (t *Ticket) Bytes() []byte {
	b := make([]byte, 0, WireLength)
	b = t.appendFields(b, false)
	if t.signature != nil {
		return append(b, t.signature[:]...)
	}
	return append(b, make([]byte, chain.SignatureLength)...)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t *Ticket) MarshalBinary() ([]byte, error) {
	return t.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *Ticket) UnmarshalBinary(b []byte) error {
	tk, err := FromBytes(b)
	if err != nil {
		return err
	}
	*t = *tk
	return nil
}

func (t *Ticket) appendFields(b []byte, withOffset bool) []byte {
	b = append(b, t.channelID[:]...)
	amount := t.amount.Bytes32()
	b = append(b, amount[32-amountLength:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], t.index)
	b = append(b, tmp[8-indexLength:]...)
	if withOffset {
		b = binary.BigEndian.AppendUint32(b, t.indexOffset)
	}
	binary.BigEndian.PutUint32(tmp[:4], t.epoch)
	b = append(b, tmp[4-epochLength:4]...)
	b = append(b, t.winProb[:]...)
	return append(b, t.challenge[:]...)
}

// Hash returns the typed data hash the issuer signs, under the domain
// separator ds.
func (t *Ticket) Hash(ds common.Hash) common.Hash {
	enc := t.appendFields(make([]byte, 0, encodedLength), true)
	ticketHash := crypto.Keccak256(enc)
	hashStruct := crypto.Keccak256(redeemSelector, make([]byte, 28), ticketHash)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, ds[:], hashStruct)
}

// clone returns a deep copy of t.
func (t *Ticket) clone() *Ticket {
	c := *t
	if t.signature != nil {
		sig := *t.signature
		c.signature = &sig
	}
	return &c
}

// Sign returns a copy of the ticket signed with the issuer's chain key,
// replacing any previous signature. t itself is left unchanged.
func (t *Ticket) Sign(key *chain.Keypair, ds common.Hash) *VerifiedTicket {
	h := t.Hash(ds)
	sig := key.Sign(h)
	c := t.clone()
	c.signature = &sig
	return &VerifiedTicket{
		ticket: c,
		hash:   h,
		issuer: key.Address(),
	}
}

// Verify checks that the ticket was signed by issuer. On failure the error
// is a *VerificationError holding the ticket.
func (t *Ticket) Verify(issuer common.Address, ds common.Hash) (*VerifiedTicket, error) {
	if t.signature == nil {
		return nil, &VerificationError{Ticket: t, Err: chain.ErrInvalidSignature}
	}
	h := t.Hash(ds)
	if err := t.signature.Verify(h, issuer); err != nil {
		return nil, &VerificationError{Ticket: t, Err: err}
	}
	return &VerifiedTicket{
		ticket: t.clone(),
		hash:   h,
		issuer: issuer,
	}, nil
}

// ExpectedPayout returns the amount scaled by the winning probability.
func (t *Ticket) ExpectedPayout() *uint256.Int {
	if t.winProb == NeverWinning {
		return uint256.NewInt(0)
	}
	wp := uint256.NewInt((t.winProb.AsLuck() >> 4) + 2)
	payout := new(uint256.Int).Mul(&t.amount, wp)
	return payout.Rsh(payout, 52)
}

// PathPosition returns the number of relays the ticket pays for at the given
// per hop price.
func (t *Ticket) PathPosition(price *uint256.Int) (uint8, error) {
	if price == nil || price.IsZero() {
		return 0, invalidInput("ticket price must be non-zero")
	}
	pos := new(uint256.Int).Div(t.ExpectedPayout(), price)
	if !pos.IsUint64() || pos.Uint64() > 255 {
		return 0, invalidInput("path position %v does not fit in u8", pos.Dec())
	}
	return uint8(pos.Uint64()), nil
}

// ID returns the ticket id.
func (t *Ticket) ID() TicketID {
	return TicketID{
		ChannelID: t.channelID,
		Epoch:     t.epoch,
		Index:     t.index,
	}
}

// ChannelID returns the id of the channel the ticket is drawn on.
func (t *Ticket) ChannelID() common.Hash { return t.channelID }

// Amount returns a copy of the ticket amount.
func (t *Ticket) Amount() *uint256.Int { return t.amount.Clone() }

// Index returns the ticket index.
func (t *Ticket) Index() uint64 { return t.index }

// IndexOffset returns the number of indices the ticket covers.
func (t *Ticket) IndexOffset() uint32 { return t.indexOffset }

// ChannelEpoch returns the channel epoch.
func (t *Ticket) ChannelEpoch() uint32 { return t.epoch }

// WinProb returns the encoded winning probability.
func (t *Ticket) WinProb() WinningProbability { return t.winProb }

// Challenge returns the challenge a response must solve.
func (t *Ticket) Challenge() challenge.EthereumChallenge { return t.challenge }

// Signature returns the signature, or nil for an unsigned ticket.
func (t *Ticket) Signature() *chain.Signature {
	if t.signature == nil {
		return nil
	}
	sig := *t.signature
	return &sig
}

func (t *Ticket) String() string {
	return fmt.Sprintf("ticket %v amount %v win %v challenge %v", t.ID(), t.amount.Dec(), t.winProb, t.challenge)
}
