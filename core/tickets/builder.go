// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
)

// Builder accumulates ticket fields. Nothing is validated until one of the
// terminal Build methods is called.
type Builder struct {
	channelID   *common.Hash
	source      *common.Address
	destination *common.Address
	amount      *uint256.Int
	balance     *uint256.Int
	index       *uint64
	indexOffset uint32
	epoch       *uint32
	winProb     float64
	winProbEnc  *WinningProbability
	challenge   *challenge.EthereumChallenge
	signature   *chain.Signature
}

// NewBuilder returns a Builder with a win probability of 1 and an index
// offset of 1.
func NewBuilder() *Builder {
	return &Builder{
		indexOffset: 1,
		winProb:     1,
	}
}

// ZeroHop returns a Builder preset for a ticket to the final hop, which is
// worth nothing and never wins.
func ZeroHop(source, destination common.Address) *Builder {
	return NewBuilder().
		Addresses(source, destination).
		Amount(uint256.NewInt(0)).
		Index(0).
		IndexOffset(1).
		ChannelEpoch(0).
		WinProbEncoded(NeverWinning)
}

// ChannelID sets the channel id explicitly.
func (b *Builder) ChannelID(id common.Hash) *Builder {
	b.channelID = &id
	return b
}

// Addresses sets the channel id from the channel endpoints.
func (b *Builder) Addresses(source, destination common.Address) *Builder {
	b.source = &source
	b.destination = &destination
	return b
}

// Amount sets the ticket amount.
func (b *Builder) Amount(amount *uint256.Int) *Builder {
	b.amount = amount.Clone()
	return b
}

// Balance sets the ticket amount from a channel balance value. It is
// mutually exclusive with Amount.
func (b *Builder) Balance(balance *uint256.Int) *Builder {
	b.balance = balance.Clone()
	return b
}

// Index sets the ticket index.
func (b *Builder) Index(index uint64) *Builder {
	b.index = &index
	return b
}

// IndexOffset sets the number of indices the ticket covers.
func (b *Builder) IndexOffset(offset uint32) *Builder {
	b.indexOffset = offset
	return b
}

// ChannelEpoch sets the channel epoch.
func (b *Builder) ChannelEpoch(epoch uint32) *Builder {
	b.epoch = &epoch
	return b
}

// WinProb sets the winning probability, encoded at build time.
func (b *Builder) WinProb(p float64) *Builder {
	b.winProb = p
	b.winProbEnc = nil
	return b
}

// WinProbEncoded sets an already encoded winning probability.
func (b *Builder) WinProbEncoded(w WinningProbability) *Builder {
	b.winProbEnc = &w
	return b
}

// Challenge sets the ticket challenge.
func (b *Builder) Challenge(c challenge.EthereumChallenge) *Builder {
	b.challenge = &c
	return b
}

// Signature sets an existing signature.
func (b *Builder) Signature(sig chain.Signature) *Builder {
	b.signature = &sig
	return b
}

// Build validates the fields and returns the ticket.
func (b *Builder) Build() (*Ticket, error) {
	var amount *uint256.Int
	switch {
	case b.amount != nil && b.balance != nil:
		return nil, invalidInput("either amount or balance must be set, not both")
	case b.amount != nil:
		amount = b.amount
	case b.balance != nil:
		amount = b.balance
	default:
		return nil, invalidInput("missing ticket amount")
	}
	if !amount.Lt(MaxAmount) {
		return nil, invalidInput("tickets may not have more than 1%% of total supply")
	}

	if b.index == nil {
		return nil, invalidInput("missing ticket index")
	}
	if *b.index >= MaxIndex {
		return nil, invalidInput("ticket index %d does not fit in 48 bits", *b.index)
	}
	// Only single index tickets fit the wire format.
	if b.indexOffset != 1 {
		return nil, invalidInput("unsupported index offset %d", b.indexOffset)
	}

	if b.epoch == nil {
		return nil, invalidInput("missing channel epoch")
	}
	if *b.epoch >= MaxChannelEpoch {
		return nil, invalidInput("channel epoch %d does not fit in 24 bits", *b.epoch)
	}

	var channelID common.Hash
	switch {
	case b.channelID != nil:
		channelID = *b.channelID
	case b.source != nil && b.destination != nil:
		channelID = ChannelID(*b.source, *b.destination)
	default:
		return nil, invalidInput("missing channel id")
	}

	winProb := b.winProbEnc
	if winProb == nil {
		w, err := WinProbFromFloat64(b.winProb)
		if err != nil {
			return nil, err
		}
		winProb = &w
	}

	if b.challenge == nil {
		return nil, invalidInput("missing ticket challenge")
	}

	t := &Ticket{
		channelID:   channelID,
		index:       *b.index,
		indexOffset: b.indexOffset,
		epoch:       *b.epoch,
		winProb:     *winProb,
		challenge:   *b.challenge,
	}
	t.amount.Set(amount)
	if b.signature != nil {
		sig := *b.signature
		t.signature = &sig
	}
	return t, nil
}

// BuildSigned builds the ticket and signs it with the chain key.
func (b *Builder) BuildSigned(key *chain.Keypair, ds common.Hash) (*VerifiedTicket, error) {
	if b.signature != nil {
		return nil, invalidInput("signature already present")
	}
	t, err := b.Build()
	if err != nil {
		return nil, err
	}
	return t.Sign(key, ds), nil
}

// BuildVerified builds a ticket carrying a signature over the already known
// hash, recovering the issuer from it. The hash is trusted, not recomputed.
func (b *Builder) BuildVerified(hash common.Hash) (*VerifiedTicket, error) {
	if b.signature == nil {
		return nil, invalidInput("missing signature")
	}
	t, err := b.Build()
	if err != nil {
		return nil, err
	}
	issuer, err := t.signature.Recover(hash)
	if err != nil {
		return nil, &VerificationError{Ticket: t, Err: err}
	}
	return &VerifiedTicket{
		ticket: t,
		hash:   hash,
		issuer: issuer,
	}, nil
}
