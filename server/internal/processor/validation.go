// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package processor

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/katzenpost/ticketmix/core/channels"
	"github.com/katzenpost/ticketmix/core/tickets"
)

// ValidateUnacknowledgedTicket checks a ticket issued by issuer on channel
// ch before the packet it pays for is relayed.
func (p *PacketProcessor) ValidateUnacknowledgedTicket(t *tickets.Ticket, ch *channels.Entry, issuer common.Address) (*tickets.VerifiedTicket, error) {
	ds, err := p.domainSeparator()
	if err != nil {
		return nil, err
	}
	verified, err := t.Verify(issuer, ds)
	if err != nil {
		if !errors.Is(err, ErrSignatureVerification) {
			err = fmt.Errorf("%w: %w", ErrSignatureVerification, err)
		}
		return nil, err
	}

	if amount := t.Amount(); amount.Lt(p.cfg.MinimumPrice) {
		return nil, fmt.Errorf("%w: ticket amount %v is lower than the minimum %v", ErrTicketValidation, amount.Dec(), p.cfg.MinimumPrice.Dec())
	}
	if t.WinProb().ApproxCmp(p.minWP) < 0 {
		return nil, fmt.Errorf("%w: ticket winning probability %v is lower than the minimum %v", ErrTicketValidation, t.WinProb(), p.minWP)
	}
	if !ch.AcceptsTickets() {
		return nil, fmt.Errorf("%w: payment channel %v is %v", ErrTicketValidation, ch.ID(), ch.Status)
	}
	if t.ChannelID() != ch.ID() {
		return nil, fmt.Errorf("%w: ticket is for channel %v, expected %v", ErrTicketValidation, t.ChannelID(), ch.ID())
	}
	if t.ChannelEpoch() != ch.Epoch {
		return nil, fmt.Errorf("%w: ticket epoch %d does not match channel epoch %d", ErrTicketValidation, t.ChannelEpoch(), ch.Epoch)
	}

	if p.cfg.CheckUnrealizedBalance {
		unrealized, err := p.db.UnrealizedValue(ch.ID())
		if err != nil {
			return nil, err
		}
		remaining := new(uint256.Int)
		if ch.Balance.Gt(unrealized) {
			remaining.Sub(ch.Balance, unrealized)
		}
		if amount := t.Amount(); amount.Gt(remaining) {
			return nil, fmt.Errorf("%w: %w: ticket amount %v exceeds the unrealized balance %v", ErrTicketValidation, ErrOutOfFunds, amount.Dec(), remaining.Dec())
		}
	}
	return verified, nil
}
