// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/crypto/vrf"
)

// VerifiedTicket is a signed ticket whose hash and issuer have been
// established. They are never recomputed afterwards.
type VerifiedTicket struct {
	ticket *Ticket
	hash   common.Hash
	issuer common.Address
}

// Ticket returns a copy of the underlying ticket.
func (v *VerifiedTicket) Ticket() *Ticket { return v.ticket.clone() }

// Hash returns the signed ticket hash.
func (v *VerifiedTicket) Hash() common.Hash { return v.hash }

// Issuer returns the address that signed the ticket.
func (v *VerifiedTicket) Issuer() common.Address { return v.issuer }

// WinProb returns the ticket's winning probability.
func (v *VerifiedTicket) WinProb() WinningProbability { return v.ticket.winProb }

// IsWinning derives the redeemer's VRF output and checks the ticket against
// its winning probability.
func (v *VerifiedTicket) IsWinning(response *challenge.Response, key *chain.Keypair, ds common.Hash) (bool, error) {
	params, err := vrf.Derive(rand.Reader, v.hash[:], key, ds[:])
	if err != nil {
		return false, err
	}
	return CheckTicketWin(v.hash, v.ticket.signature, v.ticket.winProb, response, params)
}

// IntoUnacknowledged attaches the relay's own half key.
func (v *VerifiedTicket) IntoUnacknowledged(own *challenge.HalfKey) *UnacknowledgedTicket {
	return &UnacknowledgedTicket{
		verified: v,
		ownKey:   own,
	}
}

// UnacknowledgedTicket is a ticket received by a relay that is waiting for
// the next hop's acknowledgement.
type UnacknowledgedTicket struct {
	verified *VerifiedTicket
	ownKey   *challenge.HalfKey
}

// Verified returns the verified ticket.
func (u *UnacknowledgedTicket) Verified() *VerifiedTicket { return u.verified }

// Ticket returns the underlying ticket.
func (u *UnacknowledgedTicket) Ticket() *Ticket { return u.verified.ticket.clone() }

// Acknowledge combines the own half key with the acknowledged half key and
// checks that the result solves the ticket challenge.
func (u *UnacknowledgedTicket) Acknowledge(ack *challenge.HalfKey) (*AcknowledgedTicket, error) {
	resp, err := challenge.ResponseFromHalfKeys(u.ownKey, ack)
	if err != nil {
		// A zero response solves no challenge.
		return nil, fmt.Errorf("%w: response does not solve ticket %v: %w", challenge.ErrInvalidChallenge, u.verified.ticket.ID(), err)
	}
	c := resp.ToChallenge()
	eth, err := c.ToEthereumChallenge()
	if err != nil {
		return nil, err
	}
	if eth != u.verified.ticket.challenge {
		return nil, fmt.Errorf("%w: response does not solve ticket %v", challenge.ErrInvalidChallenge, u.verified.ticket.ID())
	}
	return &AcknowledgedTicket{
		Status:   Untouched,
		verified: u.verified,
		response: resp,
	}, nil
}

// AcknowledgedStatus is the redemption state of an acknowledged ticket.
type AcknowledgedStatus uint8

const (
	// Untouched tickets are waiting to be redeemed.
	Untouched AcknowledgedStatus = iota

	// BeingRedeemed tickets have a redemption in flight.
	BeingRedeemed
)

func (s AcknowledgedStatus) String() string {
	switch s {
	case Untouched:
		return "Untouched"
	case BeingRedeemed:
		return "BeingRedeemed"
	default:
		return fmt.Sprintf("[Unknown status: %d]", uint8(s))
	}
}

// AcknowledgedTicket is a ticket with the response solving its challenge.
type AcknowledgedTicket struct {
	Status   AcknowledgedStatus
	verified *VerifiedTicket
	response *challenge.Response
}

// Verified returns the verified ticket.
func (a *AcknowledgedTicket) Verified() *VerifiedTicket { return a.verified }

// Ticket returns the underlying ticket.
func (a *AcknowledgedTicket) Ticket() *Ticket { return a.verified.ticket.clone() }

// Response returns the challenge response.
func (a *AcknowledgedTicket) Response() *challenge.Response { return a.response }

// IsWinning returns true iff the ticket wins for the redeemer key.
func (a *AcknowledgedTicket) IsWinning(key *chain.Keypair, ds common.Hash) (bool, error) {
	return a.verified.IsWinning(a.response, key, ds)
}

// IntoRedeemable attaches the redeemer's VRF proof to a winning ticket.
func (a *AcknowledgedTicket) IntoRedeemable(key *chain.Keypair, ds common.Hash) (*RedeemableTicket, error) {
	if a.verified.issuer == key.Address() {
		return nil, ErrLoopbackTicket
	}
	params, err := vrf.Derive(rand.Reader, a.verified.hash[:], key, ds[:])
	if err != nil {
		return nil, err
	}
	win, err := CheckTicketWin(a.verified.hash, a.verified.ticket.signature, a.verified.ticket.winProb, a.response, params)
	if err != nil {
		return nil, err
	}
	if !win {
		return nil, ErrTicketNotWinning
	}
	return &RedeemableTicket{
		verified:        a.verified,
		response:        a.response,
		vrf:             params,
		redeemer:        key.Address(),
		domainSeparator: ds,
	}, nil
}

// IntoTransferable is IntoRedeemable followed by the conversion into the
// transferable form.
func (a *AcknowledgedTicket) IntoTransferable(key *chain.Keypair, ds common.Hash) (*TransferableWinningTicket, error) {
	r, err := a.IntoRedeemable(key, ds)
	if err != nil {
		return nil, err
	}
	return r.IntoTransferable(), nil
}

type acknowledgedWire struct {
	Status   AcknowledgedStatus
	Ticket   []byte
	Hash     common.Hash
	Issuer   common.Address
	Response []byte
}

// MarshalCBOR implements cbor.Marshaler.
func (a *AcknowledgedTicket) MarshalCBOR() ([]byte, error) {
	resp := a.response.Bytes()
	return cbor.Marshal(&acknowledgedWire{
		Status:   a.Status,
		Ticket:   a.verified.ticket.Bytes(),
		Hash:     a.verified.hash,
		Issuer:   a.verified.issuer,
		Response: resp[:],
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler. The stored hash and issuer are
// trusted.
func (a *AcknowledgedTicket) UnmarshalCBOR(b []byte) error {
	var w acknowledgedWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	t, err := FromBytes(w.Ticket)
	if err != nil {
		return err
	}
	resp, err := challenge.ResponseFromBytes(w.Response)
	if err != nil {
		return err
	}
	a.Status = w.Status
	a.verified = &VerifiedTicket{ticket: t, hash: w.Hash, issuer: w.Issuer}
	a.response = resp
	return nil
}

// RedeemableTicket is a winning ticket ready to be submitted for redemption.
type RedeemableTicket struct {
	verified        *VerifiedTicket
	response        *challenge.Response
	vrf             *vrf.Parameters
	redeemer        common.Address
	domainSeparator common.Hash
}

// Verified returns the verified ticket.
func (r *RedeemableTicket) Verified() *VerifiedTicket { return r.verified }

// Response returns the challenge response.
func (r *RedeemableTicket) Response() *challenge.Response { return r.response }

// VRF returns the VRF parameters proving the win.
func (r *RedeemableTicket) VRF() *vrf.Parameters { return r.vrf }

// DomainSeparator returns the domain separator the ticket was checked under.
func (r *RedeemableTicket) DomainSeparator() common.Hash { return r.domainSeparator }

// IntoTransferable converts the ticket into the form handed to other nodes.
func (r *RedeemableTicket) IntoTransferable() *TransferableWinningTicket {
	return &TransferableWinningTicket{
		Ticket:   r.verified.ticket.clone(),
		Response: r.response,
		VRF:      r.vrf,
		Signer:   r.verified.issuer,
		Redeemer: r.redeemer,
	}
}

// TransferableWinningTicket is a winning ticket in a form that can be sent
// to and checked by another node.
type TransferableWinningTicket struct {
	Ticket   *Ticket
	Response *challenge.Response
	VRF      *vrf.Parameters
	Signer   common.Address
	Redeemer common.Address
}

// IntoRedeemable re-verifies the ticket against the expected issuer and
// checks that it is still winning.
func (t *TransferableWinningTicket) IntoRedeemable(expectedIssuer common.Address, ds common.Hash) (*RedeemableTicket, error) {
	if t.Signer != expectedIssuer {
		return nil, invalidInput("invalid signer %v, expected %v", t.Signer, expectedIssuer)
	}
	verified, err := t.Ticket.Verify(t.Signer, ds)
	if err != nil {
		return nil, err
	}
	if err := t.VRF.Verify(t.Redeemer, verified.hash[:], ds[:]); err != nil {
		return nil, err
	}
	win, err := CheckTicketWin(verified.hash, verified.ticket.signature, verified.ticket.winProb, t.Response, t.VRF)
	if err != nil {
		return nil, err
	}
	if !win {
		return nil, ErrTicketNotWinning
	}
	return &RedeemableTicket{
		verified:        verified,
		response:        t.Response,
		vrf:             t.VRF,
		redeemer:        t.Redeemer,
		domainSeparator: ds,
	}, nil
}

type transferableWire struct {
	Ticket   []byte
	Response []byte
	VRF      []byte
	Signer   common.Address
	Redeemer common.Address
}

// MarshalCBOR implements cbor.Marshaler.
func (t *TransferableWinningTicket) MarshalCBOR() ([]byte, error) {
	resp := t.Response.Bytes()
	return cbor.Marshal(&transferableWire{
		Ticket:   t.Ticket.Bytes(),
		Response: resp[:],
		VRF:      t.VRF.Bytes(),
		Signer:   t.Signer,
		Redeemer: t.Redeemer,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (t *TransferableWinningTicket) UnmarshalCBOR(b []byte) error {
	var w transferableWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	tk, err := FromBytes(w.Ticket)
	if err != nil {
		return err
	}
	resp, err := challenge.ResponseFromBytes(w.Response)
	if err != nil {
		return err
	}
	params, err := vrf.FromBytes(w.VRF)
	if err != nil {
		return err
	}
	t.Ticket = tk
	t.Response = resp
	t.VRF = params
	t.Signer = w.Signer
	t.Redeemer = w.Redeemer
	return nil
}
