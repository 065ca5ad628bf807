// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package por implements Proof-of-Relay: the half keys derived from each
// hop's onion secret, and the strings that let a relay check that the
// ticket it was handed can be unlocked by the next hop's acknowledgement.
package por

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/ticketmix/core/crypto/challenge"
)

const (
	// StringLength is the length of a serialized String in bytes.
	StringLength = challenge.PointLength + challenge.EthereumChallengeLength

	ownKeyInfo = "ticketmix-por-own-key-v0"
	ackKeyInfo = "ticketmix-por-ack-key-v0"
)

// ErrPoRVerification is returned when a ticket challenge can't be solved
// with the relay's own half key and the hint.
var ErrPoRVerification = errors.New("por: proof of relay verification failed")

func deriveKey(secret []byte, info string) *challenge.HalfKey {
	var b [challenge.HalfKeyLength]byte
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			panic("por: BUG - hkdf output exhausted: " + err.Error())
		}
		var s secp256k1.ModNScalar
		s.SetByteSlice(b[:])
		if k, err := challenge.HalfKeyFromScalar(&s); err == nil {
			return k
		}
	}
}

// DeriveOwnKey returns the half key a hop contributes to the challenge of
// the ticket it receives.
func DeriveOwnKey(secret []byte) *challenge.HalfKey {
	return deriveKey(secret, ownKeyInfo)
}

// DeriveAckKey returns the half key a hop reveals in its acknowledgement.
func DeriveAckKey(secret []byte) *challenge.HalfKey {
	return deriveKey(secret, ackKeyInfo)
}

func ticketChallenge(own, next []byte, r io.Reader) (challenge.EthereumChallenge, error) {
	var ack *challenge.HalfKey
	if next != nil {
		ack = DeriveAckKey(next)
	} else {
		var err error
		if ack, err = challenge.NewHalfKey(r); err != nil {
			return challenge.EthereumChallenge{}, err
		}
	}
	resp, err := challenge.ResponseFromHalfKeys(DeriveOwnKey(own), ack)
	if err != nil {
		return challenge.EthereumChallenge{}, err
	}
	c := resp.ToChallenge()
	return c.ToEthereumChallenge()
}

// Values are the Proof-of-Relay values the packet sender needs.
type Values struct {
	// AckChallenge is what the first hop's acknowledgement solves.
	AckChallenge challenge.HalfKeyChallenge

	// TicketChallenge goes into the ticket handed to the first hop.
	TicketChallenge challenge.EthereumChallenge
}

// NewValues computes the sender's values from the first hop's secret s0 and
// the second hop's secret s1. s1 is nil when the first hop is the
// destination, in which case a random ack key is used as the ticket is never
// going to be acknowledged.
func NewValues(r io.Reader, s0, s1 []byte) (*Values, error) {
	tc, err := ticketChallenge(s0, s1, r)
	if err != nil {
		return nil, err
	}
	return &Values{
		AckChallenge:    DeriveAckKey(s0).ToChallenge(),
		TicketChallenge: tc,
	}, nil
}

// String is the per-relay Proof-of-Relay string: the hint for the next
// hop's ack key followed by the challenge of the ticket for the next hop.
type String [StringLength]byte

// NewString builds the string for the relay preceding the hop with secret
// next. nextNext is the secret of the hop after that, or nil if next is
// the destination.
func NewString(r io.Reader, next, nextNext []byte) (String, error) {
	var s String
	tc, err := ticketChallenge(next, nextNext, r)
	if err != nil {
		return s, err
	}
	hint := DeriveAckKey(next).ToChallenge()
	copy(s[:], hint[:])
	copy(s[challenge.PointLength:], tc[:])
	return s, nil
}

// Hint returns the challenge the next hop's acknowledgement solves.
func (s *String) Hint() (challenge.HalfKeyChallenge, error) {
	return challenge.HalfKeyChallengeFromBytes(s[:challenge.PointLength])
}

// NextTicketChallenge returns the challenge for the next hop's ticket.
func (s *String) NextTicketChallenge() challenge.EthereumChallenge {
	var c challenge.EthereumChallenge
	copy(c[:], s[challenge.PointLength:])
	return c
}

// PreVerify checks that the challenge of the incoming ticket is solved by
// this hop's own key together with the next hop's ack key.
func PreVerify(secret []byte, s *String, ticketChallenge challenge.EthereumChallenge) error {
	hint, err := s.Hint()
	if err != nil {
		return err
	}
	own := DeriveOwnKey(secret).ToChallenge()
	c, err := challenge.ChallengeFromHintAndShare(&own, &hint)
	if err != nil {
		return err
	}
	eth, err := c.ToEthereumChallenge()
	if err != nil {
		return err
	}
	if eth != ticketChallenge {
		return ErrPoRVerification
	}
	return nil
}
