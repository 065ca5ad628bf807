// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package challenge implements the secp256k1 half keys, challenges and
// responses that bind a ticket to the successful relaying of a packet.
package challenge

import (
	"encoding/hex"
	"errors"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// HalfKeyLength is the length of a serialized HalfKey in bytes.
	HalfKeyLength = 32

	// ResponseLength is the length of a serialized Response in bytes.
	ResponseLength = 32

	// PointLength is the length of a compressed curve point in bytes.
	PointLength = 33

	// EthereumChallengeLength is the length of an EthereumChallenge in bytes.
	EthereumChallengeLength = 20
)

var (
	// ErrInvalidChallenge is returned when a response does not solve the
	// expected challenge.
	ErrInvalidChallenge = errors.New("challenge: invalid challenge")

	// ErrInvalidPublicKey is returned for malformed or degenerate curve
	// points.
	ErrInvalidPublicKey = errors.New("challenge: invalid public key")

	// ErrInvalidScalar is returned for out of range or zero scalars.
	ErrInvalidScalar = errors.New("challenge: invalid scalar")
)

// HalfKey is one of the two secret scalars whose sum solves a ticket
// challenge.
type HalfKey struct {
	s secp256k1.ModNScalar
}

// NewHalfKey samples a random non-zero HalfKey.
func NewHalfKey(r io.Reader) (*HalfKey, error) {
	var b [HalfKeyLength]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		if k, err := HalfKeyFromBytes(b[:]); err == nil {
			return k, nil
		}
	}
}

// HalfKeyFromBytes parses a big endian scalar, rejecting zero and values
// not less than the group order.
func HalfKeyFromBytes(b []byte) (*HalfKey, error) {
	k := new(HalfKey)
	if err := setScalar(&k.s, b); err != nil {
		return nil, err
	}
	return k, nil
}

// HalfKeyFromScalar wraps an already reduced scalar.
func HalfKeyFromScalar(s *secp256k1.ModNScalar) (*HalfKey, error) {
	if s.IsZero() {
		return nil, ErrInvalidScalar
	}
	k := new(HalfKey)
	k.s.Set(s)
	return k, nil
}

func setScalar(s *secp256k1.ModNScalar, b []byte) error {
	if len(b) != HalfKeyLength {
		return ErrInvalidScalar
	}
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		return ErrInvalidScalar
	}
	return nil
}

// Bytes returns the big endian serialization of the HalfKey.
func (k *HalfKey) Bytes() [HalfKeyLength]byte {
	return k.s.Bytes()
}

// Scalar returns a copy of the underlying scalar.
func (k *HalfKey) Scalar() secp256k1.ModNScalar {
	return k.s
}

// ToChallenge returns the public commitment k·G.
func (k *HalfKey) ToChallenge() HalfKeyChallenge {
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k.s, &p)
	var c HalfKeyChallenge
	copy(c[:], serializeCompressed(&p))
	return c
}

// HalfKeyChallenge is the compressed curve point committing to a HalfKey.
type HalfKeyChallenge [PointLength]byte

// HalfKeyChallengeFromBytes parses and validates a compressed point.
func HalfKeyChallengeFromBytes(b []byte) (HalfKeyChallenge, error) {
	var c HalfKeyChallenge
	if len(b) != PointLength {
		return c, ErrInvalidPublicKey
	}
	if _, err := secp256k1.ParsePubKey(b); err != nil {
		return c, ErrInvalidPublicKey
	}
	copy(c[:], b)
	return c, nil
}

// String returns the hex representation of the challenge.
func (c HalfKeyChallenge) String() string {
	return hex.EncodeToString(c[:])
}

func (c *HalfKeyChallenge) point() (*secp256k1.JacobianPoint, error) {
	return parsePoint(c[:])
}

// Response is the sum of the two half keys of a challenge.
type Response struct {
	s secp256k1.ModNScalar
}

// ResponseFromHalfKeys returns own + ack modulo the group order.
func ResponseFromHalfKeys(own, ack *HalfKey) (*Response, error) {
	r := new(Response)
	r.s.Add2(&own.s, &ack.s)
	if r.s.IsZero() {
		return nil, ErrInvalidScalar
	}
	return r, nil
}

// ResponseFromBytes parses a serialized Response.
func ResponseFromBytes(b []byte) (*Response, error) {
	r := new(Response)
	if err := setScalar(&r.s, b); err != nil {
		return nil, err
	}
	return r, nil
}

// Bytes returns the big endian serialization of the Response.
func (r *Response) Bytes() [ResponseLength]byte {
	return r.s.Bytes()
}

// ToChallenge returns the curve point the response solves.
func (r *Response) ToChallenge() Challenge {
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&r.s, &p)
	var c Challenge
	copy(c[:], serializeCompressed(&p))
	return c
}

// Challenge is the compressed curve point (own + ack)·G.
type Challenge [PointLength]byte

// ChallengeFromHintAndShare combines the commitment to one's own half key
// with the hint for the acknowledgement half key.
func ChallengeFromHintAndShare(ownShare, hint *HalfKeyChallenge) (Challenge, error) {
	var c Challenge
	a, err := ownShare.point()
	if err != nil {
		return c, err
	}
	b, err := hint.point()
	if err != nil {
		return c, err
	}
	var sum secp256k1.JacobianPoint
	secp256k1.AddNonConst(a, b, &sum)
	if isInfinity(&sum) {
		return c, ErrInvalidPublicKey
	}
	copy(c[:], serializeCompressed(&sum))
	return c, nil
}

// ToEthereumChallenge returns the Ethereum address style digest of the
// challenge point.
func (c *Challenge) ToEthereumChallenge() (EthereumChallenge, error) {
	var e EthereumChallenge
	pk, err := secp256k1.ParsePubKey(c[:])
	if err != nil {
		return e, ErrInvalidPublicKey
	}
	copy(e[:], crypto.Keccak256(pk.SerializeUncompressed()[1:])[12:])
	return e, nil
}

// EthereumChallenge is the 20 byte challenge embedded in a ticket.
type EthereumChallenge [EthereumChallengeLength]byte

// String returns the hex representation of the challenge.
func (e EthereumChallenge) String() string {
	return hex.EncodeToString(e[:])
}

func parsePoint(b []byte) (*secp256k1.JacobianPoint, error) {
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	p := new(secp256k1.JacobianPoint)
	pk.AsJacobian(p)
	return p, nil
}

func isInfinity(p *secp256k1.JacobianPoint) bool {
	return (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero()
}

func serializeCompressed(p *secp256k1.JacobianPoint) []byte {
	p.ToAffine()
	return secp256k1.NewPublicKey(&p.X, &p.Y).SerializeCompressed()
}
