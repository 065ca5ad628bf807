// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/crypto/vrf"
)

const (
	// WinProbLength is the length of an encoded winning probability.
	WinProbLength = 7

	// Epsilon is the tolerance used when comparing winning probabilities.
	Epsilon = 1e-8

	mantissaMask = 0x000fffffffffffff
)

var (
	// NeverWinning is the encoding of a winning probability of 0.
	NeverWinning = WinningProbability{}

	// AlwaysWinning is the encoding of a winning probability of 1.
	AlwaysWinning = WinningProbability{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// WinningProbability is the 56 bit big endian luck threshold a ticket must
// not exceed to win.
//
// Encoded values are only comparable up to Epsilon, so there is deliberately
// no exact equality beyond the raw bytes.
type WinningProbability [WinProbLength]byte

// WinProbFromFloat64 encodes the probability p, which must be in [0, 1].
func WinProbFromFloat64(p float64) (WinningProbability, error) {
	// NaN fails both comparisons.
	if !(p >= 0 && p <= 1) {
		return NeverWinning, invalidInput("winning probability %v not in [0, 1]", p)
	}
	switch p {
	case 0:
		return NeverWinning, nil
	case 1:
		return AlwaysWinning, nil
	}

	sig := math.Float64bits(p+1) & mantissaMask
	if sig == 0 {
		// p is below float64 resolution around 1.
		return NeverWinning, nil
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], ((sig-1)<<4)|0xf)

	var w WinningProbability
	copy(w[:], b[1:])
	return w, nil
}

// WinProbFromBytes parses an encoded winning probability.
func WinProbFromBytes(b []byte) (WinningProbability, error) {
	var w WinningProbability
	if len(b) != WinProbLength {
		return w, invalidInput("winning probability must be %d bytes", WinProbLength)
	}
	copy(w[:], b)
	return w, nil
}

// AsLuck returns the encoded threshold as an integer.
func (w WinningProbability) AsLuck() uint64 {
	var b [8]byte
	copy(b[1:], w[:])
	return binary.BigEndian.Uint64(b[:])
}

// AsFloat64 decodes the winning probability.
func (w WinningProbability) AsFloat64() float64 {
	switch w {
	case NeverWinning:
		return 0
	case AlwaysWinning:
		return 1
	}
	tmp := w.AsLuck()
	return math.Float64frombits(1023<<52|(tmp+1)>>4) - 1
}

// ApproxEq returns true iff both probabilities are within Epsilon.
func (w WinningProbability) ApproxEq(o WinningProbability) bool {
	return math.Abs(w.AsFloat64()-o.AsFloat64()) < Epsilon
}

// ApproxCmp compares two probabilities, treating values within Epsilon as
// equal.
func (w WinningProbability) ApproxCmp(o WinningProbability) int {
	switch {
	case w.ApproxEq(o):
		return 0
	case w.AsFloat64() < o.AsFloat64():
		return -1
	default:
		return 1
	}
}

// Bytes returns the encoded probability.
func (w WinningProbability) Bytes() []byte {
	return w[:]
}

func (w WinningProbability) String() string {
	return fmt.Sprintf("%.8f (0x%s)", w.AsFloat64(), hex.EncodeToString(w[:]))
}

// CheckTicketWin returns true iff the luck derived from the ticket hash, the
// signature, the challenge response and the VRF output is within winProb.
func CheckTicketWin(hash common.Hash, sig *chain.Signature, winProb WinningProbability, response *challenge.Response, params *vrf.Parameters) (bool, error) {
	v, err := params.VUncompressed()
	if err != nil {
		return false, err
	}
	resp := response.Bytes()
	digest := crypto.Keccak256(hash[:], v[1:], resp[:], sig[:])

	var b [8]byte
	copy(b[1:], digest[:WinProbLength])
	return binary.BigEndian.Uint64(b[:]) <= winProb.AsLuck(), nil
}
