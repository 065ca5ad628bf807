// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package vrf implements the verifiable random function whose output point
// feeds the ticket win check.
package vrf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
)

const (
	pointLength  = 33
	scalarLength = 32

	// ParametersLength is the length of serialized Parameters in bytes.
	ParametersLength = 3*pointLength + 2*scalarLength

	maxHashToCurveAttempts = 256
)

var (
	// ErrVerification is returned when the VRF proof does not check out.
	ErrVerification = errors.New("vrf: verification failed")

	// ErrHashToCurve is returned when no curve point could be found for a
	// message, which happens with probability 2^-256.
	ErrHashToCurve = errors.New("vrf: failed to hash to curve")

	errInvalidLength = errors.New("vrf: invalid parameters length")
)

// Parameters are the VRF output V along with the proof (h, s) and the helper
// points h·V and s·B consumed by on-chain verifiers.
type Parameters struct {
	V  [pointLength]byte
	H  [scalarLength]byte
	S  [scalarLength]byte
	HV [pointLength]byte
	SB [pointLength]byte
}

// VUncompressed returns the 65 byte uncompressed encoding of V.
func (p *Parameters) VUncompressed() ([]byte, error) {
	pk, err := secp256k1.ParsePubKey(p.V[:])
	if err != nil {
		return nil, fmt.Errorf("vrf: invalid V: %w", err)
	}
	return pk.SerializeUncompressed(), nil
}

// Bytes serializes the parameters.
func (p *Parameters) Bytes() []byte {
	b := make([]byte, 0, ParametersLength)
	b = append(b, p.V[:]...)
	b = append(b, p.H[:]...)
	b = append(b, p.S[:]...)
	b = append(b, p.HV[:]...)
	b = append(b, p.SB[:]...)
	return b
}

// FromBytes deserializes parameters. The points are not validated until
// Verify is called.
func FromBytes(b []byte) (*Parameters, error) {
	if len(b) != ParametersLength {
		return nil, errInvalidLength
	}
	p := new(Parameters)
	off := 0
	off += copy(p.V[:], b[off:])
	off += copy(p.H[:], b[off:])
	off += copy(p.S[:], b[off:])
	off += copy(p.HV[:], b[off:])
	copy(p.SB[:], b[off:])
	return p, nil
}

// Derive evaluates the VRF over msg with the chain key k, under the domain
// separation tag dst.
func Derive(r io.Reader, msg []byte, k *chain.Keypair, dst []byte) (*Parameters, error) {
	var a secp256k1.ModNScalar
	if overflow := a.SetByteSlice(k.Secret()); overflow || a.IsZero() {
		return nil, fmt.Errorf("vrf: invalid chain key")
	}
	addr := k.Address()

	b, err := hashToCurve(addr, msg, dst)
	if err != nil {
		return nil, err
	}

	var v secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&a, b, &v)

	nonce, err := randomScalar(r)
	if err != nil {
		return nil, err
	}
	var rb secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(nonce, b, &rb)

	vBytes := uncompressed(&v)
	h := hashToScalar(dst, addr[:], vBytes[1:], uncompressed(&rb)[1:], msg)

	// s = r + h·a
	var s secp256k1.ModNScalar
	s.Mul2(h, &a).Add(nonce)

	var sb, hv secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s, b, &sb)
	secp256k1.ScalarMultNonConst(h, &v, &hv)

	p := &Parameters{
		H: h.Bytes(),
		S: s.Bytes(),
	}
	copy(p.V[:], compressed(&v))
	copy(p.HV[:], compressed(&hv))
	copy(p.SB[:], compressed(&sb))
	return p, nil
}

// Verify checks that the parameters were produced over msg by the holder
// of the chain key for creator.
func (p *Parameters) Verify(creator common.Address, msg []byte, dst []byte) error {
	b, err := hashToCurve(creator, msg, dst)
	if err != nil {
		return err
	}

	v, err := parsePoint(p.V[:])
	if err != nil {
		return err
	}
	hv, err := parsePoint(p.HV[:])
	if err != nil {
		return err
	}
	sb, err := parsePoint(p.SB[:])
	if err != nil {
		return err
	}

	var h, s secp256k1.ModNScalar
	if h.SetByteSlice(p.H[:]) || s.SetByteSlice(p.S[:]) {
		return ErrVerification
	}

	var check secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s, b, &check)
	if !equal(&check, sb) {
		return ErrVerification
	}
	secp256k1.ScalarMultNonConst(&h, v, &check)
	if !equal(&check, hv) {
		return ErrVerification
	}

	// R = s·B - h·V
	var negHV, rv secp256k1.JacobianPoint
	negHV.Set(hv)
	negHV.ToAffine()
	negHV.Y.Negate(1).Normalize()
	secp256k1.AddNonConst(sb, &negHV, &rv)
	if isInfinity(&rv) {
		return ErrVerification
	}

	hCheck := hashToScalar(dst, creator[:], uncompressed(v)[1:], uncompressed(&rv)[1:], msg)
	if !hCheck.Equals(&h) {
		return ErrVerification
	}
	return nil
}

// hashToCurve maps (creator, msg) onto a curve point by try and increment.
func hashToCurve(creator common.Address, msg, dst []byte) (*secp256k1.JacobianPoint, error) {
	var ctr [4]byte
	for i := uint32(0); i < maxHashToCurveAttempts; i++ {
		binary.BigEndian.PutUint32(ctr[:], i)
		digest := crypto.Keccak256(dst, creator[:], msg, ctr[:])

		var x, y secp256k1.FieldVal
		if overflow := x.SetByteSlice(digest); overflow {
			continue
		}
		if !secp256k1.DecompressY(&x, false, &y) {
			continue
		}
		p := new(secp256k1.JacobianPoint)
		p.X.Set(&x)
		p.Y.Set(y.Normalize())
		p.Z.SetInt(1)
		return p, nil
	}
	return nil, ErrHashToCurve
}

func hashToScalar(dst []byte, parts ...[]byte) *secp256k1.ModNScalar {
	data := append([][]byte{dst}, parts...)
	var h secp256k1.ModNScalar
	h.SetByteSlice(crypto.Keccak256(data...))
	return &h
}

func randomScalar(r io.Reader) (*secp256k1.ModNScalar, error) {
	var b [scalarLength]byte
	s := new(secp256k1.ModNScalar)
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		if overflow := s.SetByteSlice(b[:]); !overflow && !s.IsZero() {
			return s, nil
		}
	}
}

func parsePoint(b []byte) (*secp256k1.JacobianPoint, error) {
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, ErrVerification
	}
	p := new(secp256k1.JacobianPoint)
	pk.AsJacobian(p)
	return p, nil
}

func isInfinity(p *secp256k1.JacobianPoint) bool {
	return (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero()
}

func equal(a, b *secp256k1.JacobianPoint) bool {
	var x, y secp256k1.JacobianPoint
	x.Set(a)
	y.Set(b)
	x.ToAffine()
	y.ToAffine()
	return x.X.Equals(&y.X) && x.Y.Equals(&y.Y)
}

func compressed(p *secp256k1.JacobianPoint) []byte {
	var a secp256k1.JacobianPoint
	a.Set(p)
	a.ToAffine()
	return secp256k1.NewPublicKey(&a.X, &a.Y).SerializeCompressed()
}

func uncompressed(p *secp256k1.JacobianPoint) []byte {
	var a secp256k1.JacobianPoint
	a.Set(p)
	a.ToAffine()
	return secp256k1.NewPublicKey(&a.X, &a.Y).SerializeUncompressed()
}
