// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package chain provides the secp256k1 keys used to sign and redeem tickets,
// along with the Ethereum style addresses and signatures derived from them.
package chain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// SignatureLength is the length of a compact signature in bytes.
	SignatureLength = 64

	// SecretLength is the length of a serialized private key in bytes.
	SecretLength = 32
)

var (
	// ErrSignatureVerification is returned when a signature does not
	// recover to the expected signer.
	ErrSignatureVerification = errors.New("chain: signature verification failed")

	// ErrInvalidSignature is returned for malformed signatures.
	ErrInvalidSignature = errors.New("chain: invalid signature")
)

// Keypair is a secp256k1 chain key along with its address.
type Keypair struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// NewKeypair samples a new chain keypair from the entropy source r.
func NewKeypair(r io.Reader) (*Keypair, error) {
	var secret [SecretLength]byte
	for {
		if _, err := io.ReadFull(r, secret[:]); err != nil {
			return nil, err
		}
		// ToECDSA rejects zero and out of range scalars, which are
		// astronomically unlikely, so just draw again.
		if k, err := KeypairFromSecret(secret[:]); err == nil {
			return k, nil
		}
	}
}

// KeypairFromSecret builds a keypair from a 32 byte big endian scalar.
func KeypairFromSecret(secret []byte) (*Keypair, error) {
	priv, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid secret: %w", err)
	}
	return fromECDSA(priv), nil
}

func fromECDSA(priv *ecdsa.PrivateKey) *Keypair {
	return &Keypair{
		priv: priv,
		addr: crypto.PubkeyToAddress(priv.PublicKey),
	}
}

// LoadKeypair reads a hex encoded chain key from file f.
func LoadKeypair(f string) (*Keypair, error) {
	priv, err := crypto.LoadECDSA(f)
	if err != nil {
		return nil, err
	}
	return fromECDSA(priv), nil
}

// Save writes the hex encoded chain key to file f.
func (k *Keypair) Save(f string) error {
	return crypto.SaveECDSA(f, k.priv)
}

// Address returns the address of the keypair.
func (k *Keypair) Address() common.Address {
	return k.addr
}

// Secret returns the 32 byte big endian private scalar.
func (k *Keypair) Secret() []byte {
	return crypto.FromECDSA(k.priv)
}

// PublicKey returns the 33 byte compressed public key.
func (k *Keypair) PublicKey() []byte {
	return crypto.CompressPubkey(&k.priv.PublicKey)
}

// Sign signs the 32 byte digest h.
func (k *Keypair) Sign(h common.Hash) Signature {
	raw, err := crypto.Sign(h[:], k.priv)
	if err != nil {
		// Sign only fails on malformed digests or keys, neither of which
		// is possible here.
		panic("chain: BUG: failed to sign: " + err.Error())
	}
	return signatureFromRSV(raw)
}

// Signature is a 64 byte compact ECDSA signature, R followed by S, with the
// recovery bit packed into the most significant bit of S.
type Signature [SignatureLength]byte

func signatureFromRSV(raw []byte) Signature {
	var s Signature
	copy(s[:], raw[:SignatureLength])
	// go-ethereum always produces low-S signatures so the top bit of S is
	// free to carry the recovery id.
	s[32] |= raw[64] << 7
	return s
}

// SignatureFromBytes parses a compact signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if len(b) != SignatureLength {
		return s, ErrInvalidSignature
	}
	copy(s[:], b)
	return s, nil
}

// RSV returns the 65 byte [R || S || V] form expected by go-ethereum.
func (s *Signature) RSV() []byte {
	raw := make([]byte, SignatureLength+1)
	copy(raw, s[:])
	raw[64] = s[32] >> 7
	raw[32] &= 0x7f
	return raw
}

// Recover returns the address that produced the signature over h.
func (s *Signature) Recover(h common.Hash) (common.Address, error) {
	pub, err := crypto.SigToPub(h[:], s.RSV())
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify returns nil iff the signature over h was produced by signer.
func (s *Signature) Verify(h common.Hash, signer common.Address) error {
	addr, err := s.Recover(h)
	if err != nil {
		return err
	}
	if addr != signer {
		return ErrSignatureVerification
	}
	return nil
}

// String returns the hex representation of the signature.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// ParseAddress parses a hex address, with or without the 0x prefix.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("chain: invalid address '%v'", s)
	}
	return common.HexToAddress(s), nil
}
