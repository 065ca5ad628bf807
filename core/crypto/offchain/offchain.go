// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package offchain provides the ed25519 packet keys that identify relays on
// the link layer and, converted to X25519, terminate onion hops.
package offchain

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/katzenpost/hpqc/sign/ed25519"
	signpem "github.com/katzenpost/hpqc/sign/pem"
)

const (
	// PublicKeyLength is the length of a packet public key in bytes.
	PublicKeyLength = 32

	// SignatureLength is the length of a packet key signature in bytes.
	SignatureLength = 64

	// DHLength is the length of the X25519 keys derived from packet keys.
	DHLength = 32
)

// ErrInvalidPublicKey is returned for byte strings that are not valid
// ed25519 points.
var ErrInvalidPublicKey = errors.New("offchain: invalid public key")

// PublicKey is a packet public key. It doubles as the relay's peer id.
type PublicKey [PublicKeyLength]byte

// PublicKeyFromBytes validates and wraps b.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeyLength {
		return pk, ErrInvalidPublicKey
	}
	if _, err := new(edwards25519.Point).SetBytes(b); err != nil {
		return pk, ErrInvalidPublicKey
	}
	copy(pk[:], b)
	return pk, nil
}

// PublicKeyFromHex parses a hex encoded packet public key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("offchain: %w", err)
	}
	return PublicKeyFromBytes(b)
}

// ToX25519 returns the Montgomery form of the key.
func (pk PublicKey) ToX25519() ([DHLength]byte, error) {
	var out [DHLength]byte
	p, err := new(edwards25519.Point).SetBytes(pk[:])
	if err != nil {
		return out, ErrInvalidPublicKey
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// Verify returns true iff sig is a valid signature over msg.
func (pk PublicKey) Verify(sig, msg []byte) bool {
	k := new(ed25519.PublicKey)
	if err := k.FromBytes(pk[:]); err != nil {
		return false
	}
	return k.Verify(sig, msg)
}

// String returns the hex representation of the key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Keypair is a packet keypair.
type Keypair struct {
	priv *ed25519.PrivateKey
	pub  PublicKey
	dh   [DHLength]byte
}

// NewKeypair generates a new packet keypair.
func NewKeypair(r io.Reader) (*Keypair, error) {
	priv, _, err := ed25519.NewKeypair(r)
	if err != nil {
		return nil, err
	}
	return fromPrivateKey(priv)
}

// KeypairFromSeed deterministically derives a packet keypair from a 32 byte
// seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.KeySeedSize {
		return nil, fmt.Errorf("offchain: seed must be %d bytes", ed25519.KeySeedSize)
	}
	_, priv := ed25519.NewKeyFromSeed(seed)
	return fromPrivateKey(priv)
}

func fromPrivateKey(priv *ed25519.PrivateKey) (*Keypair, error) {
	pub, err := PublicKeyFromBytes(priv.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	k := &Keypair{
		priv: priv,
		pub:  pub,
	}
	// The X25519 scalar is the clamped lower half of the expanded seed,
	// which matches the Montgomery form of the public key.
	h := sha512.Sum512(priv.Bytes()[:ed25519.KeySeedSize])
	copy(k.dh[:], h[:DHLength])
	return k, nil
}

// LoadKeypair reads a PEM encoded packet private key from file f.
func LoadKeypair(f string) (*Keypair, error) {
	sk, err := signpem.FromPrivatePEMFile(f, ed25519.Scheme())
	if err != nil {
		return nil, err
	}
	priv, ok := sk.(*ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("offchain: '%v' is not an ed25519 key", f)
	}
	return fromPrivateKey(priv)
}

// Save writes the PEM encoded private key to file f.
func (k *Keypair) Save(f string) error {
	return signpem.PrivateKeyToFile(f, k.priv)
}

// SavePublic writes the PEM encoded public key to file f.
func (k *Keypair) SavePublic(f string) error {
	return signpem.PublicKeyToFile(f, k.priv.PublicKey())
}

// Public returns the packet public key.
func (k *Keypair) Public() PublicKey {
	return k.pub
}

// Sign signs msg with the packet key.
func (k *Keypair) Sign(msg []byte) []byte {
	return k.priv.SignMessage(msg)
}

// X25519 returns the X25519 private scalar used for onion decryption.
func (k *Keypair) X25519() []byte {
	return k.dh[:]
}

// SignerKey returns the underlying hpqc key, for consumers such as TLS
// certificate generation that need the raw ed25519 key.
func (k *Keypair) SignerKey() *ed25519.PrivateKey {
	return k.priv
}
