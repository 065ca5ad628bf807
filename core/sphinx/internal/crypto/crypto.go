// crypto.go - Cryptographic primitive wrappers.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package crypto provides the cryptographic operations of the onion packet
// format: the hop KDF, header MAC, header stream cipher, payload SPRP and
// the X25519 group operations.
package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
	"io"

	"github.com/katzenpost/hpqc/util"
	"gitlab.com/yawning/aez.git"
	"gitlab.com/yawning/bsaes.git"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// HashLength is the output size of the unkeyed hash in bytes.
	HashLength = sha512.Size256

	// MACKeyLength is the key size of the MAC in bytes.
	MACKeyLength = 32

	// MACLength is the tag size of the MAC in bytes.
	MACLength = 16

	// StreamKeyLength is the key size of the stream cipher in bytes.
	StreamKeyLength = 16

	// StreamIVLength is the IV size of the stream cipher in bytes.
	StreamIVLength = 16

	// SPRPKeyLength is the key size of the SPRP in bytes.
	SPRPKeyLength = 48

	// SPRPIVLength is the IV size of the SPRP in bytes.
	SPRPIVLength = StreamIVLength

	// GroupElementLength is the length of an X25519 group element in bytes.
	GroupElementLength = curve25519.PointSize

	okmLength = MACKeyLength + StreamKeyLength + StreamIVLength + SPRPKeyLength + GroupElementLength
	kdfInfo   = "ticketmix-kdf-v0-hkdf-sha256"
)

// ErrInvalidGroupElement is returned when a DH operation yields the
// identity, which only happens for low order inputs.
var ErrInvalidGroupElement = errors.New("sphinx/crypto: invalid group element")

type macWrapper struct {
	hash.Hash
}

func (m *macWrapper) Sum(b []byte) []byte {
	tmp := m.Hash.Sum(nil)
	return append(b, tmp[:MACLength]...)
}

// NewMAC returns HMAC-SHA256 truncated to MACLength bytes.
func NewMAC(key *[MACKeyLength]byte) hash.Hash {
	return &macWrapper{hmac.New(sha256.New, key[:])}
}

// Hash returns the SHA512/256 digest of msg.
func Hash(msg []byte) [HashLength]byte {
	return sha512.Sum512_256(msg)
}

// Stream is the header stream cipher, AES-128-CTR.
type Stream struct {
	cipher.Stream
}

// NewStream returns a new Stream keyed with key and iv.
func NewStream(key *[StreamKeyLength]byte, iv *[StreamIVLength]byte) *Stream {
	blk, err := bsaes.NewCipher(key[:])
	if err != nil {
		panic("crypto/NewStream: failed to create AES instance: " + err.Error())
	}
	return &Stream{cipher.NewCTR(blk, iv[:])}
}

// KeyStream overwrites dst with key stream output.
func (s *Stream) KeyStream(dst []byte) {
	util.ExplicitBzero(dst)
	s.XORKeyStream(dst, dst)
}

// Reset clears the key schedule where the implementation allows it.
func (s *Stream) Reset() {
	if r, ok := s.Stream.(interface{ Reset() }); ok {
		r.Reset()
	}
}

// SPRPEncrypt encrypts msg with the AEZ based SPRP.
func SPRPEncrypt(key *[SPRPKeyLength]byte, iv *[SPRPIVLength]byte, msg []byte) []byte {
	return aez.Encrypt(key[:], iv[:], nil, 0, msg, nil)
}

// SPRPDecrypt decrypts msg with the AEZ based SPRP.
func SPRPDecrypt(key *[SPRPKeyLength]byte, iv *[SPRPIVLength]byte, msg []byte) []byte {
	dst, ok := aez.Decrypt(key[:], iv[:], nil, 0, msg, nil)
	if !ok {
		// With tau = 0 there is no authenticator, so this can't fail.
		panic("crypto/SPRPDecrypt: BUG - aez.Decrypt failed with tau = 0")
	}
	return dst
}

// PacketKeys are the keys derived for a single hop.
type PacketKeys struct {
	HeaderMAC          [MACKeyLength]byte
	HeaderEncryption   [StreamKeyLength]byte
	HeaderEncryptionIV [StreamIVLength]byte
	PayloadEncryption  [SPRPKeyLength]byte
	BlindingFactor     [GroupElementLength]byte
}

// Reset zeroes the keys.
func (k *PacketKeys) Reset() {
	util.ExplicitBzero(k.HeaderMAC[:])
	util.ExplicitBzero(k.HeaderEncryption[:])
	util.ExplicitBzero(k.HeaderEncryptionIV[:])
	util.ExplicitBzero(k.PayloadEncryption[:])
	util.ExplicitBzero(k.BlindingFactor[:])
}

// KDF expands a hop shared secret into the hop's packet keys.
func KDF(sharedSecret []byte) *PacketKeys {
	okm := make([]byte, okmLength)
	defer util.ExplicitBzero(okm)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, sharedSecret, []byte(kdfInfo)), okm); err != nil {
		panic("crypto/KDF: BUG - hkdf.Expand failed: " + err.Error())
	}

	k := new(PacketKeys)
	off := copy(k.HeaderMAC[:], okm)
	off += copy(k.HeaderEncryption[:], okm[off:])
	off += copy(k.HeaderEncryptionIV[:], okm[off:])
	off += copy(k.PayloadEncryption[:], okm[off:])
	copy(k.BlindingFactor[:], okm[off:])
	return k
}

// Exp returns the group element point^scalar.
func Exp(point, scalar []byte) ([]byte, error) {
	out, err := curve25519.X25519(scalar, point)
	if err != nil {
		return nil, ErrInvalidGroupElement
	}
	return out, nil
}

// ExpG returns the group element G^scalar.
func ExpG(scalar []byte) []byte {
	out, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		panic("crypto/ExpG: BUG - base point multiplication failed")
	}
	return out
}
