// sphinx.go - Sphinx Packet Format.
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

// Package sphinx implements the onion packet format carried by relays, a
// Sphinx variant whose per-hop routing info also transports the
// Proof-of-Relay string and path position for the attached ticket.
package sphinx

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/ticketmix/core/sphinx/commands"
	"github.com/katzenpost/ticketmix/core/sphinx/internal/crypto"
)

const (
	adLength = 2

	// PayloadTagLength is the length of the payload SPRP tag.
	PayloadTagLength = 32

	// GroupElementLength is the length of the header group element.
	GroupElementLength = crypto.GroupElementLength

	// SharedSecretLength is the length of a hop's shared secret.
	SharedSecretLength = crypto.GroupElementLength

	// ReplayTagLength is the length of the per-hop replay tag.
	ReplayTagLength = crypto.HashLength

	// PerHopRoutingInfoLength is the size of the largest per-hop command
	// block: a relay has a next hop, a Proof-of-Relay string and a path
	// position.
	PerHopRoutingInfoLength = commands.NextNodeHopLength + commands.RelayProofLength + commands.PathPositionLength

	defaultNrHops               = 4
	defaultForwardPayloadLength = 500
)

var (
	v0AD = [adLength]byte{0x00, 0x00}

	// ErrInvalidPacket is returned for packets that fail to decode.
	ErrInvalidPacket = errors.New("sphinx: invalid packet")

	errTruncatedPayload = errors.New("sphinx: truncated payload")
	errInvalidTag       = errors.New("sphinx: payload auth failed")
)

// Geometry describes the geometry of a packet.
type Geometry struct {
	// PacketLength is the length of a packet.
	PacketLength int

	// NrHops is the maximum number of hops.
	NrHops int

	// HeaderLength is the length of the header in bytes.
	HeaderLength int

	// RoutingInfoLength is the length of the routing info portion of the header.
	RoutingInfoLength int

	// PerHopRoutingInfoLength is the length of the per hop routing info.
	PerHopRoutingInfoLength int

	// PayloadTagLength is the length of the payload tag.
	PayloadTagLength int

	// ForwardPayloadLength is the size of the payload.
	ForwardPayloadLength int
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("sphinx_packet_geometry:\n")
	b.WriteString(fmt.Sprintf("packet size: %d\n", g.PacketLength))
	b.WriteString(fmt.Sprintf("number of hops: %d\n", g.NrHops))
	b.WriteString(fmt.Sprintf("header size: %d\n", g.HeaderLength))
	b.WriteString(fmt.Sprintf("forward payload size: %d\n", g.ForwardPayloadLength))
	b.WriteString(fmt.Sprintf("routing info size: %d\n", g.RoutingInfoLength))
	return b.String()
}

// Validate returns an error if the geometry is unusable.
func (g *Geometry) Validate() error {
	switch {
	case g.NrHops < 1:
		return errors.New("sphinx: geometry must allow at least one hop")
	case g.NrHops > 255:
		return errors.New("sphinx: geometry path positions must fit in a byte")
	case g.ForwardPayloadLength < 1:
		return errors.New("sphinx: geometry must carry a payload")
	}
	return nil
}

// GeometryFromForwardPayloadLength returns the geometry for nrHops hops
// carrying forwardPayloadLength bytes of payload.
func GeometryFromForwardPayloadLength(forwardPayloadLength, nrHops int) *Geometry {
	routingInfoLength := PerHopRoutingInfoLength * nrHops
	headerLength := adLength + GroupElementLength + routingInfoLength + crypto.MACLength
	return &Geometry{
		NrHops:                  nrHops,
		HeaderLength:            headerLength,
		PacketLength:            headerLength + PayloadTagLength + forwardPayloadLength,
		RoutingInfoLength:       routingInfoLength,
		PerHopRoutingInfoLength: PerHopRoutingInfoLength,
		PayloadTagLength:        PayloadTagLength,
		ForwardPayloadLength:    forwardPayloadLength,
	}
}

// DefaultGeometry returns the geometry used unless configured otherwise.
func DefaultGeometry() *Geometry {
	return GeometryFromForwardPayloadLength(defaultForwardPayloadLength, defaultNrHops)
}

// Sphinx creates and unwraps packets of a fixed geometry.
type Sphinx struct {
	geometry *Geometry
}

// NewSphinx creates a new instance of Sphinx.
func NewSphinx(geometry *Geometry) *Sphinx {
	return &Sphinx{geometry: geometry}
}

// Geometry returns the packet geometry.
func (s *Sphinx) Geometry() *Geometry {
	return s.geometry
}

// PathHop describes a hop that a packet will traverse, along with all of
// the per-hop Commands (excluding NextNodeHop).
type PathHop struct {
	// ID is the hop's packet public key.
	ID [commands.NodeIDLength]byte

	// PublicKey is the hop's X25519 public key.
	PublicKey [GroupElementLength]byte

	Commands []commands.RoutingCommand
}

// SharedKeys are the per-hop secrets for a path, created before the header
// so that the commands, which embed values derived from the secrets, can be
// computed first.
type SharedKeys struct {
	groupElements [][]byte
	secrets       [][]byte
	keys          []*crypto.PacketKeys
}

// Secrets returns the shared secret of each hop, in path order.
func (k *SharedKeys) Secrets() [][]byte {
	return k.secrets
}

// Reset clears the key material.
func (k *SharedKeys) Reset() {
	for i := range k.keys {
		k.keys[i].Reset()
		util.ExplicitBzero(k.secrets[i])
	}
}

// NewSharedKeys performs the blinded key exchange with each of the hop
// public keys.
func (s *Sphinx) NewSharedKeys(r io.Reader, publicKeys [][GroupElementLength]byte) (*SharedKeys, error) {
	nrHops := len(publicKeys)
	if nrHops == 0 || nrHops > s.geometry.NrHops {
		return nil, errors.New("sphinx: invalid path")
	}

	x := make([]byte, GroupElementLength)
	defer util.ExplicitBzero(x)
	if _, err := io.ReadFull(r, x); err != nil {
		return nil, err
	}

	k := &SharedKeys{
		groupElements: make([][]byte, nrHops),
		secrets:       make([][]byte, nrHops),
		keys:          make([]*crypto.PacketKeys, nrHops),
	}
	k.groupElements[0] = crypto.ExpG(x)
	for i := 0; i < nrHops; i++ {
		secret, err := crypto.Exp(publicKeys[i][:], x)
		if err != nil {
			return nil, err
		}
		for j := 0; j < i; j++ {
			if secret, err = crypto.Exp(secret, k.keys[j].BlindingFactor[:]); err != nil {
				return nil, err
			}
		}
		k.secrets[i] = secret
		k.keys[i] = crypto.KDF(secret)

		if i > 0 {
			ge, err := crypto.Exp(k.groupElements[i-1], k.keys[i-1].BlindingFactor[:])
			if err != nil {
				return nil, err
			}
			k.groupElements[i] = ge
		}
	}
	return k, nil
}

func (s *Sphinx) commandsToBytes(cmds []commands.RoutingCommand, isTerminal bool) ([]byte, error) {
	b := make([]byte, 0, s.geometry.PerHopRoutingInfoLength)
	for _, v := range cmds {
		// NextNodeHop is generated by the header creation process.
		if _, isNextNodeHop := v.(*commands.NextNodeHop); isNextNodeHop {
			return nil, errors.New("sphinx: invalid commands, NextNodeHop")
		}
		b = v.ToBytes(b)
	}
	if !isTerminal && len(b)+commands.NextNodeHopLength > s.geometry.PerHopRoutingInfoLength {
		return nil, errors.New("sphinx: invalid commands, insufficient remaining capacity")
	}
	if len(b) > s.geometry.PerHopRoutingInfoLength {
		return nil, errors.New("sphinx: invalid commands, oversized serialized block")
	}
	return b, nil
}

func (s *Sphinx) createHeader(r io.Reader, keys *SharedKeys, path []*PathHop) ([]byte, error) {
	nrHops := len(path)
	if nrHops != len(keys.keys) {
		return nil, errors.New("sphinx: path does not match shared keys")
	}
	perHop := s.geometry.PerHopRoutingInfoLength

	// Derive the routing_information keystream and encrypted padding for each
	// hop.
	riKeyStream := make([][]byte, nrHops)
	riPadding := make([][]byte, nrHops)
	for i := 0; i < nrHops; i++ {
		keyStream := make([]byte, s.geometry.RoutingInfoLength+perHop)
		defer util.ExplicitBzero(keyStream)

		streamCipher := crypto.NewStream(&keys.keys[i].HeaderEncryption, &keys.keys[i].HeaderEncryptionIV)
		streamCipher.KeyStream(keyStream)
		streamCipher.Reset()

		ksLen := len(keyStream) - (i+1)*perHop
		riKeyStream[i] = keyStream[:ksLen]
		riPadding[i] = keyStream[ksLen:]
		if i > 0 {
			prevPadLen := len(riPadding[i-1])
			xorBytes(riPadding[i][:prevPadLen], riPadding[i][:prevPadLen], riPadding[i-1])
		}
	}

	// Create the routing_information block, back to front.
	var mac []byte
	var routingInfo []byte
	if skippedHops := s.geometry.NrHops - nrHops; skippedHops > 0 {
		routingInfo = make([]byte, skippedHops*perHop)
		if _, err := io.ReadFull(r, routingInfo); err != nil {
			return nil, err
		}
	}
	zeroBytes := make([]byte, perHop)
	for i := nrHops - 1; i >= 0; i-- {
		isTerminal := i == nrHops-1

		riFragment, err := s.commandsToBytes(path[i].Commands, isTerminal)
		if err != nil {
			return nil, err
		}
		if !isTerminal {
			nextCmd := &commands.NextNodeHop{ID: path[i+1].ID}
			copy(nextCmd.MAC[:], mac)
			riFragment = nextCmd.ToBytes(riFragment)
		}
		if padLen := perHop - len(riFragment); padLen > 0 {
			riFragment = append(riFragment, zeroBytes[:padLen]...)
		}

		routingInfo = append(riFragment, routingInfo...)
		xorBytes(routingInfo, routingInfo, riKeyStream[i])

		m := crypto.NewMAC(&keys.keys[i].HeaderMAC)
		m.Write(v0AD[:])
		m.Write(keys.groupElements[i])
		m.Write(routingInfo)
		if i > 0 {
			m.Write(riPadding[i-1])
		}
		mac = m.Sum(nil)
	}

	hdr := make([]byte, 0, s.geometry.HeaderLength)
	hdr = append(hdr, v0AD[:]...)
	hdr = append(hdr, keys.groupElements[0]...)
	hdr = append(hdr, routingInfo...)
	return append(hdr, mac...), nil
}

// NewPacket creates a forward packet along path, using the secrets in keys
// which must have been created for the same path.
func (s *Sphinx) NewPacket(r io.Reader, keys *SharedKeys, path []*PathHop, payload []byte) ([]byte, error) {
	if len(payload) != s.geometry.ForwardPayloadLength {
		return nil, fmt.Errorf("sphinx: invalid payload length: %d, expected %d", len(payload), s.geometry.ForwardPayloadLength)
	}

	hdr, err := s.createHeader(r, keys, path)
	if err != nil {
		return nil, err
	}

	pkt := make([]byte, 0, s.geometry.PacketLength)
	pkt = append(pkt, hdr...)
	pkt = append(pkt, make([]byte, s.geometry.PayloadTagLength)...)
	pkt = append(pkt, payload...)

	// The header encryption IV is reused for the SPRP as the keys and the
	// primitives differ.
	b := pkt[len(hdr):]
	for i := len(path) - 1; i >= 0; i-- {
		k := keys.keys[i]
		b = crypto.SPRPEncrypt(&k.PayloadEncryption, &k.HeaderEncryptionIV, b)
	}
	copy(pkt[len(hdr):], b)

	return pkt, nil
}

// Unwrapped is the result of unwrapping a packet at one hop.
type Unwrapped struct {
	// Payload is the decrypted payload at the terminal hop, nil otherwise.
	Payload []byte

	// ReplayTag is unique per packet and hop.
	ReplayTag [ReplayTagLength]byte

	// Commands are the hop's routing commands.
	Commands []commands.RoutingCommand

	// SharedSecret is the hop's shared secret, the Proof-of-Relay input.
	SharedSecret []byte
}

// NextNodeHop returns the next hop command, or nil at the terminal hop.
func (u *Unwrapped) NextNodeHop() *commands.NextNodeHop {
	for _, c := range u.Commands {
		if n, ok := c.(*commands.NextNodeHop); ok {
			return n
		}
	}
	return nil
}

// Unwrap unwraps pkt in place with the X25519 private key privKey. For
// relays, pkt is transformed into the packet for the next hop.
func (s *Sphinx) Unwrap(privKey []byte, pkt []byte) (*Unwrapped, error) {
	var (
		geOff      = adLength
		riOff      = geOff + GroupElementLength
		macOff     = riOff + s.geometry.RoutingInfoLength
		payloadOff = macOff + crypto.MACLength
	)

	if len(pkt) != s.geometry.PacketLength {
		return nil, fmt.Errorf("%w: bad length %d", ErrInvalidPacket, len(pkt))
	}
	if subtle.ConstantTimeCompare(v0AD[:], pkt[:adLength]) != 1 {
		return nil, fmt.Errorf("%w: unknown version", ErrInvalidPacket)
	}

	groupElement := pkt[geOff:riOff]
	sharedSecret, err := crypto.Exp(groupElement, privKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	u := &Unwrapped{
		ReplayTag:    crypto.Hash(groupElement),
		SharedSecret: sharedSecret,
	}

	keys := crypto.KDF(sharedSecret)
	defer keys.Reset()

	m := crypto.NewMAC(&keys.HeaderMAC)
	m.Write(pkt[:macOff])
	if subtle.ConstantTimeCompare(pkt[macOff:payloadOff], m.Sum(nil)) != 1 {
		return nil, fmt.Errorf("%w: MAC mismatch", ErrInvalidPacket)
	}

	// Append padding to preserve length invariance, decrypt the (padded)
	// routing_info block, and extract the section for the current hop.
	b := make([]byte, s.geometry.RoutingInfoLength+s.geometry.PerHopRoutingInfoLength)
	copy(b, pkt[riOff:macOff])
	stream := crypto.NewStream(&keys.HeaderEncryption, &keys.HeaderEncryptionIV)
	stream.XORKeyStream(b, b)
	stream.Reset()

	newRoutingInfo := b[s.geometry.PerHopRoutingInfoLength:]
	cmdBuf := b[:s.geometry.PerHopRoutingInfoLength]

	var nextNode *commands.NextNodeHop
	for {
		cmd, rest, err := commands.FromBytes(cmdBuf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
		} else if cmd == nil {
			break
		}
		if c, ok := cmd.(*commands.NextNodeHop); ok {
			if nextNode != nil {
				return nil, fmt.Errorf("%w: > 1 next_node", ErrInvalidPacket)
			}
			nextNode = c
		}
		u.Commands = append(u.Commands, cmd)
		cmdBuf = rest
	}

	payload := crypto.SPRPDecrypt(&keys.PayloadEncryption, &keys.HeaderEncryptionIV, pkt[payloadOff:])

	if nextNode != nil {
		blinded, err := crypto.Exp(groupElement, keys.BlindingFactor[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
		}
		copy(pkt[geOff:riOff], blinded)
		copy(pkt[riOff:macOff], newRoutingInfo)
		copy(pkt[macOff:payloadOff], nextNode.MAC[:])
		copy(pkt[payloadOff:], payload)
		return u, nil
	}

	if len(payload) < s.geometry.PayloadTagLength {
		return nil, errTruncatedPayload
	}
	if !util.CtIsZero(payload[:s.geometry.PayloadTagLength]) {
		return nil, errInvalidTag
	}
	u.Payload = payload[s.geometry.PayloadTagLength:]
	return u, nil
}

func xorBytes(dst, a, b []byte) {
	if len(a) != len(b) || len(a) != len(dst) {
		panic(fmt.Sprintf("sphinx: BUG: xorBytes called with mismatched buffer sizes, got 'len(a)' %d and 'len(b)' %d", len(a), len(b)))
	}
	for i, v := range a {
		dst[i] = v ^ b[i]
	}
}
