// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/sphinx"
	"github.com/katzenpost/ticketmix/core/tickets"
)

var testDS = common.HexToHash("0x0202020202020202020202020202020202020202020202020202020202020202")

type testNode struct {
	packet *offchain.Keypair
	chain  *chain.Keypair
	codec  *Codec
}

func newTestNodes(t *testing.T, n int) []*testNode {
	g := sphinx.DefaultGeometry()
	nodes := make([]*testNode, n)
	for i := range nodes {
		pk, err := offchain.NewKeypair(rand.Reader)
		require.NoError(t, err)
		ck, err := chain.NewKeypair(rand.Reader)
		require.NoError(t, err)
		nodes[i] = &testNode{packet: pk, chain: ck, codec: NewCodec(g, pk)}
	}
	return nodes
}

func (n *testNode) ticketTo(t *testing.T, dst *testNode, c challenge.EthereumChallenge) *tickets.Ticket {
	v, err := tickets.NewBuilder().
		Addresses(n.chain.Address(), dst.chain.Address()).
		Amount(uint256.NewInt(100)).
		Index(1).
		ChannelEpoch(1).
		Challenge(c).
		BuildSigned(n.chain, testDS)
	require.NoError(t, err)
	return v.Ticket()
}

func TestPacketRelayChain(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodes := newTestNodes(t, 4)
	sender, r1, r2, dst := nodes[0], nodes[1], nodes[2], nodes[3]
	path := []offchain.PublicKey{r1.packet.Public(), r2.packet.Public(), dst.packet.Public()}

	msg := &ApplicationData{PlainText: []byte("hello mixnet")}
	payload, err := msg.ToPayload(sender.codec.Geometry().ForwardPayloadLength)
	require.NoError(err)

	var firstChallenge challenge.EthereumChallenge
	out, err := sender.codec.NewOutgoing(rand.Reader, payload, path, func(c challenge.EthereumChallenge) (*tickets.Ticket, error) {
		firstChallenge = c
		return sender.ticketTo(t, r1, c), nil
	})
	require.NoError(err)
	require.Equal(r1.packet.Public(), out.NextHop)
	require.Len(out.Raw, Length(sphinx.DefaultGeometry()))

	// First relay.
	p, err := r1.codec.Open(out.Raw, sender.packet.Public())
	require.NoError(err)
	fwd1, ok := p.(*Forwarded)
	require.True(ok)
	require.Equal(uint8(2), fwd1.PathPos)
	require.Equal(r2.packet.Public(), fwd1.NextHop)
	require.Equal(firstChallenge, fwd1.Ticket.Challenge())
	require.Equal(out.AckChallenge, fwd1.AckKey.ToChallenge())

	// Second relay.
	p, err = r2.codec.Open(fwd1.Forward(r1.ticketTo(t, r2, fwd1.NextTicketChallenge)), r1.packet.Public())
	require.NoError(err)
	fwd2, ok := p.(*Forwarded)
	require.True(ok)
	require.Equal(uint8(1), fwd2.PathPos)
	require.Equal(dst.packet.Public(), fwd2.NextHop)

	// The second relay's acknowledgement solves the first relay's ticket.
	require.Equal(fwd1.AckChallenge, fwd2.AckKey.ToChallenge())
	resp, err := challenge.ResponseFromHalfKeys(fwd1.OwnKey, fwd2.AckKey)
	require.NoError(err)
	c := resp.ToChallenge()
	eth, err := c.ToEthereumChallenge()
	require.NoError(err)
	require.Equal(firstChallenge, eth)

	// Destination.
	p, err = dst.codec.Open(fwd2.Forward(r2.ticketTo(t, dst, fwd2.NextTicketChallenge)), r2.packet.Public())
	require.NoError(err)
	final, ok := p.(*Final)
	require.True(ok)
	require.Equal(fwd2.AckChallenge, final.AckKey.ToChallenge())
	require.NotEqual(fwd1.PacketTag, fwd2.PacketTag)

	data, err := ApplicationDataFromPayload(final.PlainText)
	require.NoError(err)
	require.Equal(msg.PlainText, data.PlainText)
	require.Nil(data.Tag)

	// The acknowledgement sent back verifies against the destination.
	ack := dst.codec.Acknowledge(final.AckKey)
	parsed, err := tickets.AcknowledgementFromBytes(ack.Bytes())
	require.NoError(err)
	require.NoError(parsed.Validate(dst.packet.Public()))
	require.Error(parsed.Validate(r2.packet.Public()))
}

func TestPacketDirect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodes := newTestNodes(t, 2)
	sender, dst := nodes[0], nodes[1]

	tag := uint16(7)
	msg := &ApplicationData{Tag: &tag, PlainText: []byte("direct")}
	payload, err := msg.ToPayload(sender.codec.Geometry().ForwardPayloadLength)
	require.NoError(err)

	out, err := sender.codec.NewOutgoing(rand.Reader, payload, []offchain.PublicKey{dst.packet.Public()}, func(c challenge.EthereumChallenge) (*tickets.Ticket, error) {
		v, err := tickets.ZeroHop(sender.chain.Address(), dst.chain.Address()).Challenge(c).BuildSigned(sender.chain, testDS)
		if err != nil {
			return nil, err
		}
		return v.Ticket(), nil
	})
	require.NoError(err)

	p, err := dst.codec.Open(out.Raw, sender.packet.Public())
	require.NoError(err)
	final, ok := p.(*Final)
	require.True(ok)
	require.Equal(out.AckChallenge, final.AckKey.ToChallenge())
	require.Equal(tickets.NeverWinning, final.Ticket.WinProb())

	data, err := ApplicationDataFromPayload(final.PlainText)
	require.NoError(err)
	require.Equal(tag, *data.Tag)
	require.Equal(msg.PlainText, data.PlainText)
}

func TestPacketDecodingErrors(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodes := newTestNodes(t, 3)
	sender, r1, other := nodes[0], nodes[1], nodes[2]

	_, err := r1.codec.Open([]byte{1, 2, 3}, sender.packet.Public())
	require.ErrorIs(err, ErrPacketDecoding)

	payload := make([]byte, sender.codec.Geometry().ForwardPayloadLength)
	path := []offchain.PublicKey{r1.packet.Public(), other.packet.Public()}
	out, err := sender.codec.NewOutgoing(rand.Reader, payload, path, func(c challenge.EthereumChallenge) (*tickets.Ticket, error) {
		return sender.ticketTo(t, r1, c), nil
	})
	require.NoError(err)

	// Opened by the wrong node the MAC does not verify.
	_, err = other.codec.Open(out.Raw, sender.packet.Public())
	require.ErrorIs(err, ErrPacketDecoding)

	// A ticket with a challenge that is not bound to the path fails the
	// Proof-of-Relay check.
	raw := append([]byte{}, out.Raw[:sender.codec.Geometry().PacketLength]...)
	raw = append(raw, sender.ticketTo(t, r1, challenge.EthereumChallenge{}).Bytes()...)
	_, err = r1.codec.Open(raw, sender.packet.Public())
	require.ErrorIs(err, ErrPacketDecoding)

	_, err = sender.codec.NewOutgoing(rand.Reader, payload, nil, nil)
	require.ErrorIs(err, ErrPacketConstruction)
}

func TestApplicationData(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := (&ApplicationData{PlainText: make([]byte, 100)}).ToPayload(50)
	require.ErrorIs(err, ErrPacketConstruction)

	b, err := (&ApplicationData{PlainText: []byte{1, 2, 3}}).ToPayload(16)
	require.NoError(err)
	require.Len(b, 16)

	b[15] = 1
	_, err = ApplicationDataFromPayload(b)
	require.ErrorIs(err, ErrPacketDecoding)

	_, err = ApplicationDataFromPayload([]byte{0})
	require.ErrorIs(err, ErrPacketDecoding)
}
