// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
)

type lifecycleFixture struct {
	alice, bob *chain.Keypair
	own, ack   *challenge.HalfKey
	verified   *VerifiedTicket
}

func newLifecycleFixture(t *testing.T, winProb float64) *lifecycleFixture {
	require := require.New(t)

	f := &lifecycleFixture{
		alice: newChainKey(t),
		bob:   newChainKey(t),
	}
	var err error
	f.own, err = challenge.NewHalfKey(rand.Reader)
	require.NoError(err)
	f.ack, err = challenge.NewHalfKey(rand.Reader)
	require.NoError(err)

	resp, err := challenge.ResponseFromHalfKeys(f.own, f.ack)
	require.NoError(err)
	c := resp.ToChallenge()
	eth, err := c.ToEthereumChallenge()
	require.NoError(err)

	f.verified, err = NewBuilder().
		Addresses(f.alice.Address(), f.bob.Address()).
		Amount(uint256.NewInt(100)).
		Index(1).
		ChannelEpoch(1).
		WinProb(winProb).
		Challenge(eth).
		BuildSigned(f.alice, testDomainSeparator)
	require.NoError(err)
	return f
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newLifecycleFixture(t, 1.0)
	unack := f.verified.IntoUnacknowledged(f.own)

	acked, err := unack.Acknowledge(f.ack)
	require.NoError(err)
	require.Equal(Untouched, acked.Status)

	win, err := acked.IsWinning(f.bob, testDomainSeparator)
	require.NoError(err)
	require.True(win)

	redeemable, err := acked.IntoRedeemable(f.bob, testDomainSeparator)
	require.NoError(err)
	require.Equal(testDomainSeparator, redeemable.DomainSeparator())

	transferable := redeemable.IntoTransferable()
	require.Equal(f.alice.Address(), transferable.Signer)

	back, err := transferable.IntoRedeemable(f.alice.Address(), testDomainSeparator)
	require.NoError(err)
	require.Equal(redeemable, back)

	_, err = transferable.IntoRedeemable(f.bob.Address(), testDomainSeparator)
	require.ErrorIs(err, ErrInvalidInputData)
}

func TestAcknowledgeWrongKey(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newLifecycleFixture(t, 1.0)
	other, err := challenge.NewHalfKey(rand.Reader)
	require.NoError(err)

	_, err = f.verified.IntoUnacknowledged(f.own).Acknowledge(other)
	require.ErrorIs(err, challenge.ErrInvalidChallenge)
}

func TestAcknowledgeZeroResponse(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newLifecycleFixture(t, 1.0)
	s := f.own.Scalar()
	s.Negate()
	neg, err := challenge.HalfKeyFromScalar(&s)
	require.NoError(err)

	_, err = f.verified.IntoUnacknowledged(f.own).Acknowledge(neg)
	require.ErrorIs(err, challenge.ErrInvalidChallenge)
	require.ErrorIs(err, challenge.ErrInvalidScalar)
}

func TestLoopbackTicket(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newLifecycleFixture(t, 1.0)
	acked, err := f.verified.IntoUnacknowledged(f.own).Acknowledge(f.ack)
	require.NoError(err)

	_, err = acked.IntoRedeemable(f.alice, testDomainSeparator)
	require.ErrorIs(err, ErrLoopbackTicket)
}

func TestNeverWinning(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newLifecycleFixture(t, 0)
	acked, err := f.verified.IntoUnacknowledged(f.own).Acknowledge(f.ack)
	require.NoError(err)

	_, err = acked.IntoRedeemable(f.bob, testDomainSeparator)
	require.ErrorIs(err, ErrTicketNotWinning)
}

func TestLifecycleCBOR(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newLifecycleFixture(t, 1.0)
	acked, err := f.verified.IntoUnacknowledged(f.own).Acknowledge(f.ack)
	require.NoError(err)
	acked.Status = BeingRedeemed

	b, err := cbor.Marshal(acked)
	require.NoError(err)
	var decodedAck AcknowledgedTicket
	require.NoError(cbor.Unmarshal(b, &decodedAck))
	require.Equal(acked, &decodedAck)

	transferable, err := acked.IntoTransferable(f.bob, testDomainSeparator)
	require.NoError(err)
	b, err = cbor.Marshal(transferable)
	require.NoError(err)
	var decoded TransferableWinningTicket
	require.NoError(cbor.Unmarshal(b, &decoded))
	require.Equal(transferable, &decoded)

	_, err = decoded.IntoRedeemable(f.alice.Address(), testDomainSeparator)
	require.NoError(err)
}

func TestAcknowledgement(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	key, err := offchain.NewKeypair(rand.Reader)
	require.NoError(err)
	other, err := offchain.NewKeypair(rand.Reader)
	require.NoError(err)
	share, err := challenge.NewHalfKey(rand.Reader)
	require.NoError(err)

	ack := NewAcknowledgement(share, key)
	b := ack.Bytes()
	require.Len(b, AcknowledgementLength)

	parsed, err := AcknowledgementFromBytes(b)
	require.NoError(err)
	require.False(parsed.Validated())
	require.ErrorIs(parsed.Validate(other.Public()), ErrInvalidAcknowledgement)
	require.NoError(parsed.Validate(key.Public()))
	require.True(parsed.Validated())
	require.Equal(share.ToChallenge(), parsed.AckChallenge())

	_, err = AcknowledgementFromBytes(b[1:])
	require.ErrorIs(err, ErrInvalidAcknowledgement)
}
