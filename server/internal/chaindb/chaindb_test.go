// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package chaindb

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ticketmix/core/channels"
	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/log"
	"github.com/katzenpost/ticketmix/core/tickets"
)

var (
	testMe   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testPeer = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testDS   = common.HexToHash("0x0101010101010101010101010101010101010101010101010101010101010101")
)

func newTestDB(t *testing.T) *DB {
	backend, err := log.NewWithWriter(os.Stderr, "DEBUG")
	require.NoError(t, err)
	d, err := New(filepath.Join(t.TempDir(), "chain.db"), testMe, backend.GetLogger("chaindb"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testChannel(src, dst common.Address, balance uint64) *channels.Entry {
	return &channels.Entry{
		Source:      src,
		Destination: dst,
		Balance:     uint256.NewInt(balance),
		Status:      channels.Open,
		Epoch:       1,
	}
}

func newAckedTicket(t *testing.T, issuer *chain.Keypair, dst common.Address, index uint64, amount uint64) *tickets.AcknowledgedTicket {
	require := require.New(t)

	own, err := challenge.NewHalfKey(rand.Reader)
	require.NoError(err)
	ack, err := challenge.NewHalfKey(rand.Reader)
	require.NoError(err)
	resp, err := challenge.ResponseFromHalfKeys(own, ack)
	require.NoError(err)
	c := resp.ToChallenge()
	eth, err := c.ToEthereumChallenge()
	require.NoError(err)

	v, err := tickets.NewBuilder().
		Addresses(issuer.Address(), dst).
		Amount(uint256.NewInt(amount)).
		Index(index).
		ChannelEpoch(1).
		Challenge(eth).
		BuildSigned(issuer, testDS)
	require.NoError(err)
	acked, err := v.IntoUnacknowledged(own).Acknowledge(ack)
	require.NoError(err)
	return acked
}

func TestChannels(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	d := newTestDB(t)

	_, err := d.ChannelBetween(testMe, testPeer)
	require.ErrorIs(err, channels.ErrChannelNotFound)

	out := testChannel(testMe, testPeer, 1000)
	in := testChannel(testPeer, testMe, 500)
	require.NoError(d.PutChannel(out))
	require.NoError(d.PutChannel(in))

	e, err := d.ChannelBetween(testMe, testPeer)
	require.NoError(err)
	require.Empty(channels.Diff(out, e))

	all, err := d.Channels()
	require.NoError(err)
	require.Len(all, 2)

	// A new epoch forgets the incoming index.
	require.NoError(d.SetIncomingIndex(in.ID(), 7))
	idx, ok, err := d.IncomingIndex(in.ID())
	require.NoError(err)
	require.True(ok)
	require.Equal(uint64(7), idx)

	in.Epoch = 2
	require.NoError(d.PutChannel(in))
	_, ok, err = d.IncomingIndex(in.ID())
	require.NoError(err)
	require.False(ok)
}

func TestReserveOutgoing(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	d := newTestDB(t)

	require.NoError(d.PutChannel(testChannel(testMe, testPeer, 100)))

	r, err := d.ReserveOutgoing(testPeer, uint256.NewInt(60), true)
	require.NoError(err)
	require.Equal(uint64(0), r.Index)
	require.Equal(uint64(1), r.Channel.TicketIndex)

	_, err = d.ReserveOutgoing(testPeer, uint256.NewInt(60), true)
	require.ErrorIs(err, channels.ErrOutOfFunds)

	// Without the balance check the amount is still held.
	r, err = d.ReserveOutgoing(testPeer, uint256.NewInt(60), false)
	require.NoError(err)
	require.Equal(uint64(1), r.Index)
	v, err := d.UnrealizedValue(r.Channel.ID())
	require.NoError(err)
	require.Equal(uint64(120), v.Uint64())

	require.NoError(d.ReleaseOutgoing(testPeer, uint256.NewInt(120)))
	v, err = d.UnrealizedValue(r.Channel.ID())
	require.NoError(err)
	require.True(v.IsZero())

	_, err = d.ReserveOutgoing(common.HexToAddress("0x3333333333333333333333333333333333333333"), uint256.NewInt(1), true)
	require.ErrorIs(err, channels.ErrChannelNotFound)

	closed := testChannel(testMe, testPeer, 100)
	closed.Status = channels.Closed
	require.NoError(d.PutChannel(closed))
	_, err = d.ReserveOutgoing(testPeer, uint256.NewInt(1), true)
	require.ErrorIs(err, channels.ErrChannelNotFound)
}

func TestReserveOutgoingConcurrent(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	d := newTestDB(t)

	const (
		workers   = 8
		perWorker = 25
	)
	require.NoError(d.PutChannel(testChannel(testMe, testPeer, workers*perWorker)))

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				r, err := d.ReserveOutgoing(testPeer, uint256.NewInt(1), true)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[r.Index] {
					t.Errorf("index %d reserved twice", r.Index)
				}
				seen[r.Index] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(seen, workers*perWorker)
	e, err := d.ChannelBetween(testMe, testPeer)
	require.NoError(err)
	require.Equal(uint64(workers*perWorker), e.TicketIndex)

	_, err = d.ReserveOutgoing(testPeer, uint256.NewInt(1), true)
	require.ErrorIs(err, channels.ErrOutOfFunds)
}

func TestTicketStates(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	d := newTestDB(t)

	issuer, err := chain.NewKeypair(rand.Reader)
	require.NoError(err)
	id := tickets.ChannelID(issuer.Address(), testMe)

	t1 := newAckedTicket(t, issuer, testMe, 1, 10)
	t2 := newAckedTicket(t, issuer, testMe, 2, 20)
	t3 := newAckedTicket(t, issuer, testMe, 3, 30)
	for _, tk := range []*tickets.AcknowledgedTicket{t3, t1, t2} {
		require.NoError(d.StoreAcknowledged(tk))
	}
	require.ErrorIs(d.StoreAcknowledged(t1), ErrInvalidTransition)

	v, err := d.UnrealizedValue(id)
	require.NoError(err)
	require.Equal(uint64(60), v.Uint64())

	stored, err := d.AcknowledgedTickets(id)
	require.NoError(err)
	require.Len(stored, 3)
	for i, tk := range stored {
		require.Equal(uint64(i+1), tk.Ticket().Index())
	}
	require.Equal(t1.Verified().Hash(), stored[0].Verified().Hash())
	require.Equal(t1.Response().Bytes(), stored[0].Response().Bytes())

	require.NoError(d.MarkBeingRedeemed(t1.Ticket().ID()))
	require.ErrorIs(d.MarkBeingRedeemed(t1.Ticket().ID()), ErrInvalidTransition)
	require.NoError(d.MarkRedeemed(t1.Ticket().ID()))
	require.NoError(d.MarkNeglected(t2.Ticket().ID()))
	require.ErrorIs(d.MarkRedeemed(t2.Ticket().ID()), ErrInvalidTransition)

	// A rejected copy never replaces the stored ticket.
	require.NoError(d.RejectTicket(t3.Ticket(), tickets.ErrTicketNotWinning))
	s, err := d.TicketState(t3.Ticket().ID())
	require.NoError(err)
	require.Equal(Untouched, s)
	v, err = d.UnrealizedValue(id)
	require.NoError(err)
	require.Equal(uint64(30), v.Uint64())
	require.NoError(d.MarkNeglected(t3.Ticket().ID()))

	// Rejecting a ticket that was never stored records it.
	t4 := newAckedTicket(t, issuer, testMe, 4, 40)
	require.NoError(d.RejectTicket(t4.Ticket(), nil))
	s, err = d.TicketState(t4.Ticket().ID())
	require.NoError(err)
	require.Equal(Rejected, s)

	require.ErrorIs(d.MarkRedeemed(newAckedTicket(t, issuer, testMe, 5, 1).Ticket().ID()), ErrTicketNotFound)

	stored, err = d.AcknowledgedTickets(common.Hash{})
	require.NoError(err)
	require.Empty(stored)

	v, err = d.UnrealizedValue(id)
	require.NoError(err)
	require.True(v.IsZero())

	stats, err := d.Stats()
	require.NoError(err)
	require.Equal(uint64(10), stats.Redeemed.Uint64())
	require.Equal(uint64(50), stats.Neglected.Uint64())
	require.Equal(uint64(40), stats.Rejected.Uint64())
	require.Equal(uint64(1), stats.RejectedCount)
}
