// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package interaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ticketmix/core/channels"
	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/log"
	"github.com/katzenpost/ticketmix/core/sphinx"
	"github.com/katzenpost/ticketmix/server/config"
	"github.com/katzenpost/ticketmix/server/internal/ackprocessor"
	"github.com/katzenpost/ticketmix/server/internal/chaindb"
	"github.com/katzenpost/ticketmix/server/internal/glue"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
	"github.com/katzenpost/ticketmix/server/internal/packet"
	"github.com/katzenpost/ticketmix/server/internal/processor"
)

const testTimeout = 5 * time.Second

var testDS = common.HexToHash("0x0505050505050505050505050505050505050505050505050505050505050505")

type testGlue struct {
	cfg     *config.Config
	backend *log.Backend
	metrics *instrument.Recorder
	key     *offchain.Keypair
	proc    *processor.PacketProcessor
	acks    *ackprocessor.AckProcessor
	fatalCh chan error
}

func (g *testGlue) Config() *config.Config          { return g.cfg }
func (g *testGlue) LogBackend() *log.Backend        { return g.backend }
func (g *testGlue) Metrics() *instrument.Recorder   { return g.metrics }
func (g *testGlue) PacketKey() *offchain.Keypair    { return g.key }
func (g *testGlue) Processor() glue.Processor       { return g.proc }
func (g *testGlue) AckProcessor() glue.AckProcessor { return g.acks }
func (g *testGlue) Interaction() glue.Interaction   { return nil }
func (g *testGlue) Link() glue.Link                 { return nil }
func (g *testGlue) FatalErrCh() chan<- error        { return g.fatalCh }

func testConfig(numWorkers, queueSize int) *config.Config {
	return &config.Config{
		Relay: &config.Relay{
			NumWorkers:      numWorkers,
			QueueSize:       queueSize,
			OutputQueueSize: 64,
		},
		Mixer: &config.Mixer{
			DelayRange:        5,
			MetricDelayWindow: 10,
			MaxBurst:          16,
			Slack:             1000,
		},
		Debug: &config.Debug{
			BloomFilterSize: 15,
		},
	}
}

type testNode struct {
	packet *offchain.Keypair
	chain  *chain.Keypair
	db     *chaindb.DB
	glue   *testGlue
	i      *PacketInteraction
}

func newTestNodes(t *testing.T, n int, cfg *config.Config) []*testNode {
	require := require.New(t)

	backend, err := log.NewWithWriter(os.Stderr, "DEBUG")
	require.NoError(err)

	peers := make(processor.PeerTable)
	nodes := make([]*testNode, n)
	for idx := range nodes {
		pk, err := offchain.NewKeypair(rand.Reader)
		require.NoError(err)
		ck, err := chain.NewKeypair(rand.Reader)
		require.NoError(err)
		peers[pk.Public()] = ck.Address()

		db, err := chaindb.New(filepath.Join(t.TempDir(), "chain.db"), ck.Address(), backend.GetLogger("chaindb"))
		require.NoError(err)
		t.Cleanup(func() { db.Close() })

		g := &testGlue{
			cfg:     cfg,
			backend: backend,
			metrics: instrument.New(),
			key:     pk,
			fatalCh: make(chan error, 1),
		}
		ds := testDS
		g.acks = ackprocessor.New(db, ck, &ds, time.Minute, g.metrics, backend.GetLogger("ackprocessor"), g.fatalCh)
		t.Cleanup(g.acks.Halt)
		g.proc, err = processor.New(&processor.Config{
			ChainKey:               ck,
			DomainSeparator:        &ds,
			Price:                  uint256.NewInt(100),
			MinimumPrice:           uint256.NewInt(1),
			MinimumWinProb:         1,
			OutgoingWinProb:        1,
			CheckUnrealizedBalance: true,
		}, db, g.acks, peers, packet.NewCodec(sphinx.DefaultGeometry(), pk), g.metrics, backend.GetLogger("processor"))
		require.NoError(err)

		i, err := New(g)
		require.NoError(err)
		t.Cleanup(i.Halt)

		nodes[idx] = &testNode{packet: pk, chain: ck, db: db, glue: g, i: i}
	}
	return nodes
}

func openChannel(t *testing.T, src, dst *testNode) {
	for _, n := range []*testNode{src, dst} {
		require.NoError(t, n.db.PutChannel(&channels.Entry{
			Source:      src.chain.Address(),
			Destination: dst.chain.Address(),
			Balance:     uint256.NewInt(10_000),
			Status:      channels.Open,
			Epoch:       1,
		}))
	}
}

func nextOutput(t *testing.T, n *testNode) MsgProcessed {
	select {
	case m := <-n.i.Output():
		return m
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for pipeline output")
	}
	return nil
}

func requireNoOutput(t *testing.T, n *testNode) {
	select {
	case m := <-n.i.Output():
		t.Fatalf("unexpected output: %T", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMultihopPipeline(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodes := newTestNodes(t, 4, testConfig(2, 16))
	sender, r1, r2, dst := nodes[0], nodes[1], nodes[2], nodes[3]
	openChannel(t, sender, r1)
	openChannel(t, r1, r2)

	tag := uint16(42)
	path := []offchain.PublicKey{r1.packet.Public(), r2.packet.Public(), dst.packet.Public()}
	aw, err := sender.i.SendPacket(&packet.ApplicationData{Tag: &tag, PlainText: []byte("hello")}, path)
	require.NoError(err)
	ackChallenge, err := aw.ConsumeAndWait(context.Background(), testTimeout)
	require.NoError(err)

	send, ok := nextOutput(t, sender).(*Send)
	require.True(ok)
	require.Equal(r1.packet.Public(), send.Peer)

	// First relay, acknowledging to the sender.
	require.NoError(r1.i.ReceivePacket(send.Data, sender.packet.Public()))
	fwd1, ok := nextOutput(t, r1).(*Forward)
	require.True(ok)
	require.Equal(r2.packet.Public(), fwd1.Peer)
	require.Equal(sender.packet.Public(), fwd1.PreviousPeer)

	ev, err := sender.glue.acks.HandleAcknowledgement(fwd1.Ack, r1.packet.Public())
	require.NoError(err)
	require.Equal(&ackprocessor.SenderAcknowledged{Challenge: ackChallenge}, ev)

	// A replay is dropped.
	require.NoError(r1.i.ReceivePacket(send.Data, sender.packet.Public()))
	requireNoOutput(t, r1)

	// Second relay, acknowledging to the first.
	require.NoError(r2.i.ForwardPacket(fwd1.Data, r1.packet.Public()))
	fwd2, ok := nextOutput(t, r2).(*Forward)
	require.True(ok)
	require.Equal(dst.packet.Public(), fwd2.Peer)

	ev, err = r1.glue.acks.HandleAcknowledgement(fwd2.Ack, r2.packet.Public())
	require.NoError(err)
	acked, ok := ev.(*ackprocessor.TicketAcknowledged)
	require.True(ok)
	require.Equal(sender.chain.Address(), acked.Ticket.Verified().Issuer())
	require.True(acked.Winning)

	// Destination, acknowledging to the second relay.
	require.NoError(dst.i.ReceivePacket(fwd2.Data, r2.packet.Public()))
	recv, ok := nextOutput(t, dst).(*Receive)
	require.True(ok)
	require.Equal(r2.packet.Public(), recv.Peer)
	require.Equal([]byte("hello"), recv.Data.PlainText)
	require.Equal(tag, *recv.Data.Tag)

	ev, err = r2.glue.acks.HandleAcknowledgement(recv.Ack, dst.packet.Public())
	require.NoError(err)
	acked, ok = ev.(*ackprocessor.TicketAcknowledged)
	require.True(ok)
	require.Equal(r1.chain.Address(), acked.Ticket.Verified().Issuer())

	for _, n := range nodes {
		require.Equal(0, n.glue.acks.Len())
		require.Empty(n.glue.fatalCh)
	}

	want := []map[string]float64{
		{"packets_sent_total": 1, "tickets_issued_total": 1},
		{"packets_received_total": 2, "packets_replayed_total": 1, "packets_forwarded_total": 1, "tickets_issued_total": 1, "tickets_acknowledged_total": 1, "tickets_winning_total": 1},
		{"packets_received_total": 1, "packets_forwarded_total": 1, "tickets_issued_total": 1, "tickets_acknowledged_total": 1, "tickets_winning_total": 1},
		{"packets_received_total": 1},
	}
	for i, n := range nodes {
		for name, v := range want[i] {
			require.Eventually(func() bool {
				return counter(t, n, name) == v
			}, testTimeout, 10*time.Millisecond, "node %d: %s", i, name)
		}
	}
}

// counter sums the samples of the named metric family of n.
func counter(t *testing.T, n *testNode, name string) float64 {
	mfs, err := n.glue.metrics.Registry().Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != "ticketmix_"+name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestSendFailureCancels(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodes := newTestNodes(t, 3, testConfig(1, 16))
	sender, r1, dst := nodes[0], nodes[1], nodes[2]

	// No channel to the first relay.
	aw, err := sender.i.SendPacket(&packet.ApplicationData{PlainText: []byte("x")}, []offchain.PublicKey{r1.packet.Public(), dst.packet.Public()})
	require.NoError(err)
	_, err = aw.ConsumeAndWait(context.Background(), testTimeout)
	require.Equal(&TransportError{Msg: "Canceled"}, err)
	requireNoOutput(t, sender)
}

func TestDirectPipeline(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodes := newTestNodes(t, 2, testConfig(1, 16))
	sender, dst := nodes[0], nodes[1]

	aw, err := sender.i.SendPacket(&packet.ApplicationData{PlainText: []byte("direct")}, []offchain.PublicKey{dst.packet.Public()})
	require.NoError(err)
	c, err := aw.ConsumeAndWait(context.Background(), testTimeout)
	require.NoError(err)

	send := nextOutput(t, sender).(*Send)
	require.NoError(dst.i.ReceivePacket(send.Data, sender.packet.Public()))
	recv := nextOutput(t, dst).(*Receive)
	require.Equal([]byte("direct"), recv.Data.PlainText)

	ev, err := sender.glue.acks.HandleAcknowledgement(recv.Ack, dst.packet.Public())
	require.NoError(err)
	require.Equal(&ackprocessor.SenderAcknowledged{Challenge: c}, ev)

	// Garbage is dropped.
	require.NoError(dst.i.ReceivePacket([]byte("garbage"), sender.packet.Public()))
	requireNoOutput(t, dst)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Without workers nothing drains the queue.
	n := newTestNodes(t, 1, testConfig(0, 1))[0]
	peer := n.packet.Public()

	require.NoError(n.i.ReceivePacket([]byte{1}, peer))
	require.ErrorIs(n.i.ForwardPacket([]byte{2}, peer), ErrRetry)
	_, err := n.i.SendPacket(&packet.ApplicationData{}, []offchain.PublicKey{peer})
	require.ErrorIs(err, ErrRetry)
}

func TestClosed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	n := newTestNodes(t, 1, testConfig(1, 16))[0]
	n.i.Halt()

	err := n.i.ReceivePacket([]byte{1}, n.packet.Public())
	require.Equal(&TransportError{Msg: "queue is closed"}, err)
	_, err = n.i.SendPacket(&packet.ApplicationData{}, nil)
	require.Equal(&TransportError{Msg: "queue is closed"}, err)

	_, ok := <-n.i.Output()
	require.False(ok)
}

func TestAwaiter(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	backend, err := log.NewWithWriter(os.Stderr, "DEBUG")
	require.NoError(err)
	l := backend.GetLogger("finalizer")

	f, aw := newFinalizer(l)
	var c1, c2 [33]byte
	c1[0], c2[0] = 2, 3
	f.Finalize(c1)
	f.Finalize(c2)
	f.Cancel()
	got, err := aw.ConsumeAndWait(context.Background(), time.Second)
	require.NoError(err)
	require.Equal(c1, [33]byte(got))
	_, err = aw.ConsumeAndWait(context.Background(), time.Second)
	require.Equal(&TransportError{Msg: "already consumed"}, err)

	_, aw = newFinalizer(l)
	_, err = aw.ConsumeAndWait(context.Background(), 10*time.Millisecond)
	require.Equal(&TransportError{Msg: "Timed out on sending a packet"}, err)

	f, aw = newFinalizer(l)
	f.Cancel()
	_, err = aw.ConsumeAndWait(context.Background(), time.Second)
	require.Equal(&TransportError{Msg: "Canceled"}, err)

	_, aw = newFinalizer(l)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = aw.ConsumeAndWait(ctx, time.Second)
	require.Equal(&TransportError{Msg: "Canceled"}, err)
}
