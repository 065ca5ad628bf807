// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/tickets"
	"github.com/katzenpost/ticketmix/server/config"
	"github.com/katzenpost/ticketmix/server/internal/packet"
)

const testDomainSeparator = "0x0707070707070707070707070707070707070707070707070707070707070707"

type testRelay struct {
	dataDir string
	addr    string
	packet  *offchain.Keypair
	chain   *chain.Keypair
}

func freeUDPAddr(t *testing.T) string {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().String()
}

func newTestRelay(t *testing.T) *testRelay {
	require := require.New(t)

	r := &testRelay{
		dataDir: filepath.Join(t.TempDir(), "data"),
		addr:    freeUDPAddr(t),
	}
	require.NoError(os.Mkdir(r.dataDir, 0700))

	var err error
	r.packet, err = offchain.NewKeypair(rand.Reader)
	require.NoError(err)
	require.NoError(r.packet.Save(filepath.Join(r.dataDir, PacketKeyFile)))
	r.chain, err = chain.NewKeypair(rand.Reader)
	require.NoError(err)
	require.NoError(r.chain.Save(filepath.Join(r.dataDir, ChainKeyFile)))
	return r
}

func testConfig(t *testing.T, self *testRelay, relays []*testRelay) *config.Config {
	var b strings.Builder
	fmt.Fprintf(&b, `
[Server]
  Identifier = "relay.example.org"
  Addresses = ["quic://%s"]
  DataDir = %q

[Logging]
  Level = "DEBUG"

[Relay]
  TicketPrice = "100"
  MinimumTicketPrice = "1"
  DomainSeparator = %q
  NumWorkers = 2

[Mixer]
  DelayRange = 10
`, self.addr, self.dataDir, testDomainSeparator)

	for _, r := range relays {
		if r == self {
			continue
		}
		fmt.Fprintf(&b, `
[[Peer]]
  PacketKey = %q
  ChainAddress = %q
  Address = %q
`, r.packet.Public().String(), r.chain.Address().Hex(), r.addr)
	}
	for i := 0; i+1 < len(relays); i++ {
		fmt.Fprintf(&b, `
[[Channel]]
  Source = %q
  Destination = %q
  Balance = "10000"
  Epoch = 1
`, relays[i].chain.Address().Hex(), relays[i+1].chain.Address().Hex())
	}

	cfg, err := config.Load([]byte(b.String()))
	require.NoError(t, err)
	return cfg
}

func TestServerRelay(t *testing.T) {
	require := require.New(t)

	relays := []*testRelay{newTestRelay(t), newTestRelay(t), newTestRelay(t)}
	servers := make([]*Server, len(relays))
	for i, r := range relays {
		s, err := New(testConfig(t, r, relays))
		require.NoError(err)
		defer s.Shutdown()
		require.Equal(r.packet.Public(), s.PacketKey())
		require.Equal(r.chain.Address().Hex(), s.ChainAddress())
		servers[i] = s
	}

	path := []offchain.PublicKey{relays[1].packet.Public(), relays[2].packet.Public()}
	aw, err := servers[0].SendPacket(&packet.ApplicationData{PlainText: []byte("over the wire")}, path)
	require.NoError(err)
	_, err = aw.ConsumeAndWait(context.Background(), 10*time.Second)
	require.NoError(err)

	select {
	case recv := <-servers[2].Received():
		require.Equal([]byte("over the wire"), recv.Data.PlainText)
		require.Equal(relays[1].packet.Public(), recv.Peer)
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for the packet")
	}

	// The ticket issued to the relay is acknowledged by the destination.
	require.Eventually(func() bool {
		acked, err := servers[1].db.AcknowledgedTickets(tickets.ChannelID(relays[0].chain.Address(), relays[1].chain.Address()))
		return err == nil && len(acked) == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestServerGenerateOnly(t *testing.T) {
	require := require.New(t)

	r := newTestRelay(t)
	dataDir := filepath.Join(t.TempDir(), "fresh")
	cfg := testConfig(t, r, []*testRelay{r})
	cfg.Server.DataDir = dataDir
	cfg.Debug.GenerateOnly = true

	_, err := New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)

	k, err := offchain.LoadKeypair(filepath.Join(dataDir, PacketKeyFile))
	require.NoError(err)
	_, err = chain.LoadKeypair(filepath.Join(dataDir, ChainKeyFile))
	require.NoError(err)

	// The keys are kept across restarts.
	cfg.Server.DataDir = dataDir
	_, err = New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)
	k2, err := offchain.LoadKeypair(filepath.Join(dataDir, PacketKeyFile))
	require.NoError(err)
	require.Equal(k.Public(), k2.Public())
}
