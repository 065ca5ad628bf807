// server.go - ticketmix relay.
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

// Package server provides the ticketmix relay.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gitlab.com/yawning/aez.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/log"
	"github.com/katzenpost/ticketmix/core/tickets"
	"github.com/katzenpost/ticketmix/core/utils"
	"github.com/katzenpost/ticketmix/core/worker"
	"github.com/katzenpost/ticketmix/server/config"
	"github.com/katzenpost/ticketmix/server/internal/ackprocessor"
	"github.com/katzenpost/ticketmix/server/internal/chaindb"
	"github.com/katzenpost/ticketmix/server/internal/glue"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
	"github.com/katzenpost/ticketmix/server/internal/interaction"
	"github.com/katzenpost/ticketmix/server/internal/link"
	"github.com/katzenpost/ticketmix/server/internal/packet"
	"github.com/katzenpost/ticketmix/server/internal/processor"
	"github.com/katzenpost/ticketmix/server/internal/profiling"
)

const (
	// PacketKeyFile is the name of the packet private key file in DataDir.
	PacketKeyFile = "packet.private.pem"

	// ChainKeyFile is the name of the chain key file in DataDir.
	ChainKeyFile = "chain.key"

	dbFile = "chain.db"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a ticketmix relay instance.
type Server struct {
	worker.Worker

	cfg *config.Config

	packetKey *offchain.Keypair
	chainKey  *chain.Keypair

	logBackend *log.Backend
	log        *logging.Logger
	metrics    *instrument.Recorder

	db            *chaindb.DB
	processor     *processor.PacketProcessor
	ackProcessor  *ackprocessor.AckProcessor
	interaction   *interaction.PacketInteraction
	link          *link.Link
	metricsServer *http.Server

	receivedCh chan *interaction.Receive

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) Metrics() *instrument.Recorder {
	return g.s.metrics
}

func (g *serverGlue) PacketKey() *offchain.Keypair {
	return g.s.packetKey
}

func (g *serverGlue) Processor() glue.Processor {
	return g.s.processor
}

func (g *serverGlue) AckProcessor() glue.AckProcessor {
	return g.s.ackProcessor
}

func (g *serverGlue) Interaction() glue.Interaction {
	return g.s.interaction
}

func (g *serverGlue) Link() glue.Link {
	return g.s.link
}

func (g *serverGlue) FatalErrCh() chan<- error {
	return g.s.fatalErrCh
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initKeys() error {
	var err error
	packetKeyFile := filepath.Join(s.cfg.Server.DataDir, PacketKeyFile)
	if utils.Exists(packetKeyFile) {
		if s.packetKey, err = offchain.LoadKeypair(packetKeyFile); err != nil {
			return err
		}
	} else {
		if s.packetKey, err = offchain.NewKeypair(rand.Reader); err != nil {
			return err
		}
		if err = s.packetKey.Save(packetKeyFile); err != nil {
			return err
		}
	}
	s.log.Noticef("Packet key is: %v", s.packetKey.Public())

	chainKeyFile := filepath.Join(s.cfg.Server.DataDir, ChainKeyFile)
	if utils.Exists(chainKeyFile) {
		if s.chainKey, err = chain.LoadKeypair(chainKeyFile); err != nil {
			return err
		}
	} else {
		if s.chainKey, err = chain.NewKeypair(rand.Reader); err != nil {
			return err
		}
		if err = s.chainKey.Save(chainKeyFile); err != nil {
			return err
		}
	}
	s.log.Noticef("Chain address is: %v", s.chainKey.Address())
	return nil
}

// seedChannels writes the configured channels to the database. A stored
// ticket index is never rewound within an epoch.
func (s *Server) seedChannels() error {
	for _, c := range s.cfg.Channels {
		e := c.Entry()
		old, err := s.db.Channel(e.ID())
		if err == nil && old.Epoch == e.Epoch && old.TicketIndex > e.TicketIndex {
			e.TicketIndex = old.TicketIndex
		}
		if err = s.db.PutChannel(e); err != nil {
			return err
		}
		s.log.Debugf("Channel %v -> %v: %v, balance %v", e.Source, e.Destination, e.Status, e.Balance.Dec())
	}
	return nil
}

func (s *Server) peers() (processor.PeerTable, map[offchain.PublicKey]string) {
	table := make(processor.PeerTable)
	addrs := make(map[offchain.PublicKey]string)
	for _, p := range s.cfg.Peers {
		table[p.Key()] = p.Chain()
		addrs[p.Key()] = p.Address
	}
	return table, addrs
}

func (s *Server) dispatchWorker() {
	// Output is closed once the pipeline halts.
	for m := range s.interaction.Output() {
		switch v := m.(type) {
		case *interaction.Send:
			s.sendPacket(v.Peer, v.Data)
		case *interaction.Forward:
			s.sendPacket(v.Peer, v.Data)
			s.sendAck(v.PreviousPeer, v.Ack)
		case *interaction.Receive:
			s.sendAck(v.Peer, v.Ack)
			select {
			case s.receivedCh <- v:
			default:
				s.log.Warningf("Receive queue full, dropping message from %v", v.Peer)
			}
		}
	}
}

func (s *Server) sendPacket(peer offchain.PublicKey, data []byte) {
	if err := s.link.SendPacket(peer, data); err != nil {
		s.log.Debugf("Dropping packet: %v (%v)", err, peer)
		s.metrics.PacketDropped(instrument.DropTransport)
	}
}

func (s *Server) sendAck(peer offchain.PublicKey, ack *tickets.Acknowledgement) {
	if err := s.link.SendAck(peer, ack); err != nil {
		s.log.Debugf("Failed to send acknowledgement to %v: %v", peer, err)
	}
}

func (s *Server) eventWorker() {
	for {
		select {
		case <-s.HaltCh():
			return
		case ev := <-s.ackProcessor.Events():
			switch v := ev.(type) {
			case *ackprocessor.SenderAcknowledged:
				s.log.Debugf("Packet acknowledged: %v", v.Challenge)
			case *ackprocessor.TicketAcknowledged:
				t := v.Ticket.Ticket()
				s.log.Infof("Ticket %v acknowledged (amount %v, winning: %v)", t.ID(), t.Amount().Dec(), v.Winning)
			}
		}
	}
}

func (s *Server) fatalErrorWatcher() {
	err, ok := <-s.fatalErrCh
	if !ok {
		// Graceful termination.
		return
	}
	if s.interaction != nil {
		s.interaction.Close()
	}
	s.log.Criticalf("Shutting down due to error: %v", err)
	s.metrics.FatalError()
	go s.Shutdown()
}

// PacketKey returns the relay's packet public key.
func (s *Server) PacketKey() offchain.PublicKey {
	return s.packetKey.Public()
}

// ChainAddress returns the relay's chain address.
func (s *Server) ChainAddress() string {
	return s.chainKey.Address().Hex()
}

// SendPacket sends data along path, the last entry being the destination.
func (s *Server) SendPacket(data *packet.ApplicationData, path []offchain.PublicKey) (*interaction.Awaiter, error) {
	return s.interaction.SendPacket(data, path)
}

// Received returns the channel application data addressed to this relay
// is delivered on.
func (s *Server) Received() <-chan *interaction.Receive {
	return s.receivedCh
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
	s.log.Notice("Log rotated.")
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	// WARNING: The ordering of operations here is deliberate, and should not
	// be altered without a deep understanding of how all the components fit
	// together.

	s.log.Noticef("Starting graceful shutdown.")

	// Stop accepting packets from peers.
	if s.link != nil {
		s.link.Halt()
	}

	// Stop the pipeline, which ends the dispatch worker.
	if s.interaction != nil {
		s.interaction.Halt()
	}
	s.Worker.Halt()

	if s.ackProcessor != nil {
		s.ackProcessor.Halt()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		metrics:    instrument.New(),
		fatalErrCh: make(chan error, 1),
		haltedCh:   make(chan interface{}),
	}
	goo := &serverGlue{s}

	// Do the early initialization and bring up logging.
	if err := utils.MkDataDir(s.cfg.Server.DataDir); err != nil {
		return nil, fmt.Errorf("server: %v", err)
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	if aez.IsHardwareAccelerated() {
		s.log.Noticef("AEZv5 implementation is hardware accelerated.")
	} else {
		s.log.Warningf("AEZv5 implementation IS NOT hardware accelerated.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	if err := s.initKeys(); err != nil {
		s.log.Errorf("Failed to initialize keys: %v", err)
		return nil, err
	}
	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	if s.cfg.Debug.EnableProfiling {
		if err := profiling.Start(s.logBackend.GetLogger("profiling"), s.cfg.Server.Identifier); err != nil {
			s.log.Warningf("Failed to start profiling: %v", err)
		}
	}

	var err error
	if s.db, err = chaindb.New(filepath.Join(s.cfg.Server.DataDir, dbFile), s.chainKey.Address(), s.logBackend.GetLogger("chaindb")); err != nil {
		s.log.Errorf("Failed to open database: %v", err)
		return nil, err
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	go s.fatalErrorWatcher()

	if err = s.seedChannels(); err != nil {
		s.log.Errorf("Failed to seed channels: %v", err)
		return nil, err
	}
	table, addrs := s.peers()

	rCfg := s.cfg.Relay
	s.ackProcessor = ackprocessor.New(s.db, s.chainKey, rCfg.DomainSeparatorHash(), rCfg.AckTimeoutDuration(), s.metrics, s.logBackend.GetLogger("ackproc"), s.fatalErrCh)
	codec := packet.NewCodec(s.cfg.Sphinx.Geometry(), s.packetKey)
	if s.processor, err = processor.New(processor.ConfigFromRelay(rCfg, s.chainKey), s.db, s.ackProcessor, table, codec, s.metrics, s.logBackend.GetLogger("processor")); err != nil {
		s.log.Errorf("Failed to initialize packet processor: %v", err)
		return nil, err
	}
	if s.interaction, err = interaction.New(goo); err != nil {
		s.log.Errorf("Failed to initialize packet pipeline: %v", err)
		return nil, err
	}
	s.receivedCh = make(chan *interaction.Receive, rCfg.OutputQueueSize)
	s.Go(s.dispatchWorker)
	s.Go(s.eventWorker)

	if s.link, err = link.New(goo, addrs); err != nil {
		s.log.Errorf("Failed to initialize link: %v", err)
		return nil, err
	}

	if s.cfg.Server.MetricsAddress != "" {
		s.metricsServer = &http.Server{
			Addr:              s.cfg.Server.MetricsAddress,
			Handler:           s.metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.log.Noticef("Serving metrics on %v", s.cfg.Server.MetricsAddress)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	isOk = true
	return s, nil
}
