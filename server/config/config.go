// config.go - ticketmix relay configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the relay configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"
	"golang.org/x/net/idna"

	"github.com/katzenpost/ticketmix/core/channels"
	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/sphinx"
	"github.com/katzenpost/ticketmix/core/tickets"
)

const (
	defaultLogLevel          = "NOTICE"
	defaultQueueSize         = 2048
	defaultOutputQueueSize   = 2048
	defaultAckTimeout        = 60 * 1000 // 60 sec.
	defaultMixerDelayRange   = 200       // 200 ms.
	defaultMetricDelayWindow = 10
	defaultMixerMaxBurst     = 16
	defaultMixerSlack        = 150 // 150 ms.
	defaultBloomFilterSize   = 25  // 4 MiB.
	defaultConnectTimeout    = 30 * 1000
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the relay's identity and listener configuration.
type Server struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// Addresses are the quic:// listener addresses.
	Addresses []string

	// MetricsAddress is the address/port to bind the prometheus metrics endpoint to.
	MetricsAddress string

	// DataDir is the absolute path to the server's state files.
	DataDir string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if len(sCfg.Addresses) == 0 {
		return errors.New("config: Server: Addresses is not set")
	}
	for _, v := range sCfg.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		if u.Scheme != "quic" {
			return fmt.Errorf("config: Server: Address '%v' is invalid: Unsupported scheme '%v'", v, u.Scheme)
		}
		if u.Port() == "" {
			return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Relay is the ticket and packet processing configuration.
type Relay struct {
	// CheckUnrealizedBalance enables checking incoming and outgoing ticket
	// amounts against the channel balance minus unredeemed value.
	// Defaults to true.
	CheckUnrealizedBalance *bool

	// MinimumTicketPrice is the decimal per hop price an incoming ticket
	// must at least be worth.
	MinimumTicketPrice string

	// MinimumWinProb is the lowest incoming ticket winning probability
	// accepted. Defaults to 1.0.
	MinimumWinProb *float64

	// TicketPrice is the decimal per hop price used for outgoing tickets.
	TicketPrice string

	// OutgoingWinProb is the winning probability of issued tickets.
	// Defaults to 1.0.
	OutgoingWinProb *float64

	// DomainSeparator is the hex encoded 32 byte ticket domain separator.
	DomainSeparator string

	// NumWorkers is the number of workers per pipeline stage.
	NumWorkers int

	// QueueSize is the capacity of each pipeline input queue.
	QueueSize int

	// OutputQueueSize is the capacity of the pipeline output queue.
	OutputQueueSize int

	// AckTimeout is how long a pending acknowledgement is kept in
	// milliseconds.
	AckTimeout int

	minimumPrice    *uint256.Int
	price           *uint256.Int
	domainSeparator *common.Hash
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.CheckUnrealizedBalance == nil {
		v := true
		rCfg.CheckUnrealizedBalance = &v
	}
	if rCfg.MinimumWinProb == nil {
		v := 1.0
		rCfg.MinimumWinProb = &v
	}
	if rCfg.OutgoingWinProb == nil {
		v := 1.0
		rCfg.OutgoingWinProb = &v
	}
	if rCfg.NumWorkers <= 0 {
		rCfg.NumWorkers = runtime.NumCPU()
	}
	if rCfg.QueueSize <= 0 {
		rCfg.QueueSize = defaultQueueSize
	}
	if rCfg.OutputQueueSize <= 0 {
		rCfg.OutputQueueSize = defaultOutputQueueSize
	}
	if rCfg.AckTimeout <= 0 {
		rCfg.AckTimeout = defaultAckTimeout
	}
}

func parseAmount(section, field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %s '%v' is invalid: %v", section, field, s, err)
	}
	return v, nil
}

func (rCfg *Relay) validate() error {
	var err error
	if rCfg.MinimumTicketPrice != "" {
		if rCfg.minimumPrice, err = parseAmount("Relay", "MinimumTicketPrice", rCfg.MinimumTicketPrice); err != nil {
			return err
		}
	}
	if rCfg.TicketPrice != "" {
		if rCfg.price, err = parseAmount("Relay", "TicketPrice", rCfg.TicketPrice); err != nil {
			return err
		}
		if rCfg.price.IsZero() {
			return errors.New("config: Relay: TicketPrice must be non-zero")
		}
	}
	for name, p := range map[string]float64{
		"MinimumWinProb":  *rCfg.MinimumWinProb,
		"OutgoingWinProb": *rCfg.OutgoingWinProb,
	} {
		if _, err := tickets.WinProbFromFloat64(p); err != nil {
			return fmt.Errorf("config: Relay: %s '%v' is invalid", name, p)
		}
	}
	if rCfg.DomainSeparator != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(rCfg.DomainSeparator, "0x"))
		if err != nil || len(b) != common.HashLength {
			return fmt.Errorf("config: Relay: DomainSeparator '%v' is invalid", rCfg.DomainSeparator)
		}
		ds := common.BytesToHash(b)
		rCfg.domainSeparator = &ds
	}
	return nil
}

// MinimumPrice returns the parsed MinimumTicketPrice, or zero.
func (rCfg *Relay) MinimumPrice() *uint256.Int {
	if rCfg.minimumPrice == nil {
		return uint256.NewInt(0)
	}
	return rCfg.minimumPrice.Clone()
}

// Price returns the parsed TicketPrice, or nil if it is not set.
func (rCfg *Relay) Price() *uint256.Int {
	if rCfg.price == nil {
		return nil
	}
	return rCfg.price.Clone()
}

// DomainSeparatorHash returns the parsed DomainSeparator, or nil.
func (rCfg *Relay) DomainSeparatorHash() *common.Hash {
	return rCfg.domainSeparator
}

// AckTimeoutDuration returns AckTimeout as a time.Duration.
func (rCfg *Relay) AckTimeoutDuration() time.Duration {
	return time.Duration(rCfg.AckTimeout) * time.Millisecond
}

// Mixer is the mixing delay configuration.
type Mixer struct {
	// MinDelay is the minimum mixing delay in milliseconds.
	MinDelay int

	// DelayRange is the width of the uniformly random delay added on top
	// of MinDelay, in milliseconds.
	DelayRange int

	// MetricDelayWindow is the number of recent delays averaged for the
	// delay gauge.
	MetricDelayWindow int

	// MaxBurst is the maximum number of packets released per wakeup.
	MaxBurst int

	// Slack is how late a packet may be released before it is dropped,
	// in milliseconds.
	Slack int

	// MaxQueueSize is the maximum number of queued packets before random
	// entries are dropped. A value <= 0 is treated as unlimited.
	MaxQueueSize int
}

func (mCfg *Mixer) applyDefaults() {
	if mCfg.DelayRange <= 0 {
		mCfg.DelayRange = defaultMixerDelayRange
	}
	if mCfg.MetricDelayWindow <= 0 {
		mCfg.MetricDelayWindow = defaultMetricDelayWindow
	}
	if mCfg.MaxBurst <= 0 {
		mCfg.MaxBurst = defaultMixerMaxBurst
	}
	if mCfg.Slack < defaultMixerSlack {
		mCfg.Slack = defaultMixerSlack
	}
}

func (mCfg *Mixer) validate() error {
	if mCfg.MinDelay < 0 {
		return fmt.Errorf("config: Mixer: MinDelay '%v' is negative", mCfg.MinDelay)
	}
	return nil
}

// Sphinx is the onion packet geometry.
type Sphinx struct {
	// Hops is the maximum number of hops of a path.
	Hops int

	// PayloadLength is the forward payload length in bytes.
	PayloadLength int
}

// Geometry returns the packet geometry.
func (sCfg *Sphinx) Geometry() *sphinx.Geometry {
	return sphinx.GeometryFromForwardPayloadLength(sCfg.PayloadLength, sCfg.Hops)
}

func (sCfg *Sphinx) applyDefaults() {
	def := sphinx.DefaultGeometry()
	if sCfg.Hops <= 0 {
		sCfg.Hops = def.NrHops
	}
	if sCfg.PayloadLength <= 0 {
		sCfg.PayloadLength = def.ForwardPayloadLength
	}
}

func (sCfg *Sphinx) validate() error {
	if sCfg.Hops > 255 {
		return fmt.Errorf("config: Sphinx: Hops '%v' exceeds 255", sCfg.Hops)
	}
	return sCfg.Geometry().Validate()
}

// Peer is a relay this node exchanges packets with.
type Peer struct {
	// PacketKey is the hex encoded ed25519 packet key of the peer.
	PacketKey string

	// ChainAddress is the hex encoded chain address of the peer.
	ChainAddress string

	// Address is the host:port of the peer's listener.
	Address string

	packetKey offchain.PublicKey
	address   common.Address
}

func (pCfg *Peer) validate() error {
	var err error
	if pCfg.packetKey, err = offchain.PublicKeyFromHex(pCfg.PacketKey); err != nil {
		return fmt.Errorf("config: Peer: PacketKey '%v' is invalid: %v", pCfg.PacketKey, err)
	}
	if pCfg.address, err = chain.ParseAddress(pCfg.ChainAddress); err != nil {
		return fmt.Errorf("config: Peer: ChainAddress '%v' is invalid: %v", pCfg.ChainAddress, err)
	}
	if pCfg.Address != "" {
		if _, _, err := net.SplitHostPort(pCfg.Address); err != nil {
			return fmt.Errorf("config: Peer: Address '%v' is invalid: %v", pCfg.Address, err)
		}
	}
	return nil
}

// Key returns the parsed packet key.
func (pCfg *Peer) Key() offchain.PublicKey { return pCfg.packetKey }

// Chain returns the parsed chain address.
func (pCfg *Peer) Chain() common.Address { return pCfg.address }

// Channel seeds the state of a payment channel.
type Channel struct {
	Source      string
	Destination string

	// Balance is the decimal channel balance.
	Balance     string
	Epoch       uint32
	TicketIndex uint64

	// Status is one of Open, PendingToClose or Closed. Defaults to Open.
	Status string

	entry *channels.Entry
}

func (cCfg *Channel) validate() error {
	src, err := chain.ParseAddress(cCfg.Source)
	if err != nil {
		return fmt.Errorf("config: Channel: Source '%v' is invalid", cCfg.Source)
	}
	dst, err := chain.ParseAddress(cCfg.Destination)
	if err != nil {
		return fmt.Errorf("config: Channel: Destination '%v' is invalid", cCfg.Destination)
	}
	if src == dst {
		return fmt.Errorf("config: Channel: Source and Destination are both '%v'", cCfg.Source)
	}
	balance, err := parseAmount("Channel", "Balance", cCfg.Balance)
	if err != nil {
		return err
	}
	status := channels.Open
	if cCfg.Status != "" {
		if status, err = channels.ParseStatus(cCfg.Status); err != nil {
			return fmt.Errorf("config: Channel: %v", err)
		}
	}
	cCfg.entry = &channels.Entry{
		Source:      src,
		Destination: dst,
		Balance:     balance,
		TicketIndex: cCfg.TicketIndex,
		Status:      status,
		Epoch:       cCfg.Epoch,
	}
	return nil
}

// Entry returns the parsed channel entry.
func (cCfg *Channel) Entry() *channels.Entry {
	e := *cCfg.entry
	e.Balance = cCfg.entry.Balance.Clone()
	return &e
}

// Debug is the debug configuration.
type Debug struct {
	// EnableProfiling starts the pyroscope profiler, when built with it.
	EnableProfiling bool

	// GenerateOnly halts and cleans up the server right after long term
	// key generation.
	GenerateOnly bool

	// BloomFilterSize is the log2 of the replay filter size in bits.
	BloomFilterSize int

	// ConnectTimeout is the peer dial timeout in milliseconds.
	ConnectTimeout int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.BloomFilterSize <= 0 {
		dCfg.BloomFilterSize = defaultBloomFilterSize
	}
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
}

// Config is the top level relay configuration.
type Config struct {
	Server   *Server
	Logging  *Logging
	Relay    *Relay
	Mixer    *Mixer
	Sphinx   *Sphinx
	Peers    []*Peer    `toml:"Peer"`
	Channels []*Channel `toml:"Channel"`

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Relay == nil {
		cfg.Relay = &Relay{}
	}
	if cfg.Mixer == nil {
		cfg.Mixer = &Mixer{}
	}
	if cfg.Sphinx == nil {
		cfg.Sphinx = &Sphinx{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	cfg.Relay.applyDefaults()
	cfg.Mixer.applyDefaults()
	cfg.Sphinx.applyDefaults()
	cfg.Debug.applyDefaults()

	// Perform basic validation.
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Relay.validate(); err != nil {
		return err
	}
	if err := cfg.Mixer.validate(); err != nil {
		return err
	}
	if err := cfg.Sphinx.validate(); err != nil {
		return err
	}

	keys := make(map[offchain.PublicKey]bool)
	for _, p := range cfg.Peers {
		if err := p.validate(); err != nil {
			return err
		}
		if keys[p.packetKey] {
			return fmt.Errorf("config: Peer: PacketKey '%v' is listed twice", p.PacketKey)
		}
		keys[p.packetKey] = true
	}
	ids := make(map[common.Hash]bool)
	for _, c := range cfg.Channels {
		if err := c.validate(); err != nil {
			return err
		}
		if ids[c.entry.ID()] {
			return fmt.Errorf("config: Channel: %v -> %v is listed twice", c.Source, c.Destination)
		}
		ids[c.entry.ID()] = true
	}

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}
	return nil
}

// Store writes a config to fileName on disk
func Store(cfg *Config, fileName string) error {
	serialized, err := cbor.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(fileName, serialized, 0600)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
