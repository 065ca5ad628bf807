// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package processor turns packets into tickets and back: it issues the
// tickets paying the next hop of outgoing and relayed packets, and
// validates the tickets paying this node.
package processor

import (
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/channels"
	"github.com/katzenpost/ticketmix/core/crypto/chain"
	"github.com/katzenpost/ticketmix/core/crypto/challenge"
	"github.com/katzenpost/ticketmix/core/crypto/offchain"
	"github.com/katzenpost/ticketmix/core/tickets"
	"github.com/katzenpost/ticketmix/server/config"
	"github.com/katzenpost/ticketmix/server/internal/chaindb"
	"github.com/katzenpost/ticketmix/server/internal/instrument"
	"github.com/katzenpost/ticketmix/server/internal/packet"
)

const mantissaMask = 0x000fffffffffffff

// DefaultPricePerPacket is the per hop ticket price used when none is
// configured.
var DefaultPricePerPacket = uint256.NewInt(10_000_000_000_000_000)

var (
	ErrChannelNotFound       = channels.ErrChannelNotFound
	ErrOutOfFunds            = channels.ErrOutOfFunds
	ErrSignatureVerification = chain.ErrSignatureVerification
	ErrPacketDecoding        = packet.ErrPacketDecoding
	ErrPacketConstruction    = packet.ErrPacketConstruction

	// ErrTicketValidation is returned for incoming tickets that are
	// correctly signed but not acceptable.
	ErrTicketValidation = errors.New("processor: ticket validation failed")

	// ErrPathPositionMismatch is returned when the incoming ticket does not
	// pay for as many hops as the packet header claims.
	ErrPathPositionMismatch = errors.New("processor: path position mismatch")

	// ErrMissingDomainSeparator is returned when tickets must be signed or
	// verified but no domain separator is known.
	ErrMissingDomainSeparator = errors.New("processor: missing domain separator")
)

// DB is the channel and ticket state the processor needs.
type DB interface {
	ChannelBetween(source, destination common.Address) (*channels.Entry, error)
	ReserveOutgoing(destination common.Address, amount *uint256.Int, checkBalance bool) (*chaindb.Reservation, error)
	ReleaseOutgoing(destination common.Address, amount *uint256.Int) error
	UnrealizedValue(id common.Hash) (*uint256.Int, error)
	SetIncomingIndex(id common.Hash, index uint64) error
	RejectTicket(t *tickets.Ticket, reason error) error
}

// PendingStore remembers packets awaiting acknowledgement.
type PendingStore interface {
	StorePending(c challenge.HalfKeyChallenge, p tickets.PendingAcknowledgement)
}

// Resolver maps packet keys to chain addresses.
type Resolver interface {
	ChainAddress(key offchain.PublicKey) (common.Address, bool)
}

// PeerTable is a static Resolver.
type PeerTable map[offchain.PublicKey]common.Address

// ChainAddress implements Resolver.
func (t PeerTable) ChainAddress(key offchain.PublicKey) (common.Address, bool) {
	addr, ok := t[key]
	return addr, ok
}

// Config is the ticket policy of a PacketProcessor.
type Config struct {
	ChainKey        *chain.Keypair
	DomainSeparator *common.Hash

	// Price is the per hop price, nil for DefaultPricePerPacket.
	Price *uint256.Int

	MinimumPrice           *uint256.Int
	MinimumWinProb         float64
	OutgoingWinProb        float64
	CheckUnrealizedBalance bool
}

// ConfigFromRelay returns the Config described by the Relay section.
func ConfigFromRelay(rCfg *config.Relay, key *chain.Keypair) *Config {
	return &Config{
		ChainKey:               key,
		DomainSeparator:        rCfg.DomainSeparatorHash(),
		Price:                  rCfg.Price(),
		MinimumPrice:           rCfg.MinimumPrice(),
		MinimumWinProb:         *rCfg.MinimumWinProb,
		OutgoingWinProb:        *rCfg.OutgoingWinProb,
		CheckUnrealizedBalance: *rCfg.CheckUnrealizedBalance,
	}
}

// PacketProcessor creates outgoing packets and the parts of relayed ones.
type PacketProcessor struct {
	cfg      *Config
	me       common.Address
	price    *uint256.Int
	minWP    tickets.WinningProbability
	db       DB
	pending  PendingStore
	resolver Resolver
	codec    *packet.Codec
	metrics  *instrument.Recorder
	log      *logging.Logger
}

// New returns a PacketProcessor.
func New(cfg *Config, db DB, pending PendingStore, resolver Resolver, codec *packet.Codec, metrics *instrument.Recorder, log *logging.Logger) (*PacketProcessor, error) {
	minWP, err := tickets.WinProbFromFloat64(cfg.MinimumWinProb)
	if err != nil {
		return nil, err
	}
	if _, err = tickets.WinProbFromFloat64(cfg.OutgoingWinProb); err != nil {
		return nil, err
	}
	p := &PacketProcessor{
		cfg:      cfg,
		me:       cfg.ChainKey.Address(),
		price:    cfg.Price,
		minWP:    minWP,
		db:       db,
		pending:  pending,
		resolver: resolver,
		codec:    codec,
		metrics:  metrics,
		log:      log,
	}
	if p.price == nil {
		log.Warningf("No ticket price configured, using the default of %v", DefaultPricePerPacket.Dec())
		p.price = DefaultPricePerPacket.Clone()
	}
	if cfg.DomainSeparator == nil {
		log.Warningf("No domain separator configured, tickets can't be issued or accepted")
	}
	if cfg.MinimumPrice == nil {
		cfg.MinimumPrice = new(uint256.Int)
	}
	return p, nil
}

// Codec returns the packet codec.
func (p *PacketProcessor) Codec() *packet.Codec {
	return p.codec
}

func (p *PacketProcessor) domainSeparator() (common.Hash, error) {
	if p.cfg.DomainSeparator == nil {
		return common.Hash{}, ErrMissingDomainSeparator
	}
	return *p.cfg.DomainSeparator, nil
}

// divideByWinProb returns x / wp, using the same 52 bit mantissa as the
// winning probability encoding.
func divideByWinProb(x *uint256.Int, wp float64) (*uint256.Int, error) {
	if !(wp > 0 && wp <= 1) {
		return nil, fmt.Errorf("%w: winning probability %v not in (0, 1]", tickets.ErrInvalidInputData, wp)
	}
	if wp == 1 {
		return x.Clone(), nil
	}
	mant := math.Float64bits(wp+1) & mantissaMask
	if mant == 0 {
		return nil, fmt.Errorf("%w: winning probability %v is too small", tickets.ErrInvalidInputData, wp)
	}
	r := new(uint256.Int).Lsh(x, 52)
	return r.Div(r, uint256.NewInt(mant)), nil
}

func (p *PacketProcessor) createMultihopTicket(destination common.Address, pathPos uint8, winProb float64) (*tickets.Builder, *uint256.Int, error) {
	if pathPos < 1 {
		return nil, nil, fmt.Errorf("%w: path position must be at least 1", tickets.ErrInvalidInputData)
	}
	// The per hop price is scaled before multiplying, so the amount is
	// always a whole multiple of the scaled price.
	amount, err := divideByWinProb(p.price, winProb)
	if err != nil {
		return nil, nil, err
	}
	amount.Mul(amount, uint256.NewInt(uint64(pathPos-1)))
	r, err := p.db.ReserveOutgoing(destination, amount, p.cfg.CheckUnrealizedBalance)
	if err != nil {
		return nil, nil, err
	}
	b := tickets.NewBuilder().
		Addresses(p.me, destination).
		Amount(amount).
		Index(r.Index).
		IndexOffset(1).
		ChannelEpoch(r.Channel.Epoch).
		WinProb(winProb)
	return b, amount, nil
}

// CreateMultihopTicket reserves the next ticket on the channel to
// destination and returns the unsigned ticket paying for pathPos-1 relays
// at winProb.
func (p *PacketProcessor) CreateMultihopTicket(destination common.Address, pathPos uint8, winProb float64) (*tickets.Builder, error) {
	b, _, err := p.createMultihopTicket(destination, pathPos, winProb)
	return b, err
}

func (p *PacketProcessor) issue(b *tickets.Builder, c challenge.EthereumChallenge) (*tickets.VerifiedTicket, error) {
	ds, err := p.domainSeparator()
	if err != nil {
		return nil, err
	}
	v, err := b.Challenge(c).BuildSigned(p.cfg.ChainKey, ds)
	if err != nil {
		return nil, err
	}
	p.metrics.TicketIssued()
	return v, nil
}

// NewOutgoing creates a packet carrying payload along path, the last entry
// of which is the destination.
func (p *PacketProcessor) NewOutgoing(payload []byte, path []offchain.PublicKey) (*packet.Outgoing, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrPacketConstruction)
	}
	if _, err := p.domainSeparator(); err != nil {
		return nil, err
	}
	next, ok := p.resolver.ChainAddress(path[0])
	if !ok {
		return nil, fmt.Errorf("%w: no chain address for %v", ErrPacketConstruction, path[0])
	}

	var reserved *uint256.Int
	newTicket := func(c challenge.EthereumChallenge) (*tickets.Ticket, error) {
		var b *tickets.Builder
		if len(path) == 1 {
			b = tickets.ZeroHop(p.me, next)
		} else {
			var err error
			if b, reserved, err = p.createMultihopTicket(next, uint8(len(path)), p.cfg.OutgoingWinProb); err != nil {
				return nil, err
			}
		}
		v, err := p.issue(b, c)
		if err != nil {
			return nil, err
		}
		return v.Ticket(), nil
	}

	out, err := p.codec.NewOutgoing(rand.Reader, payload, path, newTicket)
	if err != nil && reserved != nil {
		if rerr := p.db.ReleaseOutgoing(next, reserved); rerr != nil {
			p.log.Errorf("Failed to release %v held for %v: %v", reserved.Dec(), next, rerr)
		}
	}
	return out, err
}

// Open unwraps a packet received from previousHop.
func (p *PacketProcessor) Open(raw []byte, previousHop offchain.PublicKey) (packet.Packet, error) {
	return p.codec.Open(raw, previousHop)
}

// Acknowledge returns the acknowledgement for a packet with ackKey.
func (p *PacketProcessor) Acknowledge(ackKey *challenge.HalfKey) *tickets.Acknowledgement {
	return p.codec.Acknowledge(ackKey)
}

// CreateForwardedParts validates the ticket paying this node for relaying
// f, records it as pending until the next hop acknowledges, and returns the
// ticket paying the next hop.
func (p *PacketProcessor) CreateForwardedParts(f *packet.Forwarded) (*tickets.VerifiedTicket, error) {
	prev, ok := p.resolver.ChainAddress(f.PreviousHop)
	if !ok {
		return nil, fmt.Errorf("%w: no chain address for previous hop %v", ErrPacketDecoding, f.PreviousHop)
	}
	next, ok := p.resolver.ChainAddress(f.NextHop)
	if !ok {
		return nil, fmt.Errorf("%w: no chain address for next hop %v", ErrPacketDecoding, f.NextHop)
	}

	ch, err := p.db.ChannelBetween(prev, p.me)
	if err != nil {
		return nil, fmt.Errorf("no channel from previous hop %v: %w", prev, err)
	}

	verified, err := p.ValidateUnacknowledgedTicket(f.Ticket, ch, prev)
	if err != nil {
		p.metrics.TicketRejected()
		// Only tickets signed by the previous hop are worth recording.
		if errors.Is(err, ErrSignatureVerification) {
			return nil, err
		}
		if rerr := p.db.RejectTicket(f.Ticket, err); rerr != nil {
			p.log.Errorf("Failed to record rejected ticket %v: %v", f.Ticket.ID(), rerr)
		}
		return nil, err
	}

	if err = p.db.SetIncomingIndex(ch.ID(), f.Ticket.Index()); err != nil {
		return nil, err
	}
	p.pending.StorePending(f.AckChallenge, &tickets.WaitingAsRelayer{Ticket: verified.IntoUnacknowledged(f.OwnKey)})

	pos, err := f.Ticket.PathPosition(p.price)
	if err != nil {
		return nil, err
	}
	if pos != f.PathPos {
		return nil, fmt.Errorf("%w: from ticket %d, from packet %d", ErrPathPositionMismatch, pos, f.PathPos)
	}

	var b *tickets.Builder
	if pos == 1 {
		b = tickets.ZeroHop(p.me, next)
	} else {
		wp := max(p.cfg.OutgoingWinProb, f.Ticket.WinProb().AsFloat64())
		var reserved *uint256.Int
		if b, reserved, err = p.createMultihopTicket(next, pos, wp); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				if rerr := p.db.ReleaseOutgoing(next, reserved); rerr != nil {
					p.log.Errorf("Failed to release %v held for %v: %v", reserved.Dec(), next, rerr)
				}
			}
		}()
	}

	var v *tickets.VerifiedTicket
	v, err = p.issue(b, f.NextTicketChallenge)
	return v, err
}
