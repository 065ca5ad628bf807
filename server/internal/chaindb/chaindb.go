// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package chaindb persists the relay's view of its payment channels and
// the tickets drawn on them.
package chaindb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/channels"
	"github.com/katzenpost/ticketmix/core/tickets"
)

const (
	channelsBucket      = "channels"
	unrealizedBucket    = "unrealized"
	incomingIndexBucket = "incoming_index"
	ticketsBucket       = "tickets"
	statsBucket         = "stats"

	ticketKeyLength = common.HashLength + 4 + 8
)

var (
	errCorruptRecord = errors.New("chaindb: corrupt record")

	// ErrTicketNotFound is returned for tickets that were never stored.
	ErrTicketNotFound = errors.New("chaindb: ticket not found")

	// ErrInvalidTransition is returned when a ticket can't move to the
	// requested state.
	ErrInvalidTransition = errors.New("chaindb: invalid ticket state transition")

	dbOptions = &bolt.Options{
		Timeout:        2 * time.Second,
		NoFreelistSync: true,
	}
)

// TicketState is the persisted state of a ticket.
type TicketState uint8

const (
	// Untouched tickets are acknowledged and waiting to be redeemed.
	Untouched TicketState = iota

	// BeingRedeemed tickets were handed to a redeemer.
	BeingRedeemed

	// Redeemed tickets were paid out.
	Redeemed

	// Rejected tickets failed validation or acknowledgement.
	Rejected

	// Neglected tickets expired before they could be redeemed.
	Neglected
)

func (s TicketState) String() string {
	switch s {
	case Untouched:
		return "Untouched"
	case BeingRedeemed:
		return "BeingRedeemed"
	case Redeemed:
		return "Redeemed"
	case Rejected:
		return "Rejected"
	case Neglected:
		return "Neglected"
	default:
		return fmt.Sprintf("[Unknown state: %d]", uint8(s))
	}
}

type channelRecord struct {
	Source      []byte
	Destination []byte
	Balance     []byte
	TicketIndex uint64
	Status      uint8
	Epoch       uint32
	ClosureTime uint64
}

type ticketRecord struct {
	State  TicketState
	Ticket []byte
	Acked  []byte `cbor:",omitempty"`
	Reason string `cbor:",omitempty"`
}

// Stats are the aggregate amounts of finalized tickets.
type Stats struct {
	Redeemed  *uint256.Int
	Rejected  *uint256.Int
	Neglected *uint256.Int

	RedeemedCount  uint64
	RejectedCount  uint64
	NeglectedCount uint64
}

type statsRecord struct {
	Amounts [3][]byte
	Counts  [3]uint64
}

// DB is a bbolt backed channel and ticket store.
type DB struct {
	db  *bolt.DB
	log *logging.Logger
	me  common.Address
}

// New opens or creates the database at path for the node with chain
// address me.
func New(path string, me common.Address, log *logging.Logger) (*DB, error) {
	db, err := bolt.Open(path, 0600, dbOptions)
	if err != nil {
		return nil, err
	}
	d := &DB{
		db:  db,
		log: log,
		me:  me,
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{channelsBucket, unrealizedBucket, incomingIndexBucket, ticketsBucket, statsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Me returns the chain address of the node the database belongs to.
func (d *DB) Me() common.Address {
	return d.me
}

func encodeChannel(e *channels.Entry) ([]byte, error) {
	balance := e.Balance.Bytes32()
	return cbor.Marshal(&channelRecord{
		Source:      e.Source.Bytes(),
		Destination: e.Destination.Bytes(),
		Balance:     balance[:],
		TicketIndex: e.TicketIndex,
		Status:      uint8(e.Status),
		Epoch:       e.Epoch,
		ClosureTime: e.ClosureTime,
	})
}

func decodeChannel(b []byte) (*channels.Entry, error) {
	var r channelRecord
	if err := cbor.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if len(r.Source) != common.AddressLength || len(r.Destination) != common.AddressLength || len(r.Balance) != 32 {
		return nil, errCorruptRecord
	}
	return &channels.Entry{
		Source:      common.BytesToAddress(r.Source),
		Destination: common.BytesToAddress(r.Destination),
		Balance:     new(uint256.Int).SetBytes(r.Balance),
		TicketIndex: r.TicketIndex,
		Status:      channels.Status(r.Status),
		Epoch:       r.Epoch,
		ClosureTime: r.ClosureTime,
	}, nil
}

func getChannel(tx *bolt.Tx, id common.Hash) (*channels.Entry, error) {
	b := tx.Bucket([]byte(channelsBucket)).Get(id[:])
	if b == nil {
		return nil, channels.ErrChannelNotFound
	}
	return decodeChannel(b)
}

func putChannel(tx *bolt.Tx, e *channels.Entry) error {
	b, err := encodeChannel(e)
	if err != nil {
		return err
	}
	id := e.ID()
	return tx.Bucket([]byte(channelsBucket)).Put(id[:], b)
}

func getAmount(bkt *bolt.Bucket, key []byte) *uint256.Int {
	v := new(uint256.Int)
	if b := bkt.Get(key); b != nil {
		v.SetBytes(b)
	}
	return v
}

func putAmount(bkt *bolt.Bucket, key []byte, v *uint256.Int) error {
	if v.IsZero() {
		return bkt.Delete(key)
	}
	b := v.Bytes32()
	return bkt.Put(key, b[:])
}

// PutChannel inserts or replaces a channel. Changes to an existing channel
// are logged. A new epoch resets the incoming index.
func (d *DB) PutChannel(e *channels.Entry) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		id := e.ID()
		old, err := getChannel(tx, id)
		switch err {
		case nil:
			for _, c := range channels.Diff(old, e) {
				d.log.Debugf("Channel %x: %v", id[:4], c)
			}
			if old.Epoch != e.Epoch {
				if err := tx.Bucket([]byte(incomingIndexBucket)).Delete(id[:]); err != nil {
					return err
				}
			}
		case channels.ErrChannelNotFound:
		default:
			return err
		}
		return putChannel(tx, e)
	})
}

// Channel returns the channel with the given id.
func (d *DB) Channel(id common.Hash) (*channels.Entry, error) {
	var e *channels.Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getChannel(tx, id)
		return err
	})
	return e, err
}

// ChannelBetween returns the channel from source to destination.
func (d *DB) ChannelBetween(source, destination common.Address) (*channels.Entry, error) {
	return d.Channel(tickets.ChannelID(source, destination))
}

// Channels returns all known channels.
func (d *DB) Channels() ([]*channels.Entry, error) {
	var ret []*channels.Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(channelsBucket)).ForEach(func(_, v []byte) error {
			e, err := decodeChannel(v)
			if err != nil {
				return err
			}
			ret = append(ret, e)
			return nil
		})
	})
	return ret, err
}

// Reservation is an outgoing ticket index and the amount held for it.
type Reservation struct {
	Channel *channels.Entry
	Index   uint64
}

// ReserveOutgoing reserves the next ticket index of the channel to
// destination and, if checkBalance is set, holds amount against the
// channel balance. Both happen in a single transaction, so concurrent
// callers never get the same index.
func (d *DB) ReserveOutgoing(destination common.Address, amount *uint256.Int, checkBalance bool) (*Reservation, error) {
	var r *Reservation
	err := d.db.Update(func(tx *bolt.Tx) error {
		id := tickets.ChannelID(d.me, destination)
		e, err := getChannel(tx, id)
		if err != nil {
			return err
		}
		if !e.AcceptsTickets() {
			return fmt.Errorf("%w: channel is %v", channels.ErrChannelNotFound, e.Status)
		}
		if e.TicketIndex >= tickets.MaxIndex {
			return fmt.Errorf("%w: ticket index exhausted", channels.ErrOutOfFunds)
		}

		unrealized := tx.Bucket([]byte(unrealizedBucket))
		pending := getAmount(unrealized, id[:])
		if checkBalance {
			remaining := new(uint256.Int)
			if e.Balance.Gt(pending) {
				remaining.Sub(e.Balance, pending)
			}
			if remaining.Lt(amount) {
				return fmt.Errorf("%w: %v remaining, %v needed", channels.ErrOutOfFunds, remaining.Dec(), amount.Dec())
			}
		}
		pending.Add(pending, amount)
		if err := putAmount(unrealized, id[:], pending); err != nil {
			return err
		}

		r = &Reservation{Index: e.TicketIndex}
		e.TicketIndex++
		r.Channel = e
		return putChannel(tx, e)
	})
	return r, err
}

// UnrealizedValue returns the value of tickets on the channel that are not
// finalized yet. For outgoing channels this is the value issued, for
// incoming channels the value acknowledged.
func (d *DB) UnrealizedValue(id common.Hash) (*uint256.Int, error) {
	var v *uint256.Int
	err := d.db.View(func(tx *bolt.Tx) error {
		v = getAmount(tx.Bucket([]byte(unrealizedBucket)), id[:])
		return nil
	})
	return v, err
}

// SetIncomingIndex records the index of the most recent ticket received on
// the channel.
func (d *DB) SetIncomingIndex(id common.Hash, index uint64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], index)
		return tx.Bucket([]byte(incomingIndexBucket)).Put(id[:], b[:])
	})
}

// IncomingIndex returns the index of the most recent ticket received on the
// channel, and false if none was received in the current epoch.
func (d *DB) IncomingIndex(id common.Hash) (uint64, bool, error) {
	var (
		idx uint64
		ok  bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(incomingIndexBucket)).Get(id[:])
		if b == nil {
			return nil
		}
		if len(b) != 8 {
			return errCorruptRecord
		}
		idx, ok = binary.BigEndian.Uint64(b), true
		return nil
	})
	return idx, ok, err
}

func ticketKey(id tickets.TicketID) []byte {
	k := make([]byte, ticketKeyLength)
	copy(k, id.ChannelID[:])
	binary.BigEndian.PutUint32(k[common.HashLength:], id.Epoch)
	binary.BigEndian.PutUint64(k[common.HashLength+4:], id.Index)
	return k
}

func getTicket(bkt *bolt.Bucket, key []byte) (*ticketRecord, error) {
	b := bkt.Get(key)
	if b == nil {
		return nil, ErrTicketNotFound
	}
	r := new(ticketRecord)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return r, nil
}

func putTicket(bkt *bolt.Bucket, key []byte, r *ticketRecord) error {
	b, err := cbor.Marshal(r)
	if err != nil {
		return err
	}
	return bkt.Put(key, b)
}

// StoreAcknowledged persists an acknowledged ticket and adds its amount to
// the unrealized value of its channel.
func (d *DB) StoreAcknowledged(t *tickets.AcknowledgedTicket) error {
	acked, err := t.MarshalCBOR()
	if err != nil {
		return err
	}
	tk := t.Ticket()
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		key := ticketKey(tk.ID())
		if bkt.Get(key) != nil {
			return fmt.Errorf("%w: ticket %v already stored", ErrInvalidTransition, tk.ID())
		}
		if err := putTicket(bkt, key, &ticketRecord{
			State:  TicketState(t.Status),
			Ticket: tk.Bytes(),
			Acked:  acked,
		}); err != nil {
			return err
		}
		id := tk.ChannelID()
		unrealized := tx.Bucket([]byte(unrealizedBucket))
		v := getAmount(unrealized, id[:])
		return putAmount(unrealized, id[:], v.Add(v, tk.Amount()))
	})
}

// AcknowledgedTickets returns the stored tickets that are not finalized, in
// ticket id order. A zero channel id returns the tickets of all channels.
func (d *DB) AcknowledgedTickets(channelID common.Hash) ([]*tickets.AcknowledgedTicket, error) {
	var ret []*tickets.AcknowledgedTicket
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(ticketsBucket)).Cursor()
		var prefix []byte
		if channelID != (common.Hash{}) {
			prefix = channelID[:]
		}
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r ticketRecord
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: %v", errCorruptRecord, err)
			}
			if r.State > BeingRedeemed || r.Acked == nil {
				continue
			}
			t := new(tickets.AcknowledgedTicket)
			if err := t.UnmarshalCBOR(r.Acked); err != nil {
				return err
			}
			t.Status = tickets.AcknowledgedStatus(r.State)
			ret = append(ret, t)
		}
		return nil
	})
	return ret, err
}

// TicketState returns the state of a stored ticket.
func (d *DB) TicketState(id tickets.TicketID) (TicketState, error) {
	var s TicketState
	err := d.db.View(func(tx *bolt.Tx) error {
		r, err := getTicket(tx.Bucket([]byte(ticketsBucket)), ticketKey(id))
		if err != nil {
			return err
		}
		s = r.State
		return nil
	})
	return s, err
}

func (d *DB) bumpStats(tx *bolt.Tx, state TicketState, amount *uint256.Int) error {
	slot := int(state - Redeemed)
	bkt := tx.Bucket([]byte(statsBucket))
	var r statsRecord
	if b := bkt.Get([]byte(statsBucket)); b != nil {
		if err := cbor.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("%w: %v", errCorruptRecord, err)
		}
	}
	v := new(uint256.Int).SetBytes(r.Amounts[slot])
	v.Add(v, amount)
	vb := v.Bytes32()
	r.Amounts[slot] = vb[:]
	r.Counts[slot]++
	b, err := cbor.Marshal(&r)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(statsBucket), b)
}

// RejectTicket records an incoming ticket as rejected. A ticket already
// stored under the same id is left untouched.
func (d *DB) RejectTicket(t *tickets.Ticket, reason error) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		key := ticketKey(t.ID())
		switch _, err := getTicket(bkt, key); err {
		case nil:
			d.log.Warningf("Not overwriting stored ticket %v with a rejected copy: %v", t.ID(), reason)
			return nil
		case ErrTicketNotFound:
			r := &ticketRecord{State: Rejected, Ticket: t.Bytes()}
			if reason != nil {
				r.Reason = reason.Error()
			}
			if err := putTicket(bkt, key, r); err != nil {
				return err
			}
		default:
			return err
		}
		return d.bumpStats(tx, Rejected, t.Amount())
	})
}

// MarkRedeemed finalizes a stored ticket as paid out.
func (d *DB) MarkRedeemed(id tickets.TicketID) error {
	return d.finalizeStored(id, Redeemed)
}

// MarkNeglected finalizes a stored ticket as expired.
func (d *DB) MarkNeglected(id tickets.TicketID) error {
	return d.finalizeStored(id, Neglected)
}

// MarkBeingRedeemed flags a stored ticket as handed to a redeemer.
func (d *DB) MarkBeingRedeemed(id tickets.TicketID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		key := ticketKey(id)
		r, err := getTicket(bkt, key)
		if err != nil {
			return err
		}
		if r.State != Untouched {
			return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, r.State, BeingRedeemed)
		}
		r.State = BeingRedeemed
		return putTicket(bkt, key, r)
	})
}

func (d *DB) finalizeStored(id tickets.TicketID, state TicketState) error {
	var amount *uint256.Int
	err := d.db.View(func(tx *bolt.Tx) error {
		r, err := getTicket(tx.Bucket([]byte(ticketsBucket)), ticketKey(id))
		if err != nil {
			return err
		}
		t, err := tickets.FromBytes(r.Ticket)
		if err != nil {
			return err
		}
		amount = t.Amount()
		return nil
	})
	if err != nil {
		return err
	}
	return d.finalize(id, amount, state, nil, func(*bolt.Bucket, []byte) error {
		return ErrTicketNotFound
	})
}

// finalize moves a ticket to a terminal state. onMissing is called when
// the ticket is not stored.
func (d *DB) finalize(id tickets.TicketID, amount *uint256.Int, state TicketState, reason error, onMissing func(*bolt.Bucket, []byte) error) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		key := ticketKey(id)
		r, err := getTicket(bkt, key)
		switch err {
		case nil:
			if r.State > BeingRedeemed {
				return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, r.State, state)
			}
			r.State = state
			if reason != nil {
				r.Reason = reason.Error()
			}
			if err := putTicket(bkt, key, r); err != nil {
				return err
			}

			// Finalized tickets no longer count against the channel.
			unrealized := tx.Bucket([]byte(unrealizedBucket))
			v := getAmount(unrealized, id.ChannelID[:])
			if v.Lt(amount) {
				v.Clear()
			} else {
				v.Sub(v, amount)
			}
			if err := putAmount(unrealized, id.ChannelID[:], v); err != nil {
				return err
			}
		case ErrTicketNotFound:
			if err := onMissing(bkt, key); err != nil {
				return err
			}
		default:
			return err
		}
		return d.bumpStats(tx, state, amount)
	})
}

// ReleaseOutgoing returns amount held by ReserveOutgoing to the channel to
// destination, for tickets that were never sent.
func (d *DB) ReleaseOutgoing(destination common.Address, amount *uint256.Int) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		id := tickets.ChannelID(d.me, destination)
		unrealized := tx.Bucket([]byte(unrealizedBucket))
		v := getAmount(unrealized, id[:])
		if v.Lt(amount) {
			v.Clear()
		} else {
			v.Sub(v, amount)
		}
		return putAmount(unrealized, id[:], v)
	})
}

// Stats returns the aggregate amounts of finalized tickets.
func (d *DB) Stats() (*Stats, error) {
	var r statsRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(statsBucket)).Get([]byte(statsBucket)); b != nil {
			return cbor.Unmarshal(b, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Stats{
		Redeemed:       new(uint256.Int).SetBytes(r.Amounts[0]),
		Rejected:       new(uint256.Int).SetBytes(r.Amounts[1]),
		Neglected:      new(uint256.Int).SetBytes(r.Amounts[2]),
		RedeemedCount:  r.Counts[0],
		RejectedCount:  r.Counts[1],
		NeglectedCount: r.Counts[2],
	}, nil
}
