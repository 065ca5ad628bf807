// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package channels describes the payment channels tickets are drawn on.
package channels

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/katzenpost/ticketmix/core/tickets"
)

var (
	// ErrChannelNotFound is returned when no channel is known between two
	// nodes.
	ErrChannelNotFound = errors.New("channels: channel not found")

	// ErrOutOfFunds is returned when a channel can't cover a ticket.
	ErrOutOfFunds = errors.New("channels: out of funds")
)

// Status is the state of a channel.
type Status uint8

const (
	Closed Status = iota
	Open
	PendingToClose
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case PendingToClose:
		return "PendingToClose"
	default:
		return fmt.Sprintf("[Unknown status: %d]", uint8(s))
	}
}

// ParseStatus parses a channel status name, ignoring case.
func ParseStatus(s string) (Status, error) {
	for _, v := range []Status{Closed, Open, PendingToClose} {
		if strings.EqualFold(s, v.String()) {
			return v, nil
		}
	}
	return Closed, fmt.Errorf("channels: invalid status '%v'", s)
}

// Direction is the direction of a channel relative to this node.
type Direction uint8

const (
	// Incoming channels pay this node.
	Incoming Direction = iota

	// Outgoing channels are funded by this node.
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Entry is the state of a single channel.
type Entry struct {
	Source      common.Address
	Destination common.Address
	Balance     *uint256.Int
	TicketIndex uint64
	Status      Status
	Epoch       uint32

	// ClosureTime is the unix time in seconds at which a pending closure
	// may be finalized, or 0.
	ClosureTime uint64
}

// ID returns the channel id.
func (e *Entry) ID() common.Hash {
	return tickets.ChannelID(e.Source, e.Destination)
}

// Direction returns the direction of the channel as seen by me, and false
// if me is neither endpoint.
func (e *Entry) Direction(me common.Address) (Direction, bool) {
	switch me {
	case e.Source:
		return Outgoing, true
	case e.Destination:
		return Incoming, true
	}
	return Incoming, false
}

// AcceptsTickets returns true iff tickets drawn on the channel may still be
// relayed.
func (e *Entry) AcceptsTickets() bool {
	return e.Status == Open || e.Status == PendingToClose
}

// RemainingClosureTime returns the remaining closure grace period, and false
// if closure has not been initiated.
func (e *Entry) RemainingClosureTime(now time.Time) (time.Duration, bool) {
	if e.ClosureTime == 0 {
		return 0, false
	}
	nowSecs := uint64(now.Unix())
	if nowSecs >= e.ClosureTime {
		return 0, true
	}
	return time.Duration(e.ClosureTime-nowSecs) * time.Second, true
}

// ClosureTimePassed returns true iff a closure was initiated and its grace
// period is over.
func (e *Entry) ClosureTimePassed(now time.Time) bool {
	rem, ok := e.RemainingClosureTime(now)
	return ok && rem == 0
}

func (e *Entry) String() string {
	return fmt.Sprintf("channel %x %v -> %v (%v, epoch %d, index %d, balance %v)",
		e.ID().Bytes()[:4], e.Source, e.Destination, e.Status, e.Epoch, e.TicketIndex, e.Balance.Dec())
}

// Change is a single field difference between two states of a channel.
type Change struct {
	Field string
	Left  string
	Right string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Field, c.Left, c.Right)
}

// Diff returns the changes between two states of the same channel. The
// entries must have the same id.
func Diff(left, right *Entry) []Change {
	if left.ID() != right.ID() {
		panic("channels: BUG - diff of different channels")
	}
	var ret []Change
	if left.Status != right.Status {
		ret = append(ret, Change{"Status", left.Status.String(), right.Status.String()})
	}
	if !left.Balance.Eq(right.Balance) {
		ret = append(ret, Change{"Balance", left.Balance.Dec(), right.Balance.Dec()})
	}
	if left.Epoch != right.Epoch {
		ret = append(ret, Change{"Epoch", fmt.Sprint(left.Epoch), fmt.Sprint(right.Epoch)})
	}
	if left.TicketIndex != right.TicketIndex {
		ret = append(ret, Change{"TicketIndex", fmt.Sprint(left.TicketIndex), fmt.Sprint(right.TicketIndex)})
	}
	return ret
}
