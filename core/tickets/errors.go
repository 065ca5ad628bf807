// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInputData is returned when a ticket field or argument is
	// out of bounds.
	ErrInvalidInputData = errors.New("tickets: invalid input data")

	// ErrLoopbackTicket is returned when redeeming a ticket the redeemer
	// issued to itself.
	ErrLoopbackTicket = errors.New("tickets: cannot redeem a loopback ticket")

	// ErrTicketNotWinning is returned when a ticket is not a winning ticket.
	ErrTicketNotWinning = errors.New("tickets: ticket is not winning")
)

func invalidInput(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInputData, fmt.Sprintf(format, a...))
}

// VerificationError is returned when a ticket's signature does not verify.
// The rejected ticket is handed back so the caller can record it.
type VerificationError struct {
	Ticket *Ticket
	Err    error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("tickets: verification of ticket %v failed: %v", e.Ticket.ID(), e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}
