// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/katzenpost/hpqc/util"
)

const (
	// DefaultApplicationTag is the tag of application data that carries
	// none.
	DefaultApplicationTag uint16 = 0

	appDataHeaderLength = 2 + 2
)

// ApplicationData is the plaintext carried by a packet.
type ApplicationData struct {
	// Tag is the application tag, or nil for DefaultApplicationTag.
	Tag       *uint16
	PlainText []byte
}

// MaxPlainTextLength returns the largest plaintext fitting a payload of
// payloadLength bytes.
func MaxPlainTextLength(payloadLength int) int {
	return payloadLength - appDataHeaderLength
}

// ToPayload serializes the data padded to exactly payloadLength bytes.
func (d *ApplicationData) ToPayload(payloadLength int) ([]byte, error) {
	if len(d.PlainText) > MaxPlainTextLength(payloadLength) || len(d.PlainText) > 0xffff {
		return nil, fmt.Errorf("%w: plaintext of %d bytes exceeds payload", ErrPacketConstruction, len(d.PlainText))
	}
	b := make([]byte, payloadLength)
	tag := DefaultApplicationTag
	if d.Tag != nil {
		tag = *d.Tag
	}
	binary.BigEndian.PutUint16(b[0:], tag)
	binary.BigEndian.PutUint16(b[2:], uint16(len(d.PlainText)))
	copy(b[appDataHeaderLength:], d.PlainText)
	return b, nil
}

// ApplicationDataFromPayload parses a payload created by ToPayload.
func ApplicationDataFromPayload(b []byte) (*ApplicationData, error) {
	if len(b) < appDataHeaderLength {
		return nil, fmt.Errorf("%w: truncated application data", ErrPacketDecoding)
	}
	n := int(binary.BigEndian.Uint16(b[2:]))
	body := b[appDataHeaderLength:]
	if n > len(body) || !util.CtIsZero(body[n:]) {
		return nil, fmt.Errorf("%w: malformed application data", ErrPacketDecoding)
	}
	d := &ApplicationData{PlainText: append([]byte{}, body[:n]...)}
	if tag := binary.BigEndian.Uint16(b[0:]); tag != DefaultApplicationTag {
		d.Tag = &tag
	}
	return d, nil
}

func (d *ApplicationData) String() string {
	tag := DefaultApplicationTag
	if d.Tag != nil {
		tag = *d.Tag
	}
	return fmt.Sprintf("(%d): %x", tag, d.PlainText)
}
