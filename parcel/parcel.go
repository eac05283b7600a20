// This file is part of ap2pmsg, a peer-to-peer messaging daemon in Golang.
// Copyright (C) 2024, 2025 nkct
//
// ap2pmsg is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// ap2pmsg is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package parcel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bfix/gospel/data"
	"github.com/nkct/ap2pmsg/enums"
)

// Field widths of the fixed-layout string fields. Values are
// zero-padded on encode and cut at the first NUL on decode.
const (
	NameLen = 64 // self_name / peer_name
	AddrLen = 16 // dotted IPv4 address
)

// Error codes
var (
	ErrParcelUnknownKind = errors.New("unknown parcel kind")
	ErrParcelSize        = errors.New("parcel size mismatch")
)

// Header is the one-byte prefix shared by all parcels; the kind
// determines the layout of the remaining bytes.
type Header struct {
	Kind uint8
}

// ParcelKind returns the typed kind of the frame.
func (h *Header) ParcelKind() enums.ParcelKind {
	return enums.ParcelKind(h.Kind)
}

// Parcel is a single length-determined binary frame on the wire.
// Integers are big-endian; FixedSize covers everything except the
// variable content tail of MSG_SEND.
type Parcel interface {
	ParcelKind() enums.ParcelKind
	FixedSize() int
	String() string
}

// NewEmptyParcel creates a parcel instance of the given kind, ready to
// be filled by Decode. Fixed-width byte fields are pre-allocated.
func NewEmptyParcel(kind enums.ParcelKind) (Parcel, error) {
	switch kind {
	case enums.PARCEL_CONN_REQ:
		return NewConnReq(0, "", "", 0), nil
	case enums.PARCEL_CONN_ACK:
		return NewConnAck(0), nil
	case enums.PARCEL_CONN_REJ:
		return NewConnRej(0), nil
	case enums.PARCEL_CONN_ACC:
		return NewConnAcc(0, 0, ""), nil
	case enums.PARCEL_MSG_SEND:
		return NewMsgSend(0, 0, 0, 0, nil), nil
	case enums.PARCEL_MSG_RCV:
		return NewMsgRcv(0, 0, 0), nil
	}
	return nil, ErrParcelUnknownKind
}

// Encode serializes a parcel into its wire form. The result length is
// verified against the fixed layout (plus content for MSG_SEND).
func Encode(p Parcel) ([]byte, error) {
	buf, err := data.Marshal(p)
	if err != nil {
		return nil, err
	}
	want := p.FixedSize()
	if m, ok := p.(*MsgSend); ok {
		want += int(m.ContentLen)
	}
	if len(buf) != want {
		return nil, fmt.Errorf("%w: kind %s has %d bytes, want %d",
			ErrParcelSize, p.ParcelKind(), len(buf), want)
	}
	return buf, nil
}

// Decode fills a parcel created by NewEmptyParcel from its wire form.
func Decode(p Parcel, buf []byte) error {
	want := p.FixedSize()
	if len(buf) < want {
		return fmt.Errorf("%w: kind %s has %d bytes, want %d",
			ErrParcelSize, p.ParcelKind(), len(buf), want)
	}
	return data.Unmarshal(p, buf)
}

// TailSize returns the number of variable bytes that follow the fixed
// portion of a frame. Only MSG_SEND carries a tail; its length is the
// last four bytes of the fixed portion.
func TailSize(kind enums.ParcelKind, fixed []byte) (int, error) {
	if kind != enums.PARCEL_MSG_SEND {
		return 0, nil
	}
	n := len(fixed)
	if n < 4 {
		return 0, ErrParcelSize
	}
	return int(binary.BigEndian.Uint32(fixed[n-4:])), nil
}

// padded copies a string into a zero-padded field of the given width.
// Overlong values are truncated to the field width.
func padded(s string, width int) []byte {
	b := make([]byte, width)
	copy(b, s)
	return b
}

// unpadded cuts a fixed-width field at the first NUL. A field without
// a terminator yields all its bytes.
func unpadded(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
