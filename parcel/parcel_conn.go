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
	"fmt"

	"github.com/nkct/ap2pmsg/enums"
)

// Identifiers in a frame are written from the sender's perspective:
// the field named "self_id" carries the id that the RECEIVER generated
// for the sender (the receiver's stored peer_id), and "peer_id" the id
// the sender generated for the receiver.

//----------------------------------------------------------------------
// CONN_REQ
//----------------------------------------------------------------------

// ConnReq asks the receiver to open a connection. PeerID is the id the
// requester just generated for addressing itself; name, address and
// port identify the requester for the reply path.
type ConnReq struct {
	Header
	PeerID   int64  `order:"big"`
	SelfName []byte `size:"64"`
	SelfAddr []byte `size:"16"`
	SelfPort uint32 `order:"big"`
}

// NewConnReq assembles a connection request frame.
func NewConnReq(peerID int64, name, addr string, port uint16) *ConnReq {
	return &ConnReq{
		Header:   Header{Kind: uint8(enums.PARCEL_CONN_REQ)},
		PeerID:   peerID,
		SelfName: padded(name, NameLen),
		SelfAddr: padded(addr, AddrLen),
		SelfPort: uint32(port),
	}
}

// FixedSize returns the total frame length (93 bytes).
func (p *ConnReq) FixedSize() int {
	return 1 + 8 + NameLen + AddrLen + 4
}

// Name returns the requester's name with field padding removed.
func (p *ConnReq) Name() string {
	return unpadded(p.SelfName)
}

// Addr returns the requester's dotted IPv4 address.
func (p *ConnReq) Addr() string {
	return unpadded(p.SelfAddr)
}

// Port returns the requester's listening port in host order. Only the
// low 16 bits of the wire field are meaningful.
func (p *ConnReq) Port() uint16 {
	return uint16(p.SelfPort)
}

// String returns a human-readable representation of the frame.
func (p *ConnReq) String() string {
	return fmt.Sprintf("ConnReq{peer_id=%d,name=%s,addr=%s:%d}",
		p.PeerID, p.Name(), p.Addr(), p.Port())
}

//----------------------------------------------------------------------
// CONN_ACK
//----------------------------------------------------------------------

// ConnAck confirms that a connection request arrived and is now under
// review. SelfID echoes the id from the request.
type ConnAck struct {
	Header
	SelfID int64 `order:"big"`
}

// NewConnAck assembles an acknowledgement frame.
func NewConnAck(selfID int64) *ConnAck {
	return &ConnAck{
		Header: Header{Kind: uint8(enums.PARCEL_CONN_ACK)},
		SelfID: selfID,
	}
}

// FixedSize returns the total frame length (9 bytes).
func (p *ConnAck) FixedSize() int {
	return 1 + 8
}

// String returns a human-readable representation of the frame.
func (p *ConnAck) String() string {
	return fmt.Sprintf("ConnAck{self_id=%d}", p.SelfID)
}

//----------------------------------------------------------------------
// CONN_REJ
//----------------------------------------------------------------------

// ConnRej tells the requester its connection request was rejected.
type ConnRej struct {
	Header
	SelfID int64 `order:"big"`
}

// NewConnRej assembles a rejection frame.
func NewConnRej(selfID int64) *ConnRej {
	return &ConnRej{
		Header: Header{Kind: uint8(enums.PARCEL_CONN_REJ)},
		SelfID: selfID,
	}
}

// FixedSize returns the total frame length (9 bytes).
func (p *ConnRej) FixedSize() int {
	return 1 + 8
}

// String returns a human-readable representation of the frame.
func (p *ConnRej) String() string {
	return fmt.Sprintf("ConnRej{self_id=%d}", p.SelfID)
}

//----------------------------------------------------------------------
// CONN_ACC
//----------------------------------------------------------------------

// ConnAcc tells the requester its connection request was accepted.
// SelfID echoes the id from the request; PeerID is the id the acceptor
// generated for addressing itself from now on.
type ConnAcc struct {
	Header
	SelfID   int64  `order:"big"`
	PeerID   int64  `order:"big"`
	SelfName []byte `size:"64"`
}

// NewConnAcc assembles an acceptance frame.
func NewConnAcc(selfID, peerID int64, name string) *ConnAcc {
	return &ConnAcc{
		Header:   Header{Kind: uint8(enums.PARCEL_CONN_ACC)},
		SelfID:   selfID,
		PeerID:   peerID,
		SelfName: padded(name, NameLen),
	}
}

// FixedSize returns the total frame length (81 bytes).
func (p *ConnAcc) FixedSize() int {
	return 1 + 8 + 8 + NameLen
}

// Name returns the acceptor's name with field padding removed.
func (p *ConnAcc) Name() string {
	return unpadded(p.SelfName)
}

// String returns a human-readable representation of the frame.
func (p *ConnAcc) String() string {
	return fmt.Sprintf("ConnAcc{self_id=%d,peer_id=%d,name=%s}",
		p.SelfID, p.PeerID, p.Name())
}
