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

//----------------------------------------------------------------------
// MSG_SEND
//----------------------------------------------------------------------

// MsgSend delivers one application message. SharedMsgID is assigned by
// the sender, monotonically per connection; the content is an opaque
// blob tagged with a content type.
type MsgSend struct {
	Header
	SelfID      int64  `order:"big"`
	SharedMsgID int64  `order:"big"`
	TimeSent    int64  `order:"big"`
	ContentType uint8
	ContentLen  uint32 `order:"big"`
	Content     []byte `size:"ContentLen"`
}

// NewMsgSend assembles a message frame. A nil content is legal and
// encodes as a zero-length payload.
func NewMsgSend(selfID, sharedMsgID, timeSent int64, ctype enums.ContentType, content []byte) *MsgSend {
	if content == nil {
		content = make([]byte, 0)
	}
	return &MsgSend{
		Header:      Header{Kind: uint8(enums.PARCEL_MSG_SEND)},
		SelfID:      selfID,
		SharedMsgID: sharedMsgID,
		TimeSent:    timeSent,
		ContentType: uint8(ctype),
		ContentLen:  uint32(len(content)),
		Content:     content,
	}
}

// FixedSize returns the frame length up to and excluding the content
// tail (30 bytes).
func (p *MsgSend) FixedSize() int {
	return 1 + 8 + 8 + 8 + 1 + 4
}

// String returns a human-readable representation of the frame.
func (p *MsgSend) String() string {
	return fmt.Sprintf("MsgSend{self_id=%d,shared_msg_id=%d,type=%s,len=%d}",
		p.SelfID, p.SharedMsgID, enums.ContentType(p.ContentType), p.ContentLen)
}

//----------------------------------------------------------------------
// MSG_RCV
//----------------------------------------------------------------------

// MsgRcv confirms delivery of one application message back to its
// sender, carrying the receiver-side delivery timestamp.
type MsgRcv struct {
	Header
	SelfID       int64 `order:"big"`
	SharedMsgID  int64 `order:"big"`
	TimeReceived int64 `order:"big"`
}

// NewMsgRcv assembles a delivery confirmation frame.
func NewMsgRcv(selfID, sharedMsgID, timeReceived int64) *MsgRcv {
	return &MsgRcv{
		Header:       Header{Kind: uint8(enums.PARCEL_MSG_RCV)},
		SelfID:       selfID,
		SharedMsgID:  sharedMsgID,
		TimeReceived: timeReceived,
	}
}

// FixedSize returns the total frame length (25 bytes).
func (p *MsgRcv) FixedSize() int {
	return 1 + 8 + 8 + 8
}

// String returns a human-readable representation of the frame.
func (p *MsgRcv) String() string {
	return fmt.Sprintf("MsgRcv{self_id=%d,shared_msg_id=%d,time_received=%d}",
		p.SelfID, p.SharedMsgID, p.TimeReceived)
}
