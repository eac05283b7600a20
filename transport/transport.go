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

package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/nkct/ap2pmsg/enums"
	"github.com/nkct/ap2pmsg/parcel"
	"github.com/nkct/ap2pmsg/util"
)

// DialTimeout bounds the connect phase of an outbound send. A peer
// that is offline fails the send; the caller keeps its pending row.
const DialTimeout = 10 * time.Second

// Error codes
var (
	ErrShortParcel = errors.New("short parcel read")
)

// Sender delivers one encoded parcel to a peer endpoint. It is a
// function type so the dispatcher can be exercised without sockets.
type Sender func(addr string, port uint16, p parcel.Parcel) error

// SendParcel opens a fresh TCP connection to (addr, port), writes the
// entire parcel and closes the socket. There is no pooling; every
// frame travels on its own connection.
func SendParcel(addr string, port uint16, p parcel.Parcel) error {
	buf, err := parcel.Encode(p)
	if err != nil {
		return err
	}
	ep := util.Endpoint(addr, port)
	conn, err := net.DialTimeout("tcp", ep, DialTimeout)
	if err != nil {
		logger.Printf(logger.WARN, "[transport] could not connect to %s: %s\n", ep, err.Error())
		return err
	}
	defer conn.Close()

	logger.Printf(logger.DBG, "[transport] parcel: %v\n", buf)
	if _, err = conn.Write(buf); err != nil {
		logger.Printf(logger.WARN, "[transport] could not send parcel to %s: %s\n", ep, err.Error())
		return err
	}
	logger.Printf(logger.DBG, "[transport] sent %s parcel to %s\n", p.ParcelKind(), ep)
	return nil
}

// ParcelReader consumes parcels from one inbound socket. The kind byte
// is peeked without being consumed, so frame layouts are read at their
// full documented length.
type ParcelReader struct {
	rd *bufio.Reader
}

// NewParcelReader wraps an inbound socket (or any stream).
func NewParcelReader(conn io.Reader) *ParcelReader {
	return &ParcelReader{rd: bufio.NewReader(conn)}
}

// PeekKind returns the kind of the next frame without consuming it.
func (pr *ParcelReader) PeekKind() (enums.ParcelKind, error) {
	b, err := pr.rd.Peek(1)
	if err != nil {
		return 0, err
	}
	return enums.ParcelKind(b[0]), nil
}

// ReadParcel reads exactly one frame: the fixed portion determined by
// the peeked kind, then the content tail for MSG_SEND. A truncated
// stream yields ErrShortParcel; an unknown kind is surfaced so the
// caller can drop the socket.
func (pr *ParcelReader) ReadParcel() (parcel.Parcel, error) {
	kind, err := pr.PeekKind()
	if err != nil {
		return nil, err
	}
	p, err := parcel.NewEmptyParcel(kind)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, p.FixedSize())
	if _, err = io.ReadFull(pr.rd, buf); err != nil {
		return nil, errShort(err)
	}
	tail, err := parcel.TailSize(kind, buf)
	if err != nil {
		return nil, err
	}
	if tail > 0 {
		content := make([]byte, tail)
		if _, err = io.ReadFull(pr.rd, content); err != nil {
			return nil, errShort(err)
		}
		buf = append(buf, content...)
	}
	logger.Printf(logger.DBG, "[transport] parcel: %v\n", buf)
	if err = parcel.Decode(p, buf); err != nil {
		return nil, err
	}
	return p, nil
}

// errShort maps stream truncation onto ErrShortParcel.
func errShort(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortParcel
	}
	return err
}
