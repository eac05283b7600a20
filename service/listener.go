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

package service

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/nkct/ap2pmsg/store"
	"github.com/nkct/ap2pmsg/transport"
	"github.com/nkct/ap2pmsg/util"
)

// AcceptTimeout bounds one accept wait of the listener loop. The
// cancellation input is checked between waits, so cancellation is
// observed within roughly this interval but never mid-parcel.
const AcceptTimeout = 320 * time.Millisecond

// Listen accepts inbound parcels at the endpoint configured in the
// State table (listen_addr, self_port) until a byte arrives on the
// cancellation input (standard input for the daemon) or the context
// is cancelled. Parcels are handled one at a time, each fully
// consumed from its own socket.
func (c *Core) Listen(ctx context.Context, cancelIn io.Reader) error {
	addr, err := c.db.StateGet(store.StateListenAddr)
	if err != nil {
		return err
	}
	ps, err := c.db.StateGet(store.StateSelfPort)
	if err != nil {
		return err
	}
	port, err := util.ParsePort(ps)
	if err != nil {
		return err
	}

	ep := util.Endpoint(addr, port)
	lc := net.ListenConfig{}
	lsock, err := lc.Listen(ctx, "tcp", ep)
	if err != nil {
		logger.Printf(logger.ERROR, "[listener] failed to bind listening socket at %s: %s\n", ep, err.Error())
		return err
	}
	defer lsock.Close()
	tcp := lsock.(*net.TCPListener)
	logger.Printf(logger.INFO, "[listener] Listening for parcels at %s:%d...\n", addr, port)

	// watch the cancellation input; one byte ends the loop at the
	// next iteration
	stop := make(chan struct{})
	go func() {
		b := make([]byte, 1)
		cancelIn.Read(b)
		close(stop)
	}()

	for {
		select {
		case <-stop:
			logger.Printf(logger.INFO, "[listener] cancelled on input, shutting down\n")
			return nil
		case <-ctx.Done():
			logger.Printf(logger.INFO, "[listener] context cancelled, shutting down\n")
			return nil
		default:
		}
		if err = tcp.SetDeadline(time.Now().Add(AcceptTimeout)); err != nil {
			return err
		}
		sock, err := tcp.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			logger.Printf(logger.WARN, "[listener] accept failed: %s\n", err.Error())
			continue
		}
		c.serveSocket(sock)
	}
}

// serveSocket consumes exactly one parcel from an inbound socket and
// dispatches it. Malformed frames and handler failures are logged and
// dropped; the socket is closed on every path.
func (c *Core) serveSocket(sock net.Conn) {
	defer sock.Close()
	rd := transport.NewParcelReader(sock)
	kind, err := rd.PeekKind()
	if err != nil {
		logger.Printf(logger.WARN, "[listener] could not read parcel kind: %s\n", err.Error())
		return
	}
	logger.Printf(logger.DBG, "[listener] conn from %s with kind %s\n", sock.RemoteAddr(), kind)
	p, err := rd.ReadParcel()
	if err != nil {
		logger.Printf(logger.WARN, "[listener] dropping parcel from %s: %s\n", sock.RemoteAddr(), err.Error())
		return
	}
	if err = c.HandleParcel(p); err != nil {
		logger.Printf(logger.WARN, "[listener] dropping %s parcel from %s: %s\n", kind, sock.RemoteAddr(), err.Error())
	}
}
