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
	"errors"
	"fmt"
	"strconv"

	"github.com/bfix/gospel/logger"
	"github.com/nkct/ap2pmsg/enums"
	"github.com/nkct/ap2pmsg/parcel"
	"github.com/nkct/ap2pmsg/store"
	"github.com/nkct/ap2pmsg/transport"
	"github.com/nkct/ap2pmsg/util"
)

// Error codes
var (
	ErrWrongState    = errors.New("connection not in required state")
	ErrNoSelection   = errors.New("no connection selected")
	ErrUnknownParcel = errors.New("unhandled parcel kind")
)

// Core is the protocol dispatcher: it runs the connection state
// machine and the message delivery protocol over the store and the
// transport. Every inbound frame and every user action passes through
// here.
//
// Each outgoing frame after CONN_REQ carries our stored self_id: that
// is the value the receiver generated for this connection and will
// match against its own peer_id column (CONN_REQ itself carries the
// peer_id we just generated). Inbound frames are matched the same way,
// frame self_id against our peer_id.
type Core struct {
	db     *store.Ap2pDB
	send   transport.Sender
	mirror store.KeyValueStore // optional State mirror, may be nil
}

// NewCore creates a dispatcher over an open store. The sender is
// usually transport.SendParcel; tests substitute their own.
func NewCore(db *store.Ap2pDB, send transport.Sender) *Core {
	return &Core{db: db, send: send}
}

// SetStateMirror attaches a key/value store that receives a copy of
// every State write.
func (c *Core) SetStateMirror(kvs store.KeyValueStore) {
	c.mirror = kvs
}

// DB exposes the underlying store to the listener and the front-ends.
func (c *Core) DB() *store.Ap2pDB {
	return c.db
}

//----------------------------------------------------------------------
// User-initiated operations
//----------------------------------------------------------------------

// ListConnections returns a snapshot of all connection rows.
func (c *Core) ListConnections() ([]*store.Connection, error) {
	return c.db.ListConnections()
}

// ListMessages returns a snapshot of all message rows.
func (c *Core) ListMessages() ([]*store.Message, error) {
	return c.db.ListMessages()
}

// RequestConnection asks the instance at (peerAddr, peerPort) for a
// connection. The pending row is persisted before the frame is sent;
// if the peer is unreachable the row stays PENDING and the operation
// still succeeds.
func (c *Core) RequestConnection(peerAddr string, peerPort uint16) error {
	peerID := util.NewPeerID()
	if _, err := c.db.InsertPendingConn(peerID, peerAddr, peerPort); err != nil {
		return err
	}
	name, addr, port, err := c.selfIdentity()
	if err != nil {
		return err
	}
	req := parcel.NewConnReq(peerID, name, addr, port)
	if err := c.send(peerAddr, peerPort, req); err != nil {
		logger.Printf(logger.INFO, "[core] could not send connection request to peer at %s; connection is pending\n", peerAddr)
		return nil
	}
	logger.Printf(logger.INFO, "[core] sent connection request to peer at %s; connection is awaiting acknowledgement\n", peerAddr)
	return nil
}

// DecideOnConnection resolves a connection that awaits our review:
// decision 0 accepts, any other value rejects. Rows in any other state
// are left untouched.
func (c *Core) DecideOnConnection(connID int64, decision int) error {
	conn, err := c.db.GetConnection(connID)
	if err != nil {
		return err
	}
	if conn.Status != enums.CONN_SELF_REVIEW {
		logger.Printf(logger.ERROR, "[core] attempted to decide on a connection which wasn't awaiting review, conn status: %s\n", conn.Status)
		return ErrWrongState
	}

	if decision != 0 { // rejected
		if err = c.db.RejectConn(connID); err != nil {
			return err
		}
		if err = c.send(conn.PeerAddr, conn.PeerPort, parcel.NewConnRej(conn.SelfID)); err != nil {
			logger.Printf(logger.INFO, "[core] marked connection request from peer at %s as rejected, but could not communicate it to the peer\n", conn.PeerAddr)
			return nil
		}
		logger.Printf(logger.INFO, "[core] rejected connection request from peer at %s\n", conn.PeerAddr)
		return nil
	}

	// accepted: the peer gets a fresh id for addressing us
	peerID := util.NewPeerID()
	if err = c.db.AcceptConn(connID, peerID); err != nil {
		return err
	}
	name, _, _, err := c.selfIdentity()
	if err != nil {
		return err
	}
	acc := parcel.NewConnAcc(conn.SelfID, peerID, name)
	if err = c.send(conn.PeerAddr, conn.PeerPort, acc); err != nil {
		logger.Printf(logger.INFO, "[core] marked connection request from peer at %s as accepted, but could not communicate it to the peer\n", conn.PeerAddr)
		return nil
	}
	logger.Printf(logger.INFO, "[core] accepted connection request from peer at %s\n", conn.PeerAddr)
	return nil
}

// SelectConnection chooses the connection that SendMessage operates
// on. It is a simple State write; -1 clears the selection.
func (c *Core) SelectConnection(connID int64) error {
	return c.StateSet(store.StateSelectedConn, strconv.FormatInt(connID, 10))
}

// SendMessage queues a message on the selected connection and delivers
// it to the peer. The row is persisted with the next shared id before
// the frame is sent; if the peer is unreachable the message stays
// undelivered (time_received null) and the operation still succeeds.
func (c *Core) SendMessage(ctype enums.ContentType, content []byte) error {
	sel, err := c.db.StateGet(store.StateSelectedConn)
	if err != nil {
		return err
	}
	connID, err := strconv.ParseInt(sel, 10, 64)
	if err != nil || connID < 0 {
		return ErrNoSelection
	}
	conn, err := c.db.GetConnection(connID)
	if err != nil {
		return err
	}
	if conn.Status != enums.CONN_ACCEPTED {
		return ErrWrongState
	}
	msg, err := c.db.InsertOutgoingMessage(connID, ctype, content)
	if err != nil {
		return err
	}
	frame := parcel.NewMsgSend(conn.SelfID, msg.SharedMsgID, msg.TimeSent, ctype, content)
	if err = c.send(conn.PeerAddr, conn.PeerPort, frame); err != nil {
		logger.Printf(logger.INFO, "[core] message %d queued for peer at %s but not delivered\n", msg.SharedMsgID, conn.PeerAddr)
		return nil
	}
	logger.Printf(logger.INFO, "[core] sent message %d to peer at %s\n", msg.SharedMsgID, conn.PeerAddr)
	return nil
}

// StateGet reads a value from the State table.
func (c *Core) StateGet(key string) (string, error) {
	return c.db.StateGet(key)
}

// StateSet writes a value into the State table and mirrors it into
// the external key/value store when one is attached.
func (c *Core) StateSet(key, value string) error {
	if err := c.db.StateSet(key, value); err != nil {
		return err
	}
	if c.mirror != nil {
		if err := c.mirror.Put(key, value); err != nil {
			logger.Printf(logger.WARN, "[core] state mirror put failed: %s\n", err.Error())
		}
	}
	return nil
}

// selfIdentity reads the fields every outgoing introduction needs.
func (c *Core) selfIdentity() (name, addr string, port uint16, err error) {
	if name, err = c.db.StateGet(store.StateSelfName); err != nil {
		return
	}
	if addr, err = c.db.StateGet(store.StateSelfAddr); err != nil {
		return
	}
	var ps string
	if ps, err = c.db.StateGet(store.StateSelfPort); err != nil {
		return
	}
	port, err = util.ParsePort(ps)
	return
}

//----------------------------------------------------------------------
// Inbound frames
//----------------------------------------------------------------------

// HandleParcel runs one inbound frame through the state machine. A
// store failure aborts the transition before any reply is emitted, so
// the peer sees no advancement and may retry. Frames that match no
// row, or a row in the wrong state, are dropped with an error.
func (c *Core) HandleParcel(p parcel.Parcel) error {
	logger.Printf(logger.INFO, "[core] received a %s parcel\n", p.ParcelKind())
	switch f := p.(type) {
	case *parcel.ConnReq:
		return c.onConnReq(f)
	case *parcel.ConnAck:
		// the peer holds our request for review now
		return c.db.UpdateStatusByPeerID(f.SelfID, enums.CONN_PENDING, enums.CONN_PEER_REVIEW)
	case *parcel.ConnRej:
		return c.db.UpdateStatusByPeerID(f.SelfID, enums.CONN_PEER_REVIEW, enums.CONN_REJECTED)
	case *parcel.ConnAcc:
		return c.db.CompleteConn(f.SelfID, f.PeerID, f.Name())
	case *parcel.MsgSend:
		return c.onMsgSend(f)
	case *parcel.MsgRcv:
		return c.onMsgRcv(f)
	}
	return fmt.Errorf("%w: %s", ErrUnknownParcel, p.ParcelKind())
}

// onConnReq inserts the requested connection for review and
// acknowledges it to the requester's advertised endpoint.
func (c *Core) onConnReq(req *parcel.ConnReq) error {
	addr, port := req.Addr(), req.Port()
	logger.Printf(logger.DBG, "[core] peer '%s' at %s:%d requested conn with self_id %d\n",
		req.Name(), addr, port, req.PeerID)
	if _, err := c.db.InsertReviewConn(req.PeerID, req.Name(), addr, port); err != nil {
		return err
	}
	if err := c.send(addr, port, parcel.NewConnAck(req.PeerID)); err != nil {
		logger.Printf(logger.WARN, "[core] failed to acknowledge connection request from peer at %s\n", addr)
		return nil
	}
	logger.Printf(logger.INFO, "[core] acknowledged connection request from peer at %s\n", addr)
	return nil
}

// onMsgSend stores a delivered message and confirms it to the sender.
func (c *Core) onMsgSend(f *parcel.MsgSend) error {
	conn, err := c.db.GetConnectionByPeerID(f.SelfID)
	if err != nil {
		return err
	}
	if conn.Status != enums.CONN_ACCEPTED {
		return ErrWrongState
	}
	now := util.UnixNow()
	ctype := enums.ContentType(f.ContentType)
	if err = c.db.InsertIncomingMessage(conn.ConnID, f.SharedMsgID, f.TimeSent, now, ctype, f.Content); err != nil {
		return err
	}
	if err = c.send(conn.PeerAddr, conn.PeerPort, parcel.NewMsgRcv(conn.SelfID, f.SharedMsgID, now)); err != nil {
		logger.Printf(logger.WARN, "[core] failed to confirm message %d to peer at %s\n", f.SharedMsgID, conn.PeerAddr)
		return nil
	}
	logger.Printf(logger.DBG, "[core] confirmed message %d to peer at %s\n", f.SharedMsgID, conn.PeerAddr)
	return nil
}

// onMsgRcv records the delivery timestamp for one of our messages.
func (c *Core) onMsgRcv(f *parcel.MsgRcv) error {
	conn, err := c.db.GetConnectionByPeerID(f.SelfID)
	if err != nil {
		return err
	}
	return c.db.ConfirmDelivery(conn.ConnID, f.SharedMsgID, f.TimeReceived)
}
