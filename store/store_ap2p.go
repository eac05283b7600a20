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

package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/bfix/gospel/logger"
	"github.com/nkct/ap2pmsg/enums"
	"github.com/nkct/ap2pmsg/util"
)

// StoreFile is the store file in the working directory used when no
// explicit database spec is configured.
const StoreFile = "ap2p_storage.db"

// DefaultSpec is the database spec for the default store file.
const DefaultSpec = "sqlite3:" + StoreFile

// Well-known keys of the State table.
const (
	StateSelectedConn = "selected_conn"
	StateListenAddr   = "listen_addr"
	StateSelfAddr     = "self_addr"
	StateSelfPort     = "self_port"
	StateSelfName     = "self_name"
)

// Defaults written into the State table when it is first created.
const (
	DefaultSelectedConn = "-1"
	DefaultListenAddr   = "0.0.0.0"
	DefaultSelfPort     = "7676"
	DefaultSelfName     = "the_pear_of_adam"
)

// Error codes
var (
	ErrNoSuchConn  = errors.New("no such connection")
	ErrNoSuchMsg   = errors.New("no such message")
	ErrNoSuchState = errors.New("no such state key")
)

//----------------------------------------------------------------------
// Row types
//----------------------------------------------------------------------

// Connection is a persisted, bidirectional logical channel between two
// instances. PeerID was generated locally and is used by the peer to
// address us; SelfID was generated by the peer and is used by us to
// address it. SelfID and PeerName carry meaning only for rows in
// status ACCEPTED or SELF_REVIEW.
type Connection struct {
	ConnID      int64
	PeerID      int64
	SelfID      int64
	PeerName    string
	PeerAddr    string
	PeerPort    uint16
	Online      bool
	RequestedAt int64
	UpdatedAt   int64 // 0 = never updated
	Status      enums.ConnStatus
}

// Message is one application message on a connection. SharedMsgID is
// the sender-assigned per-connection sequence number.
type Message struct {
	MsgID        int64
	ConnID       int64
	SharedMsgID  int64
	TimeSent     int64
	TimeReceived int64 // 0 = delivery pending
	ContentType  enums.ContentType
	Content      []byte
}

// Delivered reports whether the peer confirmed delivery.
func (m *Message) Delivered() bool {
	return m.TimeReceived != 0
}

//----------------------------------------------------------------------
// Store
//----------------------------------------------------------------------

//go:embed store_ap2p.sql
var initScript []byte

// Ap2pDB holds connections, messages and daemon state in a single
// relational database (SQLite3 file by default). Operations are
// serialized: the listener and user actions share one connection.
type Ap2pDB struct {
	mu   sync.Mutex
	conn *DBConn
}

// OpenStoreDB opens the store for the given database spec, creating
// the SQLite file and the schema on first use. State defaults are
// inserted when missing; self_addr defaults to a discovered
// non-loopback IPv4 address.
func OpenStoreDB(spec string) (db *Ap2pDB, err error) {
	if fname, ok := strings.CutPrefix(spec, "sqlite3:"); ok {
		if _, err = os.Stat(fname); err != nil {
			var file *os.File
			if file, err = os.Create(fname); err != nil {
				return
			}
			file.Close()
			logger.Printf(logger.INFO, "[store] created store file '%s'\n", fname)
		}
	}
	db = new(Ap2pDB)
	if db.conn, err = DBPool.Connect(spec); err != nil {
		return
	}
	// create tables on first use
	if _, err = db.conn.Exec(string(initScript)); err != nil {
		return
	}
	err = db.initState()
	return
}

// Close the store.
func (db *Ap2pDB) Close() error {
	return db.conn.Close()
}

// initState seeds the State table with defaults for missing keys.
func (db *Ap2pDB) initState() error {
	defaults := [][2]string{
		{StateSelectedConn, DefaultSelectedConn},
		{StateListenAddr, DefaultListenAddr},
		{StateSelfAddr, util.LocalIPv4()},
		{StateSelfPort, DefaultSelfPort},
		{StateSelfName, DefaultSelfName},
	}
	for _, kv := range defaults {
		var num int
		row := db.conn.QueryRow("select count(*) from State where key=?", kv[0])
		if err := row.Scan(&num); err != nil {
			return err
		}
		if num == 0 {
			db.trace("insert into State(key,value) values(?,?)", kv[0], kv[1])
			if _, err := db.conn.Exec("insert into State(key,value) values(?,?)", kv[0], kv[1]); err != nil {
				return err
			}
		}
	}
	return nil
}

// trace logs a statement at DBG level together with the arguments the
// caller passes; callers pass the identifying subset of the bound
// values, not necessarily all of them or in binding order.
func (db *Ap2pDB) trace(stmt string, args ...any) {
	logger.Printf(logger.DBG, "[store] executing query: '%s' %v\n", stmt, args)
}

//----------------------------------------------------------------------
// Connection handling
//----------------------------------------------------------------------

// connCols is the column list shared by all Connection selects.
const connCols = "conn_id,peer_id,self_id,peer_name,peer_addr,peer_port,online,requested_at,updated_at,status"

// scanConn assembles a Connection from a database row. PeerName is
// reported only for rows whose status gives it meaning.
func scanConn(scan func(...any) error) (*Connection, error) {
	var (
		c       Connection
		peerID  sql.NullInt64
		selfID  sql.NullInt64
		name    sql.NullString
		updated sql.NullInt64
		status  int
	)
	err := scan(&c.ConnID, &peerID, &selfID, &name, &c.PeerAddr, &c.PeerPort,
		&c.Online, &c.RequestedAt, &updated, &status)
	if err != nil {
		return nil, err
	}
	c.PeerID = peerID.Int64
	c.SelfID = selfID.Int64
	c.UpdatedAt = updated.Int64
	c.Status = enums.ConnStatus(status)
	if c.Status == enums.CONN_ACCEPTED || c.Status == enums.CONN_SELF_REVIEW {
		c.PeerName = name.String
	}
	return &c, nil
}

// ListConnections returns a snapshot of all connection rows.
func (db *Ap2pDB) ListConnections() (list []*Connection, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "select " + connCols + " from Connections"
	db.trace(stmt)
	var rows *sql.Rows
	if rows, err = db.conn.Query(stmt); err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var c *Connection
		if c, err = scanConn(rows.Scan); err != nil {
			return
		}
		list = append(list, c)
	}
	err = rows.Err()
	return
}

// GetConnection retrieves one connection row by its local id.
func (db *Ap2pDB) GetConnection(connID int64) (*Connection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "select " + connCols + " from Connections where conn_id=?"
	db.trace(stmt, connID)
	c, err := scanConn(db.conn.QueryRow(stmt, connID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchConn
	}
	return c, err
}

// GetConnectionByPeerID finds the connection a peer addressed with the
// self_id field of its frame. Rejected rows are excluded: their ids
// are unspecified and may be reused.
func (db *Ap2pDB) GetConnectionByPeerID(peerID int64) (*Connection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "select " + connCols + " from Connections where peer_id=? and status<>?"
	db.trace(stmt, peerID, enums.CONN_REJECTED)
	c, err := scanConn(db.conn.QueryRow(stmt, peerID, int(enums.CONN_REJECTED)).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchConn
	}
	return c, err
}

// InsertPendingConn records a locally requested connection (status
// PENDING) with the peer id generated for this request.
func (db *Ap2pDB) InsertPendingConn(peerID int64, addr string, port uint16) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "insert into Connections(peer_id,peer_addr,peer_port,requested_at,status) values(?,?,?,?,?)"
	db.trace(stmt, peerID, addr, port)
	res, err := db.conn.Exec(stmt, peerID, addr, port, util.UnixNow(), int(enums.CONN_PENDING))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertReviewConn records a connection requested by a peer (status
// SELF_REVIEW) with the id, name and reply endpoint from its frame.
func (db *Ap2pDB) InsertReviewConn(selfID int64, peerName, addr string, port uint16) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "insert into Connections(self_id,peer_name,peer_addr,peer_port,requested_at,status) values(?,?,?,?,?,?)"
	db.trace(stmt, selfID, peerName, addr, port)
	res, err := db.conn.Exec(stmt, selfID, peerName, addr, port, util.UnixNow(), int(enums.CONN_SELF_REVIEW))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateStatusByPeerID advances a row matched by peer_id from one
// status to another. The from-status guard keeps stray or duplicate
// frames from corrupting rows; rejected rows never match.
func (db *Ap2pDB) UpdateStatusByPeerID(peerID int64, from, to enums.ConnStatus) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "update Connections set status=?,updated_at=? where peer_id=? and status=?"
	db.trace(stmt, to, peerID, from)
	res, err := db.conn.Exec(stmt, int(to), util.UnixNow(), peerID, int(from))
	if err != nil {
		return err
	}
	return oneRow(res, ErrNoSuchConn)
}

// AcceptConn resolves a reviewed connection as accepted: the freshly
// generated peer id is stored and the row becomes usable for traffic.
func (db *Ap2pDB) AcceptConn(connID, peerID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "update Connections set peer_id=?,status=?,updated_at=? where conn_id=? and status=?"
	db.trace(stmt, peerID, enums.CONN_ACCEPTED, connID)
	res, err := db.conn.Exec(stmt, peerID, int(enums.CONN_ACCEPTED), util.UnixNow(),
		connID, int(enums.CONN_SELF_REVIEW))
	if err != nil {
		return err
	}
	return oneRow(res, ErrNoSuchConn)
}

// RejectConn resolves a reviewed connection as rejected.
func (db *Ap2pDB) RejectConn(connID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "update Connections set status=?,updated_at=? where conn_id=? and status=?"
	db.trace(stmt, enums.CONN_REJECTED, connID)
	res, err := db.conn.Exec(stmt, int(enums.CONN_REJECTED), util.UnixNow(),
		connID, int(enums.CONN_SELF_REVIEW))
	if err != nil {
		return err
	}
	return oneRow(res, ErrNoSuchConn)
}

// CompleteConn finishes the requester side of an accepted connection:
// the acceptor's id and name arrive with the CONN_ACC frame.
func (db *Ap2pDB) CompleteConn(peerID, selfID int64, peerName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "update Connections set self_id=?,peer_name=?,status=?,updated_at=? where peer_id=? and status=?"
	db.trace(stmt, selfID, peerName, enums.CONN_ACCEPTED, peerID)
	res, err := db.conn.Exec(stmt, selfID, peerName, int(enums.CONN_ACCEPTED), util.UnixNow(),
		peerID, int(enums.CONN_PEER_REVIEW))
	if err != nil {
		return err
	}
	return oneRow(res, ErrNoSuchConn)
}

//----------------------------------------------------------------------
// Message handling
//----------------------------------------------------------------------

// msgCols is the column list shared by all Message selects.
const msgCols = "msg_id,conn_id,shared_msg_id,time_sent,time_received,content_type,content"

// scanMsg assembles a Message from a database row.
func scanMsg(scan func(...any) error) (*Message, error) {
	var (
		m        Message
		received sql.NullInt64
		ctype    int
	)
	err := scan(&m.MsgID, &m.ConnID, &m.SharedMsgID, &m.TimeSent, &received, &ctype, &m.Content)
	if err != nil {
		return nil, err
	}
	m.TimeReceived = received.Int64
	m.ContentType = enums.ContentType(ctype)
	return &m, nil
}

// ListMessages returns a snapshot of all message rows.
func (db *Ap2pDB) ListMessages() (list []*Message, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "select " + msgCols + " from Messages"
	db.trace(stmt)
	var rows *sql.Rows
	if rows, err = db.conn.Query(stmt); err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var m *Message
		if m, err = scanMsg(rows.Scan); err != nil {
			return
		}
		list = append(list, m)
	}
	err = rows.Err()
	return
}

// InsertOutgoingMessage records a message to be sent on a connection.
// The shared id is assigned as max+1 over the connection inside the
// insert statement, so two interleaved sends cannot collide. The
// stored row (with its assigned ids) is returned for frame assembly.
func (db *Ap2pDB) InsertOutgoingMessage(connID int64, ctype enums.ContentType, content []byte) (*Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "insert into Messages(conn_id,shared_msg_id,time_sent,content_type,content) " +
		"select ?,coalesce(max(shared_msg_id),0)+1,?,?,? from Messages where conn_id=?"
	db.trace(stmt, connID, ctype)
	res, err := db.conn.Exec(stmt, connID, util.UnixNow(), int(ctype), content, connID)
	if err != nil {
		return nil, err
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	sel := "select " + msgCols + " from Messages where msg_id=?"
	m, err := scanMsg(db.conn.QueryRow(sel, msgID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchMsg
	}
	return m, err
}

// InsertIncomingMessage records a message delivered by a peer, keeping
// the sender-assigned shared id and send time.
func (db *Ap2pDB) InsertIncomingMessage(connID, sharedMsgID, timeSent, timeReceived int64, ctype enums.ContentType, content []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "insert into Messages(conn_id,shared_msg_id,time_sent,time_received,content_type,content) values(?,?,?,?,?,?)"
	db.trace(stmt, connID, sharedMsgID)
	_, err := db.conn.Exec(stmt, connID, sharedMsgID, timeSent, timeReceived, int(ctype), content)
	return err
}

// ConfirmDelivery stores the delivery timestamp reported by the peer
// for one of our sent messages.
func (db *Ap2pDB) ConfirmDelivery(connID, sharedMsgID, timeReceived int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "update Messages set time_received=? where conn_id=? and shared_msg_id=?"
	db.trace(stmt, timeReceived, connID, sharedMsgID)
	res, err := db.conn.Exec(stmt, timeReceived, connID, sharedMsgID)
	if err != nil {
		return err
	}
	return oneRow(res, ErrNoSuchMsg)
}

//----------------------------------------------------------------------
// State handling
//----------------------------------------------------------------------

// StateGet returns the value for a well-known state key.
func (db *Ap2pDB) StateGet(key string) (value string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "select value from State where key=?"
	db.trace(stmt, key)
	err = db.conn.QueryRow(stmt, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNoSuchState
	}
	return
}

// StateSet stores a value under a state key; setting the same pair
// again is idempotent.
func (db *Ap2pDB) StateSet(key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	stmt := "update State set value=? where key=?"
	db.trace(stmt, value, key)
	res, err := db.conn.Exec(stmt, value, key)
	if err != nil {
		return err
	}
	if num, err := res.RowsAffected(); err == nil && num > 0 {
		return nil
	}
	stmt = "insert into State(key,value) values(?,?)"
	db.trace(stmt, key, value)
	_, err = db.conn.Exec(stmt, key, value)
	return err
}

// oneRow maps a zero-row update onto the given error.
func oneRow(res sql.Result, missing error) error {
	num, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if num == 0 {
		return missing
	}
	return nil
}
