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
	"errors"
	"path/filepath"
	"testing"

	"github.com/nkct/ap2pmsg/enums"
)

// openTestDB creates a fresh store in a temporary directory.
func openTestDB(t *testing.T) *Ap2pDB {
	t.Helper()
	db, err := OpenStoreDB("sqlite3:" + filepath.Join(t.TempDir(), StoreFile))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStateDefaults(t *testing.T) {
	db := openTestDB(t)
	for key, want := range map[string]string{
		StateSelectedConn: DefaultSelectedConn,
		StateListenAddr:   DefaultListenAddr,
		StateSelfPort:     DefaultSelfPort,
		StateSelfName:     DefaultSelfName,
	} {
		value, err := db.StateGet(key)
		if err != nil {
			t.Fatal(err)
		}
		if value != want {
			t.Errorf("%s: have '%s', want '%s'", key, value, want)
		}
	}
	// self_addr is discovered; it must at least be present
	if addr, err := db.StateGet(StateSelfAddr); err != nil || addr == "" {
		t.Errorf("self_addr: have '%s', %v", addr, err)
	}
}

func TestStateSetIdempotent(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 3; i++ {
		if err := db.StateSet(StateSelfPort, "9000"); err != nil {
			t.Fatal(err)
		}
	}
	value, err := db.StateGet(StateSelfPort)
	if err != nil {
		t.Fatal(err)
	}
	if value != "9000" {
		t.Errorf("self_port: have '%s', want '9000'", value)
	}
}

func TestStateGetMissing(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.StateGet("no_such_key"); !errors.Is(err, ErrNoSuchState) {
		t.Errorf("have %v, want ErrNoSuchState", err)
	}
}

func TestPendingConnLifecycle(t *testing.T) {
	db := openTestDB(t)
	connID, err := db.InsertPendingConn(4711, "127.0.0.1", 7677)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := db.GetConnection(connID)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Status != enums.CONN_PENDING {
		t.Fatalf("status: have %s, want PENDING", conn.Status)
	}
	if conn.PeerID != 4711 || conn.PeerAddr != "127.0.0.1" || conn.PeerPort != 7677 {
		t.Fatalf("row: %+v", conn)
	}
	if conn.RequestedAt == 0 {
		t.Error("requested_at not set")
	}
	if conn.UpdatedAt != 0 {
		t.Error("updated_at set on fresh row")
	}

	// T3: CONN_ACK advances to PEER_REVIEW
	if err = db.UpdateStatusByPeerID(4711, enums.CONN_PENDING, enums.CONN_PEER_REVIEW); err != nil {
		t.Fatal(err)
	}
	// T7: CONN_ACC completes the row
	if err = db.CompleteConn(4711, 2222, "peer_b"); err != nil {
		t.Fatal(err)
	}
	conn, _ = db.GetConnection(connID)
	if conn.Status != enums.CONN_ACCEPTED {
		t.Errorf("status: have %s, want ACCEPTED", conn.Status)
	}
	if conn.SelfID != 2222 || conn.PeerName != "peer_b" {
		t.Errorf("row: %+v", conn)
	}
	if conn.UpdatedAt == 0 {
		t.Error("updated_at not set")
	}
}

func TestReviewConnAcceptReject(t *testing.T) {
	db := openTestDB(t)
	accID, err := db.InsertReviewConn(111, "alice", "10.0.0.1", 7676)
	if err != nil {
		t.Fatal(err)
	}
	rejID, err := db.InsertReviewConn(222, "bob", "10.0.0.2", 7676)
	if err != nil {
		t.Fatal(err)
	}

	if err = db.AcceptConn(accID, 999); err != nil {
		t.Fatal(err)
	}
	conn, _ := db.GetConnection(accID)
	if conn.Status != enums.CONN_ACCEPTED || conn.PeerID != 999 || conn.SelfID != 111 {
		t.Errorf("accepted row: %+v", conn)
	}
	if conn.PeerName != "alice" {
		t.Errorf("peer_name: have '%s'", conn.PeerName)
	}

	if err = db.RejectConn(rejID); err != nil {
		t.Fatal(err)
	}
	conn, _ = db.GetConnection(rejID)
	if conn.Status != enums.CONN_REJECTED {
		t.Errorf("status: have %s, want REJECTED", conn.Status)
	}
	// name of a rejected row is unspecified and not reported
	if conn.PeerName != "" {
		t.Errorf("peer_name of rejected row: have '%s'", conn.PeerName)
	}

	// accepting an already resolved row must not match
	if err = db.AcceptConn(rejID, 1); !errors.Is(err, ErrNoSuchConn) {
		t.Errorf("have %v, want ErrNoSuchConn", err)
	}
}

func TestGetConnectionByPeerIDSkipsRejected(t *testing.T) {
	db := openTestDB(t)
	// a requested row that the peer rejected keeps its peer_id
	if _, err := db.InsertPendingConn(333, "10.0.0.3", 7676); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatusByPeerID(333, enums.CONN_PENDING, enums.CONN_PEER_REVIEW); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatusByPeerID(333, enums.CONN_PEER_REVIEW, enums.CONN_REJECTED); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetConnectionByPeerID(333); !errors.Is(err, ErrNoSuchConn) {
		t.Errorf("have %v, want ErrNoSuchConn", err)
	}

	// a reused peer_id matches only the live row
	liveID, _ := db.InsertPendingConn(333, "10.0.0.4", 7676)
	conn, err := db.GetConnectionByPeerID(333)
	if err != nil {
		t.Fatal(err)
	}
	if conn.ConnID != liveID {
		t.Errorf("conn_id: have %d, want %d", conn.ConnID, liveID)
	}
}

func TestSharedMsgIDAssignment(t *testing.T) {
	db := openTestDB(t)
	connID, _ := db.InsertPendingConn(1, "127.0.0.1", 7677)

	for want := int64(1); want <= 3; want++ {
		m, err := db.InsertOutgoingMessage(connID, enums.CONTENT_TEXT, []byte("hi"))
		if err != nil {
			t.Fatal(err)
		}
		if m.SharedMsgID != want {
			t.Errorf("shared_msg_id: have %d, want %d", m.SharedMsgID, want)
		}
		if m.Delivered() {
			t.Error("fresh message marked delivered")
		}
		if m.TimeSent == 0 {
			t.Error("time_sent not set")
		}
	}

	// sequences are per connection
	otherID, _ := db.InsertPendingConn(2, "127.0.0.2", 7677)
	m, err := db.InsertOutgoingMessage(otherID, enums.CONTENT_TEXT, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.SharedMsgID != 1 {
		t.Errorf("shared_msg_id on second conn: have %d, want 1", m.SharedMsgID)
	}
}

func TestIncomingAndDelivery(t *testing.T) {
	db := openTestDB(t)
	connID, _ := db.InsertPendingConn(1, "127.0.0.1", 7677)

	if err := db.InsertIncomingMessage(connID, 1, 1700000000, 1700000001, enums.CONTENT_TEXT, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	out, err := db.InsertOutgoingMessage(connID, enums.CONTENT_TEXT, []byte("reply"))
	if err != nil {
		t.Fatal(err)
	}
	if out.SharedMsgID != 2 {
		t.Fatalf("shared_msg_id: have %d, want 2", out.SharedMsgID)
	}
	if err = db.ConfirmDelivery(connID, out.SharedMsgID, 1700000002); err != nil {
		t.Fatal(err)
	}

	list, err := db.ListMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("messages: have %d, want 2", len(list))
	}
	for _, m := range list {
		if !m.Delivered() {
			t.Errorf("message %d not delivered", m.SharedMsgID)
		}
	}

	if err = db.ConfirmDelivery(connID, 99, 1); !errors.Is(err, ErrNoSuchMsg) {
		t.Errorf("have %v, want ErrNoSuchMsg", err)
	}
}

func TestListConnectionsSnapshot(t *testing.T) {
	db := openTestDB(t)
	ids := make(map[int64]bool)
	id1, _ := db.InsertPendingConn(10, "10.0.0.1", 1)
	id2, _ := db.InsertReviewConn(20, "carol", "10.0.0.2", 2)
	ids[id1] = true
	ids[id2] = true

	list, err := db.ListConnections()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("connections: have %d, want 2", len(list))
	}
	for _, c := range list {
		if !ids[c.ConnID] {
			t.Errorf("unexpected row %d", c.ConnID)
		}
		if !c.Status.Valid() {
			t.Errorf("invalid status %d", c.Status)
		}
		// a pending row has no meaningful peer_name
		if c.ConnID == id1 && c.PeerName != "" {
			t.Errorf("pending row peer_name: have '%s'", c.PeerName)
		}
		if c.ConnID == id2 && c.PeerName != "carol" {
			t.Errorf("review row peer_name: have '%s'", c.PeerName)
		}
	}
}
