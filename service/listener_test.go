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
	"strconv"
	"testing"
	"time"

	"github.com/nkct/ap2pmsg/enums"
	"github.com/nkct/ap2pmsg/store"
	"github.com/nkct/ap2pmsg/transport"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// freePort reserves an ephemeral loopback port for a listener.
func freePort(t *testing.T) uint16 {
	t.Helper()
	lsock, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := lsock.Addr().(*net.TCPAddr).Port
	lsock.Close()
	return uint16(port)
}

// daemon runs a core's listener bound to a loopback port until its
// cancel function is called (a byte on the listener's input).
type daemon struct {
	core   *Core
	port   uint16
	cancel io.WriteCloser
	done   chan error
}

func startDaemon(t *testing.T, name string) *daemon {
	t.Helper()
	port := freePort(t)
	core := newTestCore(t, name, transport.SendParcel)
	for key, value := range map[string]string{
		store.StateListenAddr: "127.0.0.1",
		store.StateSelfPort:   strconv.Itoa(int(port)),
	} {
		if err := core.StateSet(key, value); err != nil {
			t.Fatal(err)
		}
	}
	rd, wr := io.Pipe()
	d := &daemon{core: core, port: port, cancel: wr, done: make(chan error, 1)}
	go func() {
		d.done <- core.Listen(context.Background(), rd)
	}()
	t.Cleanup(func() {
		wr.Write([]byte{'q'})
		select {
		case <-d.done:
		case <-time.After(5 * time.Second):
			t.Error("listener did not stop on input")
		}
		wr.Close()
	})
	// wait for the socket to be bound
	waitFor(t, func() bool {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(port)))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})
	return d
}

// waitFor polls a condition until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Two daemons on loopback negotiate a connection and deliver a
// message over real sockets.
func TestLoopbackNegotiationAndDelivery(t *testing.T) {
	a := startDaemon(t, "A")
	b := startDaemon(t, "B")

	// A requests a connection to B
	if err := a.core.RequestConnection("127.0.0.1", b.port); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		list, _ := b.core.ListConnections()
		return len(list) == 1 && list[0].Status == enums.CONN_SELF_REVIEW
	})
	waitFor(t, func() bool {
		list, _ := a.core.ListConnections()
		return len(list) == 1 && list[0].Status == enums.CONN_PEER_REVIEW
	})

	// B accepts
	listB, _ := b.core.ListConnections()
	if err := b.core.DecideOnConnection(listB[0].ConnID, 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		list, _ := a.core.ListConnections()
		return len(list) == 1 && list[0].Status == enums.CONN_ACCEPTED
	})
	listA, _ := a.core.ListConnections()
	listB, _ = b.core.ListConnections()
	if listA[0].SelfID != listB[0].PeerID || listA[0].PeerID != listB[0].SelfID {
		t.Errorf("id mismatch: A{self=%d,peer=%d} B{self=%d,peer=%d}",
			listA[0].SelfID, listA[0].PeerID, listB[0].SelfID, listB[0].PeerID)
	}
	if listA[0].PeerName != "B" {
		t.Errorf("A peer_name: have '%s', want 'B'", listA[0].PeerName)
	}

	// A sends a message; B mirrors it and confirms delivery
	if err := a.core.SelectConnection(listA[0].ConnID); err != nil {
		t.Fatal(err)
	}
	if err := a.core.SendMessage(enums.CONTENT_TEXT, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		msgs, _ := a.core.ListMessages()
		return len(msgs) == 1 && msgs[0].Delivered()
	})
	msgsB, _ := b.core.ListMessages()
	if len(msgsB) != 1 || string(msgsB[0].Content) != "hi" || msgsB[0].SharedMsgID != 1 {
		t.Errorf("B messages: %+v", msgsB)
	}
}

// The listener binds whatever port the State table holds, so a
// self_port override takes effect on restart.
func TestListenerHonorsSelfPortOverride(t *testing.T) {
	d := startDaemon(t, "A")
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(d.port)))
	if err != nil {
		t.Fatalf("listener not reachable at overridden port: %s", err)
	}
	conn.Close()
}

// Garbage on the socket is dropped without advancing any state.
func TestListenerDropsMalformedFrame(t *testing.T) {
	d := startDaemon(t, "A")
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(d.port)))
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte{42, 1, 2, 3})
	conn.Close()

	// a truncated CONN_REQ is dropped as well
	conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(d.port)))
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte{byte(enums.PARCEL_CONN_REQ), 0, 0})
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	if list, _ := d.core.ListConnections(); len(list) != 0 {
		t.Errorf("connections created from garbage: %d", len(list))
	}
}
