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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"
	"github.com/nkct/ap2pmsg/enums"
	"github.com/nkct/ap2pmsg/store"
)

// HTTP interface for front-ends running out of process. The CLI talks
// to the core in-process; this API offers the same operations over
// the daemon's endpoint.

// connView is the JSON shape of a connection row. PeerName is omitted
// for rows whose status leaves it unspecified.
type connView struct {
	ConnID      int64  `json:"conn_id"`
	PeerID      int64  `json:"peer_id"`
	SelfID      int64  `json:"self_id"`
	PeerName    string `json:"peer_name,omitempty"`
	PeerAddr    string `json:"peer_addr"`
	PeerPort    uint16 `json:"peer_port"`
	Online      bool   `json:"online"`
	RequestedAt int64  `json:"requested_at"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
	Status      int    `json:"status"`
}

// msgView is the JSON shape of a message row; content travels base64
// encoded (encoding/json default for byte slices).
type msgView struct {
	MsgID        int64  `json:"msg_id"`
	ConnID       int64  `json:"conn_id"`
	SharedMsgID  int64  `json:"shared_msg_id"`
	TimeSent     int64  `json:"time_sent"`
	TimeReceived int64  `json:"time_received,omitempty"`
	ContentType  uint8  `json:"content_type"`
	Content      []byte `json:"content"`
}

// NewAPIHandler builds the HTTP route table over a dispatcher.
func NewAPIHandler(c *Core) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/connections", func(w http.ResponseWriter, rq *http.Request) {
		list, err := c.ListConnections()
		if err != nil {
			fail(w, err)
			return
		}
		views := make([]*connView, 0, len(list))
		for _, conn := range list {
			views = append(views, &connView{
				ConnID:      conn.ConnID,
				PeerID:      conn.PeerID,
				SelfID:      conn.SelfID,
				PeerName:    conn.PeerName,
				PeerAddr:    conn.PeerAddr,
				PeerPort:    conn.PeerPort,
				Online:      conn.Online,
				RequestedAt: conn.RequestedAt,
				UpdatedAt:   conn.UpdatedAt,
				Status:      int(conn.Status),
			})
		}
		reply(w, views)
	}).Methods(http.MethodGet)

	r.HandleFunc("/connections", func(w http.ResponseWriter, rq *http.Request) {
		var in struct {
			PeerAddr string `json:"peer_addr"`
			PeerPort uint16 `json:"peer_port"`
		}
		if err := json.NewDecoder(rq.Body).Decode(&in); err != nil {
			fail(w, err)
			return
		}
		done(w, c.RequestConnection(in.PeerAddr, in.PeerPort))
	}).Methods(http.MethodPost)

	r.HandleFunc("/connections/{id:[0-9]+}/decision", func(w http.ResponseWriter, rq *http.Request) {
		connID, _ := strconv.ParseInt(mux.Vars(rq)["id"], 10, 64)
		var in struct {
			Decision int `json:"decision"`
		}
		if err := json.NewDecoder(rq.Body).Decode(&in); err != nil {
			fail(w, err)
			return
		}
		done(w, c.DecideOnConnection(connID, in.Decision))
	}).Methods(http.MethodPost)

	r.HandleFunc("/connections/{id:[0-9]+}/select", func(w http.ResponseWriter, rq *http.Request) {
		connID, _ := strconv.ParseInt(mux.Vars(rq)["id"], 10, 64)
		done(w, c.SelectConnection(connID))
	}).Methods(http.MethodPost)

	r.HandleFunc("/messages", func(w http.ResponseWriter, rq *http.Request) {
		list, err := c.ListMessages()
		if err != nil {
			fail(w, err)
			return
		}
		views := make([]*msgView, 0, len(list))
		for _, m := range list {
			views = append(views, &msgView{
				MsgID:        m.MsgID,
				ConnID:       m.ConnID,
				SharedMsgID:  m.SharedMsgID,
				TimeSent:     m.TimeSent,
				TimeReceived: m.TimeReceived,
				ContentType:  uint8(m.ContentType),
				Content:      m.Content,
			})
		}
		reply(w, views)
	}).Methods(http.MethodGet)

	r.HandleFunc("/messages", func(w http.ResponseWriter, rq *http.Request) {
		var in struct {
			ContentType uint8  `json:"content_type"`
			Content     []byte `json:"content"`
		}
		if err := json.NewDecoder(rq.Body).Decode(&in); err != nil {
			fail(w, err)
			return
		}
		done(w, c.SendMessage(enums.ContentType(in.ContentType), in.Content))
	}).Methods(http.MethodPost)

	r.HandleFunc("/state/{key}", func(w http.ResponseWriter, rq *http.Request) {
		value, err := c.StateGet(mux.Vars(rq)["key"])
		if errors.Is(err, store.ErrNoSuchState) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			fail(w, err)
			return
		}
		reply(w, map[string]string{"value": value})
	}).Methods(http.MethodGet)

	r.HandleFunc("/state/{key}", func(w http.ResponseWriter, rq *http.Request) {
		var in struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(rq.Body).Decode(&in); err != nil {
			fail(w, err)
			return
		}
		done(w, c.StateSet(mux.Vars(rq)["key"], in.Value))
	}).Methods(http.MethodPut)

	return r
}

// StartAPI runs the HTTP interface until the context is cancelled.
func StartAPI(ctx context.Context, endpoint string, c *Core) error {
	srv := &http.Server{
		Handler:      NewAPIHandler(c),
		Addr:         endpoint,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Printf(logger.WARN, "[api] server shutdown failed: %s\n", err.Error())
		}
	}()
	logger.Printf(logger.INFO, "[api] serving front-end API at %s\n", endpoint)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// reply encodes a successful JSON response.
func reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf(logger.WARN, "[api] response encoding failed: %s\n", err.Error())
	}
}

// done reports the outcome of a state-changing operation.
func done(w http.ResponseWriter, err error) {
	if err != nil {
		fail(w, err)
		return
	}
	reply(w, map[string]int{"status": 0})
}

// fail reports an operation failure.
func fail(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]any{"status": -1, "error": err.Error()})
}
