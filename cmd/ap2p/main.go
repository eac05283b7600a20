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

// Command-line front-end. It drives the core in-process against the
// configured store, one operation per invocation; 'listen' stays in
// the foreground until a byte arrives on standard input.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/bfix/gospel/logger"
	"github.com/fatih/color"
	"github.com/nkct/ap2pmsg/config"
	"github.com/nkct/ap2pmsg/enums"
	"github.com/nkct/ap2pmsg/service"
	"github.com/nkct/ap2pmsg/store"
	"github.com/nkct/ap2pmsg/transport"
	"github.com/nkct/ap2pmsg/util"
)

var (
	headFmt = color.New(color.FgCyan, color.Bold)
	okFmt   = color.New(color.FgGreen)
	errFmt  = color.New(color.FgRed, color.Bold)
	dimFmt  = color.New(color.Faint)
)

const usage = `usage: ap2p [-c config] [-L level] <command>

commands:
  conns                     list connections
  msgs                      list messages
  request <addr> <port>     request a connection to a peer
  decide <conn_id> <0|1>    accept (0) or reject (1) a reviewed request
  select <conn_id>          select the connection for 'send'
  send <text>               send a text message on the selected connection
  state get <key>           read a state value
  state set <key> <value>   write a state value
  listen                    receive parcels until any input on stdin
`

func main() {
	var (
		cfgFile  string
		logLevel int
	)
	flag.StringVar(&cfgFile, "c", "ap2p-config.json", "configuration file")
	flag.IntVar(&logLevel, "L", logger.WARN, "log level")
	flag.Parse()
	logger.SetLogLevel(logLevel)

	if err := run(flag.Args()); err != nil {
		errFmt.Fprintf(os.Stderr, "ap2p: %s\n", err.Error())
		logger.Flush()
		os.Exit(1)
	}
	logger.Flush()
}

// run dispatches one front-end command; the returned error maps to
// the process exit status (0 on success).
func run(args []string) error {
	if len(args) == 0 {
		fmt.Print(usage)
		return fmt.Errorf("missing command")
	}
	if err := config.ParseConfig(flag.Lookup("c").Value.String()); err != nil {
		return err
	}
	db, err := store.OpenStoreDB(config.Cfg.Store.Spec)
	if err != nil {
		return err
	}
	defer db.Close()
	core := service.NewCore(db, transport.SendParcel)

	switch args[0] {
	case "conns":
		return listConns(core)
	case "msgs":
		return listMsgs(core)
	case "request":
		if len(args) != 3 {
			return fmt.Errorf("usage: request <addr> <port>")
		}
		port, err := util.ParsePort(args[2])
		if err != nil {
			return err
		}
		return core.RequestConnection(args[1], port)
	case "decide":
		if len(args) != 3 {
			return fmt.Errorf("usage: decide <conn_id> <0|1>")
		}
		connID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		decision, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		return core.DecideOnConnection(connID, decision)
	case "select":
		if len(args) != 2 {
			return fmt.Errorf("usage: select <conn_id>")
		}
		connID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		return core.SelectConnection(connID)
	case "send":
		if len(args) != 2 {
			return fmt.Errorf("usage: send <text>")
		}
		return core.SendMessage(enums.CONTENT_TEXT, []byte(args[1]))
	case "state":
		return stateCmd(core, args[1:])
	case "listen":
		return core.Listen(context.Background(), os.Stdin)
	}
	fmt.Print(usage)
	return fmt.Errorf("unknown command '%s'", args[0])
}

// stateCmd handles 'state get' and 'state set'.
func stateCmd(core *service.Core, args []string) error {
	switch {
	case len(args) == 2 && args[0] == "get":
		value, err := core.StateGet(args[1])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	case len(args) == 3 && args[0] == "set":
		return core.StateSet(args[1], args[2])
	}
	return fmt.Errorf("usage: state get <key> | state set <key> <value>")
}

// listConns prints the connection table.
func listConns(core *service.Core) error {
	list, err := core.ListConnections()
	if err != nil {
		return err
	}
	headFmt.Printf("%-8s %-12s %-22s %-20s %-20s %s\n",
		"conn_id", "status", "peer", "endpoint", "requested", "updated")
	for _, c := range list {
		name := c.PeerName
		if name == "" {
			name = "-"
		}
		status := okFmt
		switch c.Status {
		case enums.CONN_REJECTED:
			status = errFmt
		case enums.CONN_ACCEPTED:
			status = okFmt
		default:
			status = dimFmt
		}
		fmt.Printf("%-8d %-12s %-22s %-20s %-20s %s\n",
			c.ConnID, status.Sprint(c.Status), name,
			util.Endpoint(c.PeerAddr, c.PeerPort),
			util.FormatUnix(c.RequestedAt), util.FormatUnix(c.UpdatedAt))
	}
	return nil
}

// listMsgs prints the message table.
func listMsgs(core *service.Core) error {
	list, err := core.ListMessages()
	if err != nil {
		return err
	}
	headFmt.Printf("%-8s %-8s %-10s %-20s %-20s %s\n",
		"msg_id", "conn_id", "shared_id", "sent", "received", "content")
	for _, m := range list {
		received := dimFmt.Sprint("pending")
		if m.Delivered() {
			received = util.FormatUnix(m.TimeReceived)
		}
		fmt.Printf("%-8d %-8d %-10d %-20s %-20s %s\n",
			m.MsgID, m.ConnID, m.SharedMsgID,
			util.FormatUnix(m.TimeSent), received, string(m.Content))
	}
	return nil
}
