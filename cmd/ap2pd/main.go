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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/bfix/gospel/logger"
	"github.com/nkct/ap2pmsg/config"
	"github.com/nkct/ap2pmsg/service"
	"github.com/nkct/ap2pmsg/store"
	"github.com/nkct/ap2pmsg/transport"
	"golang.org/x/sync/errgroup"
)

func main() {
	defer func() {
		logger.Println(logger.INFO, "[ap2pd] Bye.")
		// flush last messages
		logger.Flush()
	}()
	logger.Println(logger.INFO, "[ap2pd] Starting daemon...")

	var (
		cfgFile  string
		apiEndp  string
		logLevel int
	)
	flag.StringVar(&cfgFile, "c", "ap2p-config.json", "configuration file")
	flag.StringVar(&apiEndp, "a", "", "front-end API endpoint (default: none)")
	flag.IntVar(&logLevel, "L", -1, "log level override")
	flag.Parse()

	// read configuration file and set missing arguments.
	if err := config.ParseConfig(cfgFile); err != nil {
		logger.Printf(logger.ERROR, "[ap2pd] invalid configuration file: %s\n", err.Error())
		return
	}
	if logLevel < 0 {
		logLevel = config.Cfg.Logging.Level
	}
	logger.SetLogLevel(logLevel)
	if apiEndp == "" {
		apiEndp = config.Cfg.API.Endpoint
	}

	// open the store; tables and state defaults are created on
	// first use
	db, err := store.OpenStoreDB(config.Cfg.Store.Spec)
	if err != nil {
		logger.Printf(logger.ERROR, "[ap2pd] could not open database: %s\n", err.Error())
		return
	}
	defer db.Close()

	core := service.NewCore(db, transport.SendParcel)
	if spec := config.Cfg.Store.StateMirror; spec != "" {
		kvs, err := store.OpenKVStore(spec)
		if err != nil {
			logger.Printf(logger.WARN, "[ap2pd] state mirror unavailable: %s\n", err.Error())
		} else {
			core.SetStateMirror(kvs)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// the listener and the front-end API run side by side; when
	// either stops (a byte on stdin ends the listener) the other is
	// shut down through the shared context.
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		defer cancel()
		return core.Listen(gctx, os.Stdin)
	})
	if apiEndp != "" {
		grp.Go(func() error {
			return service.StartAPI(gctx, apiEndp, core)
		})
	}
	if err := grp.Wait(); err != nil {
		logger.Printf(logger.ERROR, "[ap2pd] terminated: %s\n", err.Error())
	}
}
