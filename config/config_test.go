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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseConfigMissingFile(t *testing.T) {
	if err := ParseConfig(filepath.Join(t.TempDir(), "nope.json")); err != nil {
		t.Fatal(err)
	}
	if Cfg.Store.Spec != "sqlite3:ap2p_storage.db" {
		t.Errorf("default store spec: have '%s'", Cfg.Store.Spec)
	}
	if Cfg.API.Endpoint != "" {
		t.Errorf("default API endpoint: have '%s'", Cfg.API.Endpoint)
	}
}

func TestParseConfigSubstitution(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "ap2p-config.json")
	body := `{
		"environ": {
			"DATA": "/var/lib/ap2p"
		},
		"store": {
			"spec": "sqlite3:${DATA}/ap2p_storage.db"
		},
		"api": {
			"endpoint": "127.0.0.1:8380"
		}
	}`
	if err := os.WriteFile(fname, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ParseConfig(fname); err != nil {
		t.Fatal(err)
	}
	if Cfg.Store.Spec != "sqlite3:/var/lib/ap2p/ap2p_storage.db" {
		t.Errorf("store spec: have '%s'", Cfg.Store.Spec)
	}
	if Cfg.API.Endpoint != "127.0.0.1:8380" {
		t.Errorf("API endpoint: have '%s'", Cfg.API.Endpoint)
	}
}
