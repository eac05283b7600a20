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
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// Process-level configuration. Runtime settings (names, ports, the
// selected connection) live in the store's State table; this file only
// bootstraps what is needed before the store is open.

// StoreConfig selects the database holding connections, messages and
// state ("sqlite3:<file>" or "mysql:<dsn>").
type StoreConfig struct {
	Spec string `json:"spec"`
	// optional key/value store the daemon mirrors the State table
	// into ("redis+addr+passwd+db"); empty disables mirroring.
	StateMirror string `json:"stateMirror"`
}

// APIConfig is the HTTP endpoint for out-of-process front-ends;
// empty disables the API.
type APIConfig struct {
	Endpoint string `json:"endpoint"`
}

// LoggingConfig tunes the log sink.
type LoggingConfig struct {
	Level int `json:"level"` // gospel logger level
}

// Environment settings
type Environ map[string]string

// Config is the aggregated daemon configuration.
type Config struct {
	Env     Environ        `json:"environ"`
	Store   *StoreConfig   `json:"store"`
	API     *APIConfig     `json:"api"`
	Logging *LoggingConfig `json:"logging"`
}

var (
	// Cfg is the global configuration
	Cfg *Config
)

// Default returns the configuration used when no config file exists:
// SQLite store in the working directory, no API, INFO console logging.
func Default() *Config {
	return &Config{
		Env:     make(Environ),
		Store:   &StoreConfig{Spec: "sqlite3:ap2p_storage.db"},
		API:     &APIConfig{},
		Logging: &LoggingConfig{Level: logger.INFO},
	}
}

// ParseConfig reads a JSON-encoded configuration file and maps it to
// the Config data structure; a missing file yields the defaults.
func ParseConfig(fileName string) (err error) {
	Cfg = Default()
	file, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return
	}
	if err = json.Unmarshal(file, Cfg); err == nil {
		// process all string-based config settings and apply
		// string substitutions.
		applySubstitutions(Cfg, Cfg.Env)
	}
	return
}

var (
	rx = regexp.MustCompile(`\$\{([^\}]*)\}`)
)

// substString is a helper function to substitute environment variables
// with actual values.
func substString(s string, env map[string]string) string {
	matches := rx.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) != 0 {
			subst, ok := env[m[1]]
			if !ok {
				continue
			}
			s = strings.Replace(s, "${"+m[1]+"}", subst, -1)
		}
	}
	return s
}

// applySubstitutions traverses the configuration data structure
// and applies string substitutions to all string values.
func applySubstitutions(x interface{}, env map[string]string) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if !fld.CanSet() {
				continue
			}
			switch fld.Kind() {
			case reflect.String:
				// check for substitution
				s := fld.Interface().(string)
				for {
					s1 := substString(s, env)
					if s1 == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s\n", s, s1)
					fld.SetString(s1)
					s = s1
				}
			case reflect.Struct:
				process(fld)
			case reflect.Ptr:
				if e := fld.Elem(); e.IsValid() && e.Kind() == reflect.Struct {
					process(e)
				}
			}
		}
	}
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		process(v)
	}
}
