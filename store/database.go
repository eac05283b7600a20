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
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql" // init MySQL driver
	_ "github.com/mattn/go-sqlite3"    // init SQLite3 driver
)

// Error messages related to databases
var (
	ErrSQLInvalidDatabaseSpec = fmt.Errorf("invalid database specification")
	ErrSQLNoDatabase          = fmt.Errorf("database not found")
)

//----------------------------------------------------------------------
// Connection to a database instance. There can be multiple connections
// on the same instance, managed by the database pool.
//----------------------------------------------------------------------

// DBConn is a database connection suitable for executing SQL commands.
type DBConn struct {
	conn   *sql.Conn // connection to database instance
	key    string    // database connect string (identifier for pool)
	engine string    // database engine
}

// Close database connection.
func (db *DBConn) Close() (err error) {
	if err = db.conn.Close(); err != nil {
		return
	}
	return DBPool.remove(db.key)
}

// QueryRow returns a single record for a query
func (db *DBConn) QueryRow(query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(DBPool.ctx, query, args...)
}

// Query returns all matching records for a query
func (db *DBConn) Query(query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(DBPool.ctx, query, args...)
}

// Exec a SQL statement
func (db *DBConn) Exec(query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(DBPool.ctx, query, args...)
}

//----------------------------------------------------------------------
// DBPool holds all database instances used: Connecting with the same
// connect string returns the same instance.
//----------------------------------------------------------------------

// global instance for the database pool (singleton)
var (
	DBPool *dbPool
)

// dbPoolEntry holds information about a database instance.
type dbPoolEntry struct {
	db   *sql.DB // reference to the database engine
	refs int     // number of open connections (reference count)
}

// package initialization
func init() {
	DBPool = new(dbPool)
	DBPool.insts = make(map[string]*dbPoolEntry)
	DBPool.ctx, DBPool.cancel = context.WithCancel(context.Background())
}

// dbPool keeps a mapping between connect string and database instance.
// A single writer discipline per database file is assumed; the pool
// only serializes its own bookkeeping.
type dbPool struct {
	sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	insts  map[string]*dbPoolEntry
}

// remove a database instance from the pool based on its connect string.
func (p *dbPool) remove(key string) (err error) {
	p.Lock()
	defer p.Unlock()
	pe, ok := p.insts[key]
	if !ok {
		return nil
	}
	pe.refs--
	if pe.refs == 0 {
		err = pe.db.Close()
		delete(p.insts, key)
	}
	return
}

// Connect to a SQL database (various types and flavors):
// The 'spec' option defines the arguments required to connect to a
// database; the first segment (up to the ':') selects the engine.
// The following engines are implemented:
//   - 'sqlite3': SQLite3-compatible database; the second argument is the
//     file that holds the data (e.g. "sqlite3:ap2p_storage.db")
//   - 'mysql':   a MySQL-compatible database; the second argument is the
//     DSN required to log into the database (e.g.
//     "[user[:passwd]@][proto[(addr)]]/dbname[?param1=value1&...]").
func (p *dbPool) Connect(spec string) (db *DBConn, err error) {
	p.Lock()
	defer p.Unlock()
	db = new(DBConn)
	db.key = spec
	inst, ok := p.insts[spec]
	if !ok {
		inst = new(dbPoolEntry)
		specs := strings.SplitN(spec, ":", 2)
		if len(specs) < 2 {
			return nil, ErrSQLInvalidDatabaseSpec
		}
		db.engine = specs[0]
		switch db.engine {
		case "sqlite3":
			// check if the database file exists
			var fi os.FileInfo
			if fi, err = os.Stat(specs[1]); err != nil {
				return nil, ErrSQLNoDatabase
			}
			if fi.IsDir() {
				return nil, ErrSQLNoDatabase
			}
			inst.db, err = sql.Open("sqlite3", specs[1])
		case "mysql":
			inst.db, err = sql.Open("mysql", specs[1])
		default:
			return nil, ErrSQLInvalidDatabaseSpec
		}
		if err != nil {
			return nil, err
		}
		p.insts[spec] = inst
	}
	inst.refs++
	db.conn, err = inst.db.Conn(p.ctx)
	return db, err
}
