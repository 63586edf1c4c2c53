// Tilegate
// Copyright (C) 2025 Geocline, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package pgpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/geocline/tilegate/lib/defaults"
)

// generation is one matched pair of pools built from a single credential
// snapshot.
type generation struct {
	id        uint64
	createdAt time.Time
	async     *pgxpool.Pool
	sync      *sqlx.DB

	// pingFn and closeHook are overridden in tests.
	pingFn    func(ctx context.Context) error
	closeHook func()
}

// ping verifies both pools can reach the database with the credential
// they were built with.
func (g *generation) ping(ctx context.Context) error {
	if g.pingFn != nil {
		return trace.Wrap(g.pingFn(ctx))
	}
	ctx, cancel := context.WithTimeout(ctx, defaults.PostgresConnectTimeout)
	defer cancel()
	if err := g.async.Ping(ctx); err != nil {
		return trace.Wrap(ConvertError(err), "pinging request pool")
	}
	if err := g.sync.PingContext(ctx); err != nil {
		return trace.Wrap(ConvertError(err), "pinging admin pool")
	}
	return nil
}

// close releases both pools. pgxpool blocks until acquired connections
// are returned, which is what gives retired generations their drain
// semantics.
func (g *generation) close(log *slog.Logger) {
	if g == nil {
		return
	}
	if g.async != nil {
		g.async.Close()
	}
	if g.sync != nil {
		if err := g.sync.Close(); err != nil {
			log.Warn("Failed to close admin pool.", "generation", g.id, "error", err)
		}
	}
	if g.closeHook != nil {
		g.closeHook()
	}
}

// buildGeneration resolves the current credential and constructs both
// pools from it. The credential is injected as the connection password at
// construction time; connections opened later by the same generation keep
// using that snapshot, which is why generations are rotated instead of
// mutated.
func (m *Manager) buildGeneration(ctx context.Context) (*generation, error) {
	password, err := m.cfg.Credentials.Password(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "resolving database credential")
	}

	connString := m.connString()

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	poolCfg.MinConns = int32(m.cfg.Conn.MinConns)
	poolCfg.MaxConns = int32(m.cfg.Conn.MaxConns)
	poolCfg.MaxConnLifetime = defaults.PostgresConnMaxLifetime
	poolCfg.ConnConfig.Password = password
	poolCfg.ConnConfig.ConnectTimeout = defaults.PostgresConnectTimeout

	async, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	syncCfg, err := pgx.ParseConfig(connString)
	if err != nil {
		async.Close()
		return nil, trace.Wrap(err)
	}
	syncCfg.Password = password
	syncCfg.ConnectTimeout = defaults.PostgresConnectTimeout

	db := sqlx.NewDb(stdlib.OpenDB(*syncCfg), "pgx")
	db.SetMaxOpenConns(m.cfg.Conn.SyncMaxOpen)
	db.SetMaxIdleConns(defaults.SyncPoolMaxIdle)
	db.SetConnMaxLifetime(defaults.PostgresConnMaxLifetime)

	return &generation{
		id:        m.lastID.Add(1),
		createdAt: m.clock.Now(),
		async:     async,
		sync:      db,
	}, nil
}

// connString renders the server coordinates as a pgx connection string.
// The password is deliberately left out and set on the parsed config, so
// credential material never passes through string formatting.
func (m *Manager) connString() string {
	c := m.cfg.Conn
	return fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=require application_name=%s",
		c.Host, c.Port, c.User, c.Database, c.ApplicationName,
	)
}
