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

package diag

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/geocline/tilegate/lib/credentials"
	"github.com/geocline/tilegate/lib/pgpool"
)

// Probe names as they appear in the health payload.
const (
	ProbePostgres      = "postgres"
	ProbePools         = "pools"
	ProbeStorage       = "storage"
	ProbeStorageToken  = "storage_token"
	ProbePostgresToken = "postgres_token"
	ProbeCatalog       = "catalog"
)

// QueryResult is the outcome of one introspection query.
type QueryResult struct {
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type postgresDetails struct {
	Queries []QueryResult `json:"queries"`
}

type tableCount struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// Postgres probes the database through the administrative pool with a
// fixed set of introspection queries. Every query reports its own
// (result, error) pair; one failing query does not stop the rest.
func Postgres(db func() (*sqlx.DB, error), pgstacSchema string) Probe {
	return NewProbe(ProbePostgres, func(ctx context.Context) (any, error) {
		handle, err := db()
		if err != nil {
			return nil, trace.Wrap(err)
		}

		details := postgresDetails{}
		scalar := func(name, query string) {
			var value string
			qr := QueryResult{Name: name}
			if err := handle.QueryRowxContext(ctx, query).Scan(&value); err != nil {
				qr.Error = err.Error()
			} else {
				qr.Result = value
			}
			details.Queries = append(details.Queries, qr)
		}

		scalar("server_version", "SHOW server_version")
		scalar("postgis_version", "SELECT PostGIS_Lib_Version()")
		scalar("pgstac_version", "SELECT "+pgx.Identifier{pgstacSchema}.Sanitize()+".get_version()")

		counts := QueryResult{Name: "table_counts"}
		rows, err := handle.QueryxContext(ctx,
			"SELECT relname, n_live_tup FROM pg_stat_user_tables WHERE schemaname = $1 ORDER BY relname",
			pgstacSchema)
		if err != nil {
			counts.Error = err.Error()
		} else {
			var tables []tableCount
			for rows.Next() {
				var tc tableCount
				if err := rows.Scan(&tc.Table, &tc.Rows); err != nil {
					counts.Error = err.Error()
					break
				}
				tables = append(tables, tc)
			}
			rows.Close()
			if counts.Error == "" {
				if err := rows.Err(); err != nil {
					counts.Error = err.Error()
				} else {
					counts.Result = tables
				}
			}
		}
		details.Queries = append(details.Queries, counts)

		return details, nil
	})
}

// PoolStats reports the serving pool generation and its connection
// counters.
func PoolStats(stats func() (pgpool.Stats, bool)) Probe {
	return NewProbe(ProbePools, func(ctx context.Context) (any, error) {
		s, ok := stats()
		if !ok {
			return nil, trace.ConnectionProblem(nil, "connection pools are not initialized")
		}
		return s, nil
	})
}

// AccountInfoClient is the subset of the blob service client used by the
// storage probe.
type AccountInfoClient interface {
	GetAccountInfo(ctx context.Context, o *service.GetAccountInfoOptions) (service.GetAccountInfoResponse, error)
}

type storageDetails struct {
	Account string `json:"account"`
	SKU     string `json:"sku,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// StorageAccount probes the storage account with an authenticated
// account info call, proving the storage identity can reach it.
func StorageAccount(account string, client AccountInfoClient) Probe {
	return NewProbe(ProbeStorage, func(ctx context.Context) (any, error) {
		resp, err := client.GetAccountInfo(ctx, nil)
		if err != nil {
			return storageDetails{Account: account}, trace.Wrap(credentials.ConvertAzureError(err))
		}
		details := storageDetails{Account: account}
		if resp.SKUName != nil {
			details.SKU = string(*resp.SKUName)
		}
		if resp.AccountKind != nil {
			details.Kind = string(*resp.AccountKind)
		}
		return details, nil
	})
}

type catalogDetails struct {
	Collections int       `json:"collections"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// Catalog reports the vector catalog snapshot size and load time. The
// probe reads the in-memory snapshot and never touches the database.
func Catalog(loaded func() (time.Time, int, bool)) Probe {
	return NewProbe(ProbeCatalog, func(ctx context.Context) (any, error) {
		at, count, ok := loaded()
		if !ok {
			return nil, trace.NotFound("catalog has not loaded yet")
		}
		return catalogDetails{Collections: count, LoadedAt: at}, nil
	})
}

type tokenDetails struct {
	Identity   string                   `json:"identity"`
	ExpiresAt  time.Time                `json:"expires_at"`
	TTLSeconds int64                    `json:"ttl_seconds"`
	Claims     *credentials.TokenClaims `json:"claims,omitempty"`
}

// CachedToken reports the cached token for one identity: expiry,
// remaining lifetime and, when the token parses as a JWT, its unverified
// claims. The raw token never appears in the payload.
func CachedToken(name string, provider *credentials.Provider, clock clockwork.Clock) Probe {
	return NewProbe(name, func(ctx context.Context) (any, error) {
		token, ok := provider.Cache().Get()
		if !ok {
			return nil, trace.NotFound("no token cached yet for %v", provider.Identity())
		}
		details := tokenDetails{
			Identity:   provider.Identity(),
			ExpiresAt:  token.ExpiresAt,
			TTLSeconds: int64(token.TTL(clock.Now()).Seconds()),
		}
		if claims, err := credentials.PeekClaims(token.Value); err == nil {
			details.Claims = &claims
		}
		return details, nil
	})
}
