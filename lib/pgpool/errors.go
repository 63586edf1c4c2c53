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
	"errors"
	"net"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// ConvertError converts errors returned by the Postgres driver into trace
// errors. Errors it does not recognize are returned unmodified.
func ConvertError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.InvalidPassword, pgerrcode.InvalidAuthorizationSpecification:
			return trace.AccessDenied("database rejected the credential: %v", pgErr.Message)
		case pgerrcode.InsufficientPrivilege:
			return trace.AccessDenied("%v", pgErr.Message)
		case pgerrcode.UndefinedTable, pgerrcode.UndefinedFunction, pgerrcode.UndefinedObject:
			return trace.NotFound("%v", pgErr.Message)
		case pgerrcode.TooManyConnections:
			return trace.LimitExceeded("%v", pgErr.Message)
		case pgerrcode.QueryCanceled:
			return trace.ConnectionProblem(err, "query canceled: %v", pgErr.Message)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return trace.ConnectionProblem(err, "database is unreachable")
	}
	return err
}
