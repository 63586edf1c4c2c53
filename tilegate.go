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

// Package tilegate holds constants shared across the whole program.
package tilegate

// Version is reported by the version command, the dashboard and the
// diagnostics payload.
const Version = "1.4.0"

const (
	// ComponentKey is the log attribute under which the emitting
	// component is recorded.
	ComponentKey = "component"

	// ComponentMain is the process entry point.
	ComponentMain = "main"

	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"

	// ComponentCredentials covers token acquisition and caching for
	// storage and database identities.
	ComponentCredentials = "credentials"

	// ComponentPool is the Postgres connection pool manager.
	ComponentPool = "pgpool"

	// ComponentCatalog is the vector collection catalog.
	ComponentCatalog = "catalog"

	// ComponentRefresh is the background credential refresher.
	ComponentRefresh = "refresh"

	// ComponentDiag is the deep health diagnostics runner.
	ComponentDiag = "diag"
)

// VerboseLogsEnvVar forces debug level logging when set to a truthy
// value, regardless of the configured level.
const VerboseLogsEnvVar = "TILEGATE_DEBUG"
