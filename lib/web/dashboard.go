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

package web

import (
	"bytes"
	_ "embed"
	"maps"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/credentials"
	"github.com/geocline/tilegate/lib/httplib"
	"github.com/geocline/tilegate/lib/pgpool"
	"github.com/geocline/tilegate/lib/readyz"
)

//go:embed templates/dashboard.html
var dashboardHTML string

type dashboardComponent struct {
	Name      string
	State     string
	Reason    string
	LastError string
	Updated   string
	LastOK    string
}

type dashboardToken struct {
	Identity  string
	Cached    bool
	TTL       string
	ExpiresAt string
	Refreshed string
}

type dashboardPools struct {
	Generation uint64
	Created    string
	Async      pgpool.AsyncStats
	Sync       pgpool.SyncStats
}

type dashboardCatalog struct {
	Loaded bool
	Count  string
	At     string
}

type dashboardData struct {
	Version     string
	Hostname    string
	Uptime      string
	Overall     string
	GeneratedAt string
	Components  []dashboardComponent
	Tokens      []dashboardToken
	Pools       *dashboardPools
	Catalog     dashboardCatalog
}

// serveDashboard renders the operator dashboard. The page is assembled
// fully in memory so a template error never produces a half written
// response.
func (h *Handler) serveDashboard(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var buf bytes.Buffer
	if err := h.dashboard.Execute(&buf, h.dashboardData()); err != nil {
		httplib.ReplyError(w, trace.Wrap(err))
		return
	}
	httplib.SetNoCacheHeaders(w.Header())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func (h *Handler) dashboardData() dashboardData {
	now := h.clock.Now()
	hostname, _ := os.Hostname()
	data := dashboardData{
		Version:     tilegate.Version,
		Hostname:    hostname,
		Uptime:      now.Sub(h.startedAt).Round(time.Second).String(),
		Overall:     h.cfg.Status.OverallState().String(),
		GeneratedAt: now.UTC().Format(time.RFC1123),
	}

	snapshot := h.cfg.Status.Snapshot()
	for _, name := range slices.Sorted(maps.Keys(snapshot)) {
		s := snapshot[name]
		component := dashboardComponent{
			Name:      name,
			State:     s.State,
			Reason:    s.Reason,
			LastError: s.LastError,
		}
		if !s.UpdatedAt.IsZero() {
			component.Updated = humanize.Time(s.UpdatedAt)
		}
		if !s.LastSuccessAt.IsZero() {
			component.LastOK = humanize.Time(s.LastSuccessAt)
		}
		data.Components = append(data.Components, component)
	}

	if h.cfg.StorageProvider != nil {
		data.Tokens = append(data.Tokens, h.tokenRow(h.cfg.StorageProvider.Identity(), h.cfg.StorageProvider.Cache()))
	}
	if h.cfg.Database != nil {
		if cache := h.cfg.Database.TokenCache(); cache != nil {
			data.Tokens = append(data.Tokens, h.tokenRow(readyz.ComponentDatabaseAuth, cache))
		}
	}

	if stats, ok := h.cfg.Pools.Stats(); ok {
		data.Pools = &dashboardPools{
			Generation: stats.Generation,
			Created:    humanize.Time(stats.CreatedAt),
			Async:      stats.Async,
			Sync:       stats.Sync,
		}
	}

	if at, count, ok := h.cfg.Catalog.Loaded(); ok {
		data.Catalog = dashboardCatalog{
			Loaded: true,
			Count:  humanize.Comma(int64(count)),
			At:     humanize.Time(at),
		}
	}
	return data
}

func (h *Handler) tokenRow(identity string, cache *credentials.Cache) dashboardToken {
	row := dashboardToken{Identity: identity}
	token, ok := cache.Get()
	if !ok {
		return row
	}
	row.Cached = true
	row.ExpiresAt = token.ExpiresAt.UTC().Format(time.RFC3339)
	if ttl := token.TTL(h.clock.Now()); ttl > 0 {
		row.TTL = ttl.Round(time.Second).String()
	} else {
		row.TTL = "expired"
	}
	if at, ok := cache.LastRefresh(); ok {
		row.Refreshed = humanize.Time(at)
	}
	return row
}
