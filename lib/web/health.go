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
	"net/http"
	"os"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/diag"
	"github.com/geocline/tilegate/lib/httplib"
	"github.com/geocline/tilegate/lib/readyz"
)

type livezResponse struct {
	Status string `json:"status"`
}

// livez answers the liveness probe. It never consults component state:
// a process that can serve this route should not be restarted, however
// unhealthy its dependencies are.
func (h *Handler) livez(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return livezResponse{Status: "alive"}, nil
}

type readyzResponse struct {
	readyz.Readiness
	Components map[string]readyz.ComponentStatus `json:"components"`
}

// readyz answers the readiness probe: 200 when the gating components are
// healthy, 503 with the blocking issues otherwise.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	resp := readyzResponse{
		Readiness:  h.cfg.Status.Evaluate(h.cfg.RequireDB),
		Components: h.cfg.Status.Snapshot(),
	}
	if issues := h.expiringTokenIssues(); len(issues) > 0 {
		resp.Ready = false
		resp.Issues = append(resp.Issues, issues...)
	}
	if !resp.Ready {
		httplib.ReplyJSON(w, http.StatusServiceUnavailable, resp)
		return nil, nil
	}
	return resp, nil
}

// expiringTokenIssues reports cached tokens that are about to run out.
// A component can look healthy long after its last successful refresh;
// readiness has to flip before the token it is coasting on expires, so
// traffic drains from the instance while requests still work.
func (h *Handler) expiringTokenIssues() []string {
	var issues []string
	now := h.clock.Now()
	if h.cfg.StorageProvider != nil {
		if token, ok := h.cfg.StorageProvider.Cache().Get(); ok && !token.ValidFor(now, h.cfg.ReadyzMinTokenTTL) {
			issues = append(issues, readyz.ComponentStorageAuth+":token_expiring")
		}
	}
	if h.cfg.RequireDB && h.cfg.Database != nil && h.cfg.Database.Expiring() {
		if token, ok := h.cfg.Database.TokenCache().Get(); ok && !token.ValidFor(now, h.cfg.ReadyzMinTokenTTL) {
			issues = append(issues, readyz.ComponentDatabaseAuth+":token_expiring")
		}
	}
	return issues
}

type healthResponse struct {
	Status        string                            `json:"status"`
	Version       string                            `json:"version"`
	Hostname      string                            `json:"hostname,omitempty"`
	StartedAt     time.Time                         `json:"started_at"`
	UptimeSeconds int64                             `json:"uptime_seconds"`
	Components    map[string]readyz.ComponentStatus `json:"components"`
	Services      map[string]diag.Result            `json:"services"`
	TimedOut      bool                              `json:"timed_out,omitempty"`
}

// health runs the deep diagnostic probes and returns their results next
// to the component state snapshot. The response is 200 even when probes
// fail; callers inspect the per-service statuses.
func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	report := h.cfg.Diagnostics.Run(r.Context())
	hostname, _ := os.Hostname()
	return healthResponse{
		Status:        h.cfg.Status.OverallState().String(),
		Version:       tilegate.Version,
		Hostname:      hostname,
		StartedAt:     h.startedAt,
		UptimeSeconds: int64(h.clock.Since(h.startedAt).Seconds()),
		Components:    h.cfg.Status.Snapshot(),
		Services:      report.Services,
		TimedOut:      report.TimedOut,
	}, nil
}
