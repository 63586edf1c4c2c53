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
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocline/tilegate/lib/httplib"
	"github.com/geocline/tilegate/lib/reader"
)

var httpRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tilegate_http_requests_total",
		Help: "Number of HTTP requests served, by route group and status code.",
	},
	[]string{"route", "code"},
)

// requestIDHeader carries the request identifier in both directions:
// honored when the client sends one, generated otherwise.
const requestIDHeader = "X-Request-Id"

// withRequestID tags every request with an identifier and echoes it in the
// response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by the inner handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// withRequestLog logs every request and counts it in the request metric.
func (h *Handler) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := h.clock.Now()
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(routeTag(r.URL.Path), strconv.Itoa(status)).Inc()
		h.log.DebugContext(r.Context(), "Request handled.",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", h.clock.Since(start),
			"request_id", recorder.Header().Get(requestIDHeader),
		)
	})
}

// routeTag folds a request path into its route group so the request metric
// stays bounded in cardinality.
func routeTag(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i > 0 {
		path = path[:i]
	}
	switch path {
	case "livez", "readyz", "health", "metrics", "dashboard", "debug",
		"cog", "zarr", "mosaic", "vector":
		return path
	default:
		return "other"
	}
}

// withRecovery turns a handler panic into a 500 instead of tearing down
// the connection without a response.
func (h *Handler) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.log.ErrorContext(r.Context(), "Recovered from panic in request handler.",
					"panic", p,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				httplib.ReplyError(w, trace.Errorf("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withStorageCredential resolves the current storage token and attaches it
// to the request context for the reader backends. Acquisition prefers the
// cache and falls back to a single-flighted fetch, so concurrent tile
// requests after an expiry trigger one refresh, not a stampede. When no
// token can be acquired the request proceeds without a credential and the
// failure surfaces from the reader, not from the middleware.
func (h *Handler) withStorageCredential(next httprouter.Handle) httprouter.Handle {
	if h.cfg.StorageProvider == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ctx := r.Context()
		token, err := h.cfg.StorageProvider.Acquire(ctx, h.cfg.MinTokenTTL)
		if err != nil {
			h.log.WarnContext(ctx, "Serving request without a storage credential.", "error", err)
			next(w, r, p)
			return
		}
		ctx = reader.ContextWithCredential(ctx, reader.Credential{
			Account:   h.cfg.StorageAccount,
			Token:     token.Value,
			ExpiresAt: token.ExpiresAt,
		})
		next(w, r.WithContext(ctx), p)
	}
}
