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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// HandlerFunc specifies an HTTP handler function that returns the value to
// encode as the JSON response body, or an error translated into an HTTP
// status by its trace type.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns an httprouter.Handle from a HandlerFunc. A nil return
// value with a nil error means the handler already wrote the response.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		// Ensure that neither proxies nor browsers cache API responses.
		SetNoCacheHeaders(w.Header())

		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// maxJSONBody caps the request bodies read by ReadJSON.
const maxJSONBody = 1 << 20 // 1 MiB

// ReadJSON reads an HTTP JSON request body and unmarshals it into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		return trace.Wrap(err, "failed to read request body")
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("request body is not valid JSON: %v", err)
	}
	return nil
}

// ReplyJSON encodes out as the response body with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, out any) {
	data, err := json.Marshal(out)
	if err != nil {
		slog.Error("Failed to encode response.", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"message":"failed to encode response"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// ReplyError writes err as a JSON message with the status code implied by
// its trace type.
func ReplyError(w http.ResponseWriter, err error) {
	ReplyJSON(w, errorToCode(err), errorResponse{Message: trace.UserMessage(err)})
}

// errorToCode maps an error to its HTTP status. Two mappings diverge from
// trace's defaults: a connection problem is a dependency outage and is
// served as 503, not 504, so it cannot be mistaken for a proxy timeout;
// access denied is also 503 because this server performs no caller
// authorization, so a rejected credential is always the server's own
// (a database password that rotated out from under us), never the
// caller's fault.
func errorToCode(err error) int {
	switch {
	case trace.IsConnectionProblem(err), trace.IsAccessDenied(err):
		return http.StatusServiceUnavailable
	}
	return trace.ErrorToCode(err)
}

type errorResponse struct {
	Message string `json:"message"`
}

// SetNoCacheHeaders tells proxies and browsers not to cache the content.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}
