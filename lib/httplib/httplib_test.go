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

package httplib

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestMakeHandlerReply(t *testing.T) {
	handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		return map[string]string{"status": "ok"}, nil
	})

	recorder := httptest.NewRecorder()
	handle(recorder, httptest.NewRequest(http.MethodGet, "/test", nil), nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	require.JSONEq(t, `{"status":"ok"}`, recorder.Body.String())
	require.Equal(t, "no-cache, no-store, must-revalidate", recorder.Header().Get("Cache-Control"))
}

func TestMakeHandlerSkipsReplyWhenHandlerWrote(t *testing.T) {
	handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		w.WriteHeader(http.StatusNoContent)
		return nil, nil
	})

	recorder := httptest.NewRecorder()
	handle(recorder, httptest.NewRequest(http.MethodGet, "/test", nil), nil)

	require.Equal(t, http.StatusNoContent, recorder.Code)
	require.Empty(t, recorder.Body.String())
}

func TestMakeHandlerErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "bad parameter", err: trace.BadParameter("bad zoom"), expected: http.StatusBadRequest},
		{name: "not found", err: trace.NotFound("no such collection"), expected: http.StatusNotFound},
		{name: "access denied", err: trace.AccessDenied("token rejected"), expected: http.StatusServiceUnavailable},
		{name: "limit exceeded", err: trace.LimitExceeded("throttled"), expected: http.StatusTooManyRequests},
		{name: "connection problem", err: trace.ConnectionProblem(nil, "connection refused"), expected: http.StatusServiceUnavailable},
		{name: "not implemented", err: trace.NotImplemented("no zarr backend"), expected: http.StatusNotImplemented},
		{name: "plain error", err: trace.Errorf("boom"), expected: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
				return nil, tt.err
			})

			recorder := httptest.NewRecorder()
			handle(recorder, httptest.NewRequest(http.MethodGet, "/test", nil), nil)

			require.Equal(t, tt.expected, recorder.Code)
			require.Contains(t, recorder.Body.String(), `"message"`)
		})
	}
}

func TestReadJSON(t *testing.T) {
	var out struct {
		Collections []string `json:"collections"`
	}
	r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"collections":["a","b"]}`))
	require.NoError(t, ReadJSON(r, &out))
	require.Equal(t, []string{"a", "b"}, out.Collections)

	r = httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"collections":`))
	err := ReadJSON(r, &out)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}
