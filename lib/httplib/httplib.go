/*
Copyright 2024 z-open

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	zerv "github.com/z-open/zerv-core"
)

// HandlerFunc specifies HTTP handler function that returns error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads HTTP json request and unmarshals it
// into passed any obj
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("failed to parse request: %v", err)
	}
	return nil
}

// ReplyJSON encodes v and writes it with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ReplyError sets up http error response and writes it to writer w
func ReplyError(w http.ResponseWriter, err error) {
	var ue *zerv.UnauthorizedError
	if errors.As(err, &ue) {
		ReplyJSON(w, http.StatusUnauthorized, ue.Event())
		return
	}
	switch {
	case trace.IsNotFound(err):
		replyTraceError(w, http.StatusNotFound, err)
	case trace.IsBadParameter(err):
		replyTraceError(w, http.StatusBadRequest, err)
	case trace.IsAccessDenied(err):
		replyTraceError(w, http.StatusForbidden, err)
	case trace.IsAlreadyExists(err):
		replyTraceError(w, http.StatusConflict, err)
	case trace.IsConnectionProblem(err):
		replyTraceError(w, http.StatusBadGateway, err)
	default:
		replyTraceError(w, http.StatusInternalServerError, err)
	}
}

// ReplyCode writes the {code} failure body the authorization endpoint
// speaks, e.g. 401 {code: USER_INVALID}.
func ReplyCode(w http.ResponseWriter, status int, code string) {
	ReplyJSON(w, status, map[string]string{"code": code})
}

func replyTraceError(w http.ResponseWriter, code int, err error) {
	ReplyJSON(w, code, map[string]string{"message": trace.UserMessage(err)})
}
