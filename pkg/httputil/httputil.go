/*
Copyright 2026 The Perkeep Authors

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

// Package httputil contains the HTTP helpers shared by the imgload
// handlers.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"

	"perkeep.org/imgload/pkg/loaderr"
)

// IsGet reports whether r.Method is a GET or HEAD request.
func IsGet(r *http.Request) bool {
	return r.Method == "GET" || r.Method == "HEAD"
}

func ReturnJSON(rw http.ResponseWriter, data interface{}) {
	ReturnJSONCode(rw, 200, data)
}

func ReturnJSONCode(rw http.ResponseWriter, code int, data interface{}) {
	js, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		http.Error(rw, fmt.Sprintf("JSON serialization error: %v", err), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Content-Length", strconv.Itoa(len(js)+1))
	rw.WriteHeader(code)
	rw.Write(js)
	rw.Write([]byte("\n"))
}

// Recover is meant to be used at the top of handlers with "defer"
// to catch the errors panicked by MustGet and OptionalInt:
//
//	func handler(rw http.ResponseWriter, req *http.Request) {
//		defer httputil.Recover(rw, req)
//		uri := httputil.MustGet(req, "url")
//		...
//
// Values that are not errors with an HTTP code are re-panicked.
func Recover(rw http.ResponseWriter, req *http.Request) {
	e := recover()
	if e == nil {
		return
	}
	if _, ok := e.(httpCoder); !ok {
		panic(e)
	}
	ServeJSONError(rw, e.(error))
}

type httpCoder interface {
	HTTPCode() int
}

// An InvalidMethodError is returned when an HTTP handler is invoked
// with an unsupported method.
type InvalidMethodError struct{}

func (InvalidMethodError) Error() string { return "invalid method" }
func (InvalidMethodError) HTTPCode() int { return http.StatusMethodNotAllowed }

// A MissingParameterError represents a missing HTTP parameter.
// The underlying string is the missing parameter name.
type MissingParameterError string

func (p MissingParameterError) Error() string { return fmt.Sprintf("Missing parameter %q", string(p)) }
func (MissingParameterError) HTTPCode() int   { return http.StatusBadRequest }

// An InvalidParameterError represents an invalid HTTP parameter.
// The underlying string is the invalid parameter name, not value.
type InvalidParameterError string

func (p InvalidParameterError) Error() string { return fmt.Sprintf("Invalid parameter %q", string(p)) }
func (InvalidParameterError) HTTPCode() int   { return http.StatusBadRequest }

// MustGet returns a non-empty GET (or HEAD) parameter param and panics
// with a special error as caught by a deferred httputil.Recover.
func MustGet(req *http.Request, param string) string {
	if !IsGet(req) {
		panic(InvalidMethodError{})
	}
	v := req.FormValue(param)
	if v == "" {
		panic(MissingParameterError(param))
	}
	return v
}

// OptionalInt returns the non-negative integer in req given by param,
// or 0 if not present. Other values panic for Recover.
func OptionalInt(req *http.Request, param string) int {
	v := req.FormValue(param)
	if v == "" {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		panic(InvalidParameterError(param))
	}
	return i
}

// OptionalBool returns the boolean in req given by param, or false if
// not present. Other values panic for Recover.
func OptionalBool(req *http.Request, param string) bool {
	v := req.FormValue(param)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		panic(InvalidParameterError(param))
	}
	return b
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	var hc httpCoder
	if errors.As(err, &hc) {
		return hc.HTTPCode()
	}
	switch loaderr.KindOf(err) {
	case loaderr.KindMisuse:
		return http.StatusBadRequest
	case loaderr.KindTerminalNetwork:
		return http.StatusBadGateway
	case loaderr.KindTransientNetwork:
		return http.StatusGatewayTimeout
	case loaderr.KindDecode:
		return http.StatusUnsupportedMediaType
	case loaderr.KindOverload, loaderr.KindCanceled:
		return http.StatusServiceUnavailable
	case loaderr.KindStorage:
		if errors.Is(err, os.ErrNotExist) {
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}

// ServeJSONError sends a JSON error response to rw for err.
func ServeJSONError(rw http.ResponseWriter, err error) {
	code := StatusCode(err)
	ReturnJSONCode(rw, code, map[string]interface{}{
		"error":     err.Error(),
		"errorType": http.StatusText(code),
	})
}

// IsClientGone reports whether err is a write error to a client that
// went away.
func IsClientGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
