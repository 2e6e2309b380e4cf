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

package server

import (
	"net/http"

	"perkeep.org/imgload/pkg/httputil"
	"perkeep.org/imgload/pkg/loader"
)

// StatusHandler serves the loader's queue and cache state as JSON.
type StatusHandler struct {
	Loader *loader.Loader
}

func (sh *StatusHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if !httputil.IsGet(req) {
		httputil.ServeJSONError(rw, httputil.InvalidMethodError{})
		return
	}
	httputil.ReturnJSON(rw, sh.Loader.Status())
}
