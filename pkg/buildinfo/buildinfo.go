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

// Package buildinfo provides information about the current build.
package buildinfo

import (
	"runtime/debug"
	"strings"
)

// Version is the release version, set with
//
//	-ldflags "-X perkeep.org/imgload/pkg/buildinfo.Version=v1.2.3"
var Version string

// readBuildInfo can be faked for testing.
var readBuildInfo = debug.ReadBuildInfo

// Summary returns the version, or the VCS revision the binary was built
// from, or "unknown".
func Summary() string {
	if Version != "" {
		return Version
	}
	bi, ok := readBuildInfo()
	if !ok {
		return "unknown"
	}
	var rev string
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			return v
		}
		return "unknown"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "+"
	}
	return strings.TrimSpace(rev)
}
