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

// Package osutil provides operating system-specific path information.
package osutil

import (
	"os"
	"path/filepath"
	"runtime"

	"go4.org/xdgdir"
)

// CacheDirEnv overrides the cache directory when set.
const CacheDirEnv = "IMGLOAD_CACHE_DIR"

const appName = "imgload"

// HomeDir returns the path to the user's home directory.
// It returns the empty string if the value isn't known.
func HomeDir() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("HOMEDRIVE") + os.Getenv("HOMEPATH")
	}
	return os.Getenv("HOME")
}

// CacheDir returns the directory holding the image disk cache. It does
// not create it.
func CacheDir() string {
	if d := os.Getenv(CacheDirEnv); d != "" {
		return d
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(HomeDir(), "Library", "Caches", appName)
	case "windows":
		for _, ev := range []string{"TEMP", "TMP"} {
			if v := os.Getenv(ev); v != "" {
				return filepath.Join(v, appName)
			}
		}
		return filepath.Join(os.TempDir(), appName)
	}
	if d := xdgdir.Cache.Path(); d != "" {
		return filepath.Join(d, appName)
	}
	return filepath.Join(os.TempDir(), appName)
}
