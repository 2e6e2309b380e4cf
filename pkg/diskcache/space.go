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

package diskcache

import (
	"net/url"
	"os"

	"go.uber.org/zap"
)

// headroom returns the free bytes on the volume past the reserve.
func (c *Cache) headroom() (int64, error) {
	free, err := c.freeSpace(c.dir)
	if err != nil {
		return 0, err
	}
	return free - c.reserve, nil
}

// ApplyForSpace makes room for need more bytes, deleting the least
// recently used entries one at a time until the volume has need bytes
// of headroom past the reserve and, if MaxBytes is set, the cache stays
// under its cap. It reports whether enough space is available.
func (c *Cache) ApplyForSpace(need int64) bool {
	if need < 0 {
		need = 0
	}
	if c.maxBytes > 0 && need > c.maxBytes {
		c.log.Debug("request larger than disk cache cap",
			zap.Int64("need", need), zap.Int64("max", c.maxBytes))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		candidates []cacheFile
		listed     bool
		used       int64
	)
	if c.maxBytes > 0 {
		var err error
		if candidates, err = c.list(); err != nil {
			c.log.Warn("listing disk cache", zap.Error(err))
			return false
		}
		listed = true
		for _, f := range candidates {
			used += f.size
		}
	}

	for {
		headroom, err := c.headroom()
		if err != nil {
			c.log.Warn("probing free space", zap.String("dir", c.dir), zap.Error(err))
			return false
		}
		if headroom >= need && (c.maxBytes <= 0 || used+need <= c.maxBytes) {
			return true
		}
		if !listed {
			if candidates, err = c.list(); err != nil {
				c.log.Warn("listing disk cache", zap.Error(err))
				return false
			}
			listed = true
		}
		if len(candidates) == 0 {
			c.log.Info("disk cache space exhausted",
				zap.Int64("need", need), zap.Int64("headroom", headroom), zap.Int64("used", used))
			return false
		}
		f := candidates[0]
		candidates = candidates[1:]
		if err := os.Remove(f.path); err != nil {
			if !os.IsNotExist(err) {
				c.log.Warn("evicting cache file", zap.String("path", f.path), zap.Error(err))
			}
			continue
		}
		used -= f.size
		c.log.Debug("evicted cache file", zap.String("name", f.name), zap.Int64("size", f.size))
		if c.onEvict != nil {
			name := f.name
			if k, err := url.QueryUnescape(name); err == nil {
				name = k
			}
			c.onEvict(name, f.size)
		}
	}
}
