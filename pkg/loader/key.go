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

package loader

import (
	"fmt"
	"net/url"

	"perkeep.org/imgload/pkg/images"
)

// Options are the per-request processing parameters.
type Options struct {
	// MaxWidth and MaxHeight bound the decoded size. Zero is unbounded.
	MaxWidth, MaxHeight int
	// Square crops to the centered square.
	Square bool
	// IgnoreEXIF leaves the stored orientation as is.
	IgnoreEXIF bool

	// NoMemoryCache skips the memory tier for this request.
	NoMemoryCache bool
	// NoDiskCache keeps downloads out of the disk cache.
	NoDiskCache bool
}

// normalize maps equivalent options to one value.
func (o Options) normalize() Options {
	o.MaxWidth = max(o.MaxWidth, 0)
	o.MaxHeight = max(o.MaxHeight, 0)
	return o
}

// CacheKey returns the memory cache key for uri decoded with o. Options
// that only affect caching are not part of the key.
func CacheKey(uri string, o Options) string {
	o = o.normalize()
	return fmt.Sprintf("%s|%dx%d|sq=%t|exif=%t|dv%d",
		url.QueryEscape(uri), o.MaxWidth, o.MaxHeight, o.Square, !o.IgnoreEXIF, images.DecoderVersion)
}

func (o Options) decodeOpts(pool *images.Pool) *images.DecodeOpts {
	o = o.normalize()
	return &images.DecodeOpts{
		MaxWidth:   o.MaxWidth,
		MaxHeight:  o.MaxHeight,
		Square:     o.Square,
		IgnoreEXIF: o.IgnoreEXIF,
		Pool:       pool,
	}
}
