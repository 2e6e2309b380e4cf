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
	"time"

	"github.com/cockroachdb/errors"
	"go4.org/jsonconfig"

	"perkeep.org/imgload/internal/osutil"
	"perkeep.org/imgload/pkg/dispatch"
	"perkeep.org/imgload/pkg/downloader"
	"perkeep.org/imgload/pkg/tiledecode"
)

// DefaultMaxDecodeBytes admits one image of about 8000×8000 pixels.
const DefaultMaxDecodeBytes = 256 << 20

// Config holds the tunables of a Loader.
type Config struct {
	// CacheDir is the disk cache directory. Empty disables the disk cache.
	CacheDir string
	// ReserveBytes is the free space the disk cache leaves on its volume.
	ReserveBytes int64
	// MaxDiskBytes caps the disk cache. Zero means bounded only by
	// ReserveBytes.
	MaxDiskBytes int64
	// MaxMemoryBytes bounds the decoded images kept in memory. Zero
	// disables the memory cache.
	MaxMemoryBytes int64
	// MaxDecodeBytes bounds the pixel memory of concurrent decodes.
	// A single image needing more fails to decode. Zero means
	// DefaultMaxDecodeBytes.
	MaxDecodeBytes int64

	NetworkWorkers int
	QueueCapacity  int

	MaxRetries          int
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	ProgressCheckpoints int
	// RequestsPerSecond limits outgoing requests. Zero is unlimited.
	RequestsPerSecond int

	TileIdleTimeout time.Duration
}

// DefaultConfig returns the default configuration, caching on disk in
// osutil.CacheDir.
func DefaultConfig() Config {
	return Config{
		CacheDir:            osutil.CacheDir(),
		ReserveBytes:        10 << 20,
		MaxDiskBytes:        0,
		MaxMemoryBytes:      64 << 20,
		MaxDecodeBytes:      DefaultMaxDecodeBytes,
		NetworkWorkers:      dispatch.DefaultNetworkWorkers,
		QueueCapacity:       dispatch.DefaultQueueCapacity,
		MaxRetries:          downloader.DefaultMaxRetries,
		ConnectTimeout:      downloader.DefaultConnectTimeout,
		ReadTimeout:         downloader.DefaultReadTimeout,
		ProgressCheckpoints: downloader.DefaultProgressCheckpoints,
		TileIdleTimeout:     tiledecode.DefaultIdleTimeout,
	}
}

// ConfigFromJSON returns DefaultConfig overridden by the keys of conf.
// Durations are strings understood by time.ParseDuration.
func ConfigFromJSON(conf jsonconfig.Obj) (Config, error) {
	def := DefaultConfig()
	c := Config{
		CacheDir:            conf.OptionalString("cacheDir", def.CacheDir),
		ReserveBytes:        conf.OptionalInt64("reserveBytes", def.ReserveBytes),
		MaxDiskBytes:        conf.OptionalInt64("maxDiskBytes", def.MaxDiskBytes),
		MaxMemoryBytes:      conf.OptionalInt64("maxMemoryBytes", def.MaxMemoryBytes),
		MaxDecodeBytes:      conf.OptionalInt64("maxDecodeBytes", def.MaxDecodeBytes),
		NetworkWorkers:      conf.OptionalInt("networkWorkers", def.NetworkWorkers),
		QueueCapacity:       conf.OptionalInt("queueCapacity", def.QueueCapacity),
		MaxRetries:          conf.OptionalInt("maxRetries", def.MaxRetries),
		ProgressCheckpoints: conf.OptionalInt("progressCheckpoints", def.ProgressCheckpoints),
		RequestsPerSecond:   conf.OptionalInt("requestsPerSecond", def.RequestsPerSecond),
	}
	connect := conf.OptionalString("connectTimeout", def.ConnectTimeout.String())
	read := conf.OptionalString("readTimeout", def.ReadTimeout.String())
	idle := conf.OptionalString("tileIdleTimeout", def.TileIdleTimeout.String())
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	var err error
	for _, d := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connectTimeout", connect, &c.ConnectTimeout},
		{"readTimeout", read, &c.ReadTimeout},
		{"tileIdleTimeout", idle, &c.TileIdleTimeout},
	} {
		if *d.dst, err = time.ParseDuration(d.val); err != nil {
			return Config{}, errors.Wrapf(err, "config key %q", d.key)
		}
	}
	return c, c.validate()
}

// ReadConfigFile reads a JSON configuration file. See ConfigFromJSON.
func ReadConfigFile(path string) (Config, error) {
	obj, err := jsonconfig.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ConfigFromJSON(obj)
}

func (c Config) validate() error {
	switch {
	case c.ReserveBytes < 0, c.MaxDiskBytes < 0, c.MaxMemoryBytes < 0, c.MaxDecodeBytes < 0:
		return errors.New("loader: byte limits must not be negative")
	case c.NetworkWorkers < 0, c.QueueCapacity < 0, c.ProgressCheckpoints < 0, c.RequestsPerSecond < 0:
		return errors.New("loader: counts must not be negative")
	case c.ConnectTimeout < 0, c.ReadTimeout < 0, c.TileIdleTimeout < 0:
		return errors.New("loader: timeouts must not be negative")
	}
	return nil
}
