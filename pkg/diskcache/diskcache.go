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

// Package diskcache implements a space-bounded cache of byte blobs on
// local disk, evicting least recently accessed files first.
//
// The cache directory holds one file per key, named after the escaped
// key, plus "<name>.tmp" files for writes in progress. There is no
// index: presence of the final file is the source of truth and its
// modification time is the recency signal.
package diskcache

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"perkeep.org/imgload/pkg/loaderr"
	"perkeep.org/imgload/pkg/syncutil"
)

const tmpSuffix = ".tmp"

// Names longer than this are replaced by a hash of the key.
const maxNameLen = 200

var (
	// ErrEditInProgress is returned by Edit when another editor holds the key.
	ErrEditInProgress = errors.New("diskcache: edit already in progress")

	// ErrEditorClosed is returned by an Editor used after Commit or Abort.
	ErrEditorClosed = errors.New("diskcache: editor already committed or aborted")
)

// Options configures a Cache.
type Options struct {
	// Dir is the cache directory. It is created if missing.
	Dir string

	// ReserveBytes is free space on the volume the cache never uses.
	ReserveBytes int64

	// MaxBytes caps the total size of cached files.
	// Zero means unbounded, subject to ReserveBytes.
	MaxBytes int64

	// FreeSpace reports the free bytes on the volume holding dir.
	// If nil, the volume is probed with gopsutil.
	FreeSpace func(dir string) (int64, error)

	// OnEvict, if non-nil, is called for every file removed to reclaim space.
	OnEvict func(name string, size int64)

	Logger *zap.Logger
}

// Cache is a disk cache. It is safe for concurrent use.
type Cache struct {
	dir       string
	reserve   int64
	maxBytes  int64
	freeSpace func(string) (int64, error)
	onEvict   func(string, int64)
	log       *zap.Logger

	mu    sync.Mutex // serializes space reclamation
	edits syncutil.KeyedMutex
}

// Entry is a committed cache file.
type Entry struct {
	Key     string
	Path    string
	Size    int64
	ModTime time.Time
}

// Open opens the entry's file for reading.
func (e *Entry) Open() (*os.File, error) {
	return os.Open(e.Path)
}

// New returns a cache rooted at opts.Dir. Temp files left behind by a
// previous process are removed.
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("diskcache: no directory given")
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, loaderr.New(loaderr.KindStorage, "diskcache.new", err)
	}
	c := &Cache{
		dir:       opts.Dir,
		reserve:   opts.ReserveBytes,
		maxBytes:  opts.MaxBytes,
		freeSpace: opts.FreeSpace,
		onEvict:   opts.OnEvict,
		log:       opts.Logger,
	}
	if c.freeSpace == nil {
		c.freeSpace = volumeFree
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	stale, err := filepath.Glob(filepath.Join(c.dir, "*"+tmpSuffix))
	if err != nil {
		return nil, err
	}
	for _, name := range stale {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			c.log.Warn("removing stale temp file", zap.String("path", name), zap.Error(err))
		}
	}
	return c, nil
}

func volumeFree(dir string) (int64, error) {
	u, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return int64(u.Free), nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// fileName returns the file name, relative to the cache directory, for key.
func fileName(key string) string {
	name := url.QueryEscape(key)
	if len(name) > maxNameLen || name == "" || name == "." || name == ".." {
		sum := sha1.Sum([]byte(key))
		return "h-" + hex.EncodeToString(sum[:])
	}
	return name
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, fileName(key))
}

// Get returns the committed entry for key and marks it as recently used.
func (c *Cache) Get(key string) (*Entry, bool) {
	p := c.path(key)
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, false
	}
	now := time.Now()
	mtime := fi.ModTime()
	if err := os.Chtimes(p, now, now); err != nil {
		c.log.Debug("refreshing cache entry time", zap.String("key", key), zap.Error(err))
	} else {
		mtime = now
	}
	return &Entry{Key: key, Path: p, Size: fi.Size(), ModTime: mtime}, true
}

// Remove deletes the committed entry for key, if any.
func (c *Cache) Remove(key string) error {
	err := os.Remove(c.path(key))
	if err != nil && !os.IsNotExist(err) {
		return loaderr.New(loaderr.KindStorage, "diskcache.remove", err)
	}
	return nil
}

// Clear deletes every committed entry. Writes in progress are not affected.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, err := c.list()
	if err != nil {
		return err
	}
	var first error
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) && first == nil {
			first = loaderr.New(loaderr.KindStorage, "diskcache.clear", err)
		}
	}
	return first
}

// Size returns the total size of the committed entries.
func (c *Cache) Size() (int64, error) {
	files, err := c.list()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, f := range files {
		n += f.size
	}
	return n, nil
}

type cacheFile struct {
	name  string
	path  string
	size  int64
	mtime time.Time
}

// list returns the committed files, least recently used first.
func (c *Cache) list() ([]cacheFile, error) {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, loaderr.New(loaderr.KindStorage, "diskcache.list", err)
	}
	files := make([]cacheFile, 0, len(des))
	for _, de := range des {
		if !de.Type().IsRegular() || strings.HasSuffix(de.Name(), tmpSuffix) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			// Removed since ReadDir.
			continue
		}
		files = append(files, cacheFile{
			name:  de.Name(),
			path:  filepath.Join(c.dir, de.Name()),
			size:  fi.Size(),
			mtime: fi.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mtime.Equal(files[j].mtime) {
			return files[i].name < files[j].name
		}
		return files[i].mtime.Before(files[j].mtime)
	})
	return files, nil
}
