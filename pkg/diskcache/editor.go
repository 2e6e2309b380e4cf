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
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"perkeep.org/imgload/pkg/loaderr"
	"perkeep.org/imgload/pkg/syncutil"
)

// An Editor writes a new version of one cache entry. Bytes written go
// to a temp file that only becomes visible under the key on Commit.
// Exactly one of Commit or Abort must be called.
type Editor struct {
	c    *Cache
	key  string
	path string
	tmp  string
	f    *os.File
	h    *syncutil.Handle
	n    int64
	done bool
}

// Edit starts an edit of key. It returns ErrEditInProgress if another
// edit of the same key has not finished yet; the caller can wait with
// EditContext or reuse the other writer's result through Get.
func (c *Cache) Edit(key string) (*Editor, error) {
	h, ok := c.edits.TryLock(key)
	if !ok {
		return nil, ErrEditInProgress
	}
	return c.newEditor(key, h)
}

// EditContext is like Edit but waits for a concurrent edit of key to
// finish instead of failing.
func (c *Cache) EditContext(ctx context.Context, key string) (*Editor, error) {
	h, err := c.edits.LockContext(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.newEditor(key, h)
}

func (c *Cache) newEditor(key string, h *syncutil.Handle) (*Editor, error) {
	path := c.path(key)
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		h.Unlock()
		return nil, loaderr.New(loaderr.KindStorage, "diskcache.edit", err)
	}
	return &Editor{c: c, key: key, path: path, tmp: tmp, f: f, h: h}, nil
}

// Key returns the key being edited.
func (e *Editor) Key() string { return e.key }

// Written returns the number of bytes written so far.
func (e *Editor) Written() int64 { return e.n }

// Write appends p to the pending entry.
func (e *Editor) Write(p []byte) (int, error) {
	if e.done {
		return 0, ErrEditorClosed
	}
	n, err := e.f.Write(p)
	e.n += int64(n)
	if err != nil {
		return n, loaderr.New(loaderr.KindStorage, "diskcache.write", err)
	}
	return n, nil
}

// Commit publishes the written bytes under the key, replacing any
// previous version atomically.
func (e *Editor) Commit() (ent *Entry, err error) {
	if e.done {
		return nil, ErrEditorClosed
	}
	e.done = true
	defer e.h.Unlock()

	success := false // set true later
	defer func() {
		if !success {
			e.c.log.Debug("removing temp file", zap.String("path", e.tmp))
			os.Remove(e.tmp)
		}
	}()

	storageErr := func(err error) error {
		return loaderr.New(loaderr.KindStorage, "diskcache.commit", err)
	}
	if err = e.f.Sync(); err != nil {
		e.f.Close()
		return nil, storageErr(err)
	}
	if err = e.f.Close(); err != nil {
		return nil, storageErr(err)
	}
	stat, err := os.Lstat(e.tmp)
	if err != nil {
		return nil, storageErr(err)
	}
	if stat.Size() != e.n {
		return nil, storageErr(fmt.Errorf("temp file %q size %d didn't match written size %d", e.tmp, stat.Size(), e.n))
	}
	if err = os.Rename(e.tmp, e.path); err != nil {
		return nil, storageErr(err)
	}
	success = true // used in defer above
	now := time.Now()
	os.Chtimes(e.path, now, now)
	return &Entry{Key: e.key, Path: e.path, Size: e.n, ModTime: now}, nil
}

// Abort discards the written bytes. Aborting a finished editor is a no-op.
func (e *Editor) Abort() error {
	if e.done {
		return nil
	}
	e.done = true
	defer e.h.Unlock()
	e.f.Close()
	if err := os.Remove(e.tmp); err != nil && !os.IsNotExist(err) {
		return loaderr.New(loaderr.KindStorage, "diskcache.abort", err)
	}
	return nil
}
