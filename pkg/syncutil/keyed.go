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

// Package syncutil provides synchronization helpers for the loader.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex provides mutual exclusion per string key. Lock entries are
// created on first use and removed once no holder or waiter refers to
// them, so the table only holds keys under contention.
//
// The zero value is ready to use. A KeyedMutex must not be copied after
// first use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{} // capacity 1; a token in it means held
	refs int           // holder + waiters; guarded by KeyedMutex.mu
}

// A Handle is a held key lock. It is released exactly once with Unlock.
type Handle struct {
	km   *KeyedMutex
	key  string
	l    *keyedLock
	once sync.Once
}

// Key returns the key this handle holds.
func (h *Handle) Key() string { return h.key }

func (km *KeyedMutex) ref(key string) *keyedLock {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.locks == nil {
		km.locks = make(map[string]*keyedLock)
	}
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		km.locks[key] = l
	}
	l.refs++
	return l
}

func (km *KeyedMutex) unref(key string, l *keyedLock) {
	km.mu.Lock()
	defer km.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
}

// Lock blocks until key is free and returns its handle.
func (km *KeyedMutex) Lock(key string) *Handle {
	l := km.ref(key)
	l.sem <- struct{}{}
	return &Handle{km: km, key: key, l: l}
}

// LockContext is like Lock but gives up when ctx is done.
func (km *KeyedMutex) LockContext(ctx context.Context, key string) (*Handle, error) {
	l := km.ref(key)
	select {
	case l.sem <- struct{}{}:
		return &Handle{km: km, key: key, l: l}, nil
	case <-ctx.Done():
		km.unref(key, l)
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if nobody holds it.
func (km *KeyedMutex) TryLock(key string) (*Handle, bool) {
	l := km.ref(key)
	select {
	case l.sem <- struct{}{}:
		return &Handle{km: km, key: key, l: l}, true
	default:
		km.unref(key, l)
		return nil, false
	}
}

// Unlock releases the key. Extra calls are no-ops.
func (h *Handle) Unlock() {
	h.once.Do(func() {
		<-h.l.sem
		h.km.unref(h.key, h.l)
	})
}

// Len returns the number of keys currently held or waited on.
func (km *KeyedMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}
