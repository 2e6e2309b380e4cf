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

package dispatch

import (
	"context"
	"sync"
)

// A Listener receives a request's events.
type Listener interface {
	OnStarted(r *Request)
	OnProgress(r *Request, total, completed int64)
	OnCompleted(r *Request, result interface{}, src Source)
	OnFailed(r *Request, err error)
	OnCanceled(r *Request)
}

// ListenerFuncs is a Listener built from optional functions.
type ListenerFuncs struct {
	Started   func(r *Request)
	Progress  func(r *Request, total, completed int64)
	Completed func(r *Request, result interface{}, src Source)
	Failed    func(r *Request, err error)
	Canceled  func(r *Request)
}

func (f ListenerFuncs) OnStarted(r *Request) {
	if f.Started != nil {
		f.Started(r)
	}
}

func (f ListenerFuncs) OnProgress(r *Request, total, completed int64) {
	if f.Progress != nil {
		f.Progress(r, total, completed)
	}
}

func (f ListenerFuncs) OnCompleted(r *Request, result interface{}, src Source) {
	if f.Completed != nil {
		f.Completed(r, result, src)
	}
}

func (f ListenerFuncs) OnFailed(r *Request, err error) {
	if f.Failed != nil {
		f.Failed(r, err)
	}
}

func (f ListenerFuncs) OnCanceled(r *Request) {
	if f.Canceled != nil {
		f.Canceled(r)
	}
}

// A Poster runs functions on the goroutine a caller designated for its
// callbacks. Post must not block on the function running, and must run
// functions in the order they were posted.
type Poster interface {
	Post(fn func())
}

type inline struct{}

func (inline) Post(fn func()) { fn() }

// Inline runs posted functions immediately on the posting goroutine.
var Inline Poster = inline{}

// A Looper is a Poster whose functions run on the goroutine calling Run,
// in FIFO order.
type Looper struct {
	mu    sync.Mutex
	q     []func()
	quit  bool
	wakec chan struct{}
}

func NewLooper() *Looper {
	return &Looper{wakec: make(chan struct{}, 1)}
}

// dropNotifier is implemented by Posters that may discard functions.
// postOrDrop posts fn, or calls dropped on the calling goroutine when fn
// will never run.
type dropNotifier interface {
	postOrDrop(fn, dropped func())
}

func (l *Looper) Post(fn func()) { l.postOrDrop(fn, nil) }

func (l *Looper) postOrDrop(fn, dropped func()) {
	l.mu.Lock()
	if l.quit {
		l.mu.Unlock()
		if dropped != nil {
			dropped()
		}
		return
	}
	l.q = append(l.q, fn)
	l.mu.Unlock()
	select {
	case l.wakec <- struct{}{}:
	default:
	}
}

// Len returns the number of functions waiting to run.
func (l *Looper) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.q)
}

// RunPending runs the functions queued so far and returns how many ran.
func (l *Looper) RunPending() int {
	l.mu.Lock()
	q := l.q
	l.q = nil
	l.mu.Unlock()
	for _, fn := range q {
		fn()
	}
	return len(q)
}

// Run runs posted functions until ctx is done or Quit is called.
func (l *Looper) Run(ctx context.Context) {
	for {
		l.RunPending()
		l.mu.Lock()
		quit := l.quit
		l.mu.Unlock()
		if quit {
			return
		}
		select {
		case <-l.wakec:
		case <-ctx.Done():
			return
		}
	}
}

// Quit makes Run return after running what is already queued. Later
// posts are discarded.
func (l *Looper) Quit() {
	l.mu.Lock()
	l.quit = true
	l.mu.Unlock()
	select {
	case l.wakec <- struct{}{}:
	default:
	}
}
