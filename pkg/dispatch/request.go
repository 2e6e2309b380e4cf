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
	"sync/atomic"

	"github.com/google/uuid"

	"perkeep.org/imgload/pkg/loaderr"
)

// State is a Request's position in its lifecycle. Requests move from
// Pending to Running to one of the terminal states, or straight from
// Pending to a terminal state. Terminal states are final.
type State int32

const (
	Pending State = iota
	Running
	Completed
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// Terminal reports whether s is final.
func (s State) Terminal() bool { return s >= Completed }

// Source is where a completed result came from.
type Source int

const (
	SourceNetwork Source = iota
	SourceLocalCache
	SourceMemoryCache
)

func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourceLocalCache:
		return "localCache"
	case SourceMemoryCache:
		return "memoryCache"
	}
	return "unknown"
}

// A Request is one caller's ask for a resource. Its events are delivered
// to its Listener through its Poster: any number of Started and Progress
// events, then exactly one of Completed, Failed or Canceled.
type Request struct {
	ID  string
	URI string
	Key string
	// Value carries handler-specific parameters.
	Value interface{}

	listener Listener
	poster   Poster

	state    atomic.Int32
	canceled atomic.Bool
	done     chan struct{}

	mu     sync.Mutex
	result interface{}
	source Source
	err    error
}

// NewRequest returns a pending request. A nil listener discards events
// and a nil poster delivers them on the emitting goroutine.
func NewRequest(uri, key string, value interface{}, l Listener, p Poster) *Request {
	if l == nil {
		l = ListenerFuncs{}
	}
	if p == nil {
		p = Inline
	}
	return &Request{
		ID:       uuid.NewString(),
		URI:      uri,
		Key:      key,
		Value:    value,
		listener: l,
		poster:   p,
		done:     make(chan struct{}),
	}
}

func (r *Request) State() State { return State(r.state.Load()) }

// Cancel asks the request to stop. The work observes it at its next
// checkpoint; a request that already finished is unaffected.
func (r *Request) Cancel() { r.canceled.Store(true) }

func (r *Request) Canceled() bool { return r.canceled.Load() }

// Checkpoint returns a canceled error naming the checkpoint if the
// request was canceled.
func (r *Request) Checkpoint(name string) error {
	if r.canceled.Load() {
		return loaderr.Canceled(name)
	}
	return nil
}

// Done is closed once the terminal event has been delivered, or
// discarded by a Looper that has quit.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the terminal event has been delivered or ctx ends.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Request) Result() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Request) Source() Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Err is the failure or cancellation cause, or nil.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// start moves the request to Running and emits Started.
func (r *Request) start() bool {
	if !r.state.CompareAndSwap(int32(Pending), int32(Running)) {
		return false
	}
	r.poster.Post(func() { r.listener.OnStarted(r) })
	return true
}

func (r *Request) progress(total, completed int64) {
	if r.State() != Running {
		return
	}
	r.poster.Post(func() { r.listener.OnProgress(r, total, completed) })
}

// finish moves the request to a terminal state and delivers the
// matching event. It reports false if the request had already finished.
func (r *Request) finish(st State, result interface{}, src Source, err error, inline bool) bool {
	for {
		cur := r.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if r.state.CompareAndSwap(cur, int32(st)) {
			break
		}
	}
	r.mu.Lock()
	r.result, r.source, r.err = result, src, err
	r.mu.Unlock()
	deliver := func() {
		defer close(r.done)
		switch st {
		case Completed:
			r.listener.OnCompleted(r, result, src)
		case Canceled:
			r.listener.OnCanceled(r)
		default:
			r.listener.OnFailed(r, err)
		}
	}
	if inline {
		deliver()
	} else if dp, ok := r.poster.(dropNotifier); ok {
		dp.postOrDrop(deliver, func() { close(r.done) })
	} else {
		r.poster.Post(deliver)
	}
	return true
}

// complete finishes r from the outcome of its work.
func (r *Request) complete(result interface{}, src Source, err error) bool {
	switch {
	case err == nil:
		return r.finish(Completed, result, src, nil, false)
	case loaderr.IsCanceled(err):
		return r.finish(Canceled, nil, src, err, false)
	}
	return r.finish(Failed, nil, src, err, false)
}
