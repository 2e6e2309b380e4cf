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

// Package dispatch routes load requests to bounded worker pools and
// delivers their outcomes to listeners.
//
// A dispatch pool of one worker classifies each request by URI scheme
// and hands it to either the network pool or the local pool. Each pool
// queues a bounded number of requests; when a queue is full its oldest
// request fails with loaderr.ErrQueueSaturated.
package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"perkeep.org/imgload/internal/chanworker"
	"perkeep.org/imgload/pkg/loaderr"
)

const (
	DefaultNetworkWorkers = 5
	DefaultQueueCapacity  = 64
)

// ErrClosed is the cause of requests submitted after Close.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// Route is the pool a request runs on.
type Route int

const (
	RouteNetwork Route = iota
	RouteLocal
)

func (r Route) String() string {
	if r == RouteNetwork {
		return "network"
	}
	return "local"
}

// Classify returns the route for uri. URIs without a scheme are local
// file paths.
func Classify(uri string) (Route, error) {
	scheme, ok := Scheme(uri)
	if !ok {
		return RouteLocal, nil
	}
	switch scheme {
	case "http", "https":
		return RouteNetwork, nil
	case "file", "asset", "content", "data":
		return RouteLocal, nil
	}
	return 0, loaderr.New(loaderr.KindMisuse, "classify", errors.Wrapf(loaderr.ErrUnknownScheme, "%q", scheme))
}

// Scheme returns the lower-cased URI scheme of uri, or false if uri has none.
func Scheme(uri string) (string, bool) {
	i := strings.IndexByte(uri, ':')
	if i <= 0 {
		return "", false
	}
	for j := 0; j < i; j++ {
		c := uri[j]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case j > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return "", false
		}
	}
	if i == 1 {
		// A drive letter, not a scheme.
		return "", false
	}
	return strings.ToLower(uri[:i]), true
}

// A Handler does the work of a request on a pool goroutine. progress
// reports download progress. A canceled outcome is returned as an
// error for which loaderr.IsCanceled is true.
type Handler interface {
	Handle(ctx context.Context, r *Request, progress func(total, completed int64)) (interface{}, Source, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, r *Request, progress func(total, completed int64)) (interface{}, Source, error)

func (f HandlerFunc) Handle(ctx context.Context, r *Request, progress func(total, completed int64)) (interface{}, Source, error) {
	return f(ctx, r, progress)
}

type Options struct {
	// NetworkWorkers is the size of the network pool.
	NetworkWorkers int
	// QueueCapacity bounds each pool's queue.
	QueueCapacity int
	// OnDrop, if non-nil, is called for each request dropped by a
	// saturated queue.
	OnDrop func(r *Request, route string)
	Logger *zap.Logger
}

type Dispatcher struct {
	h      Handler
	onDrop func(*Request, string)
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dispatch *chanworker.Pool
	network  *chanworker.Pool
	local    *chanworker.Pool

	closeOnce sync.Once
}

// New starts a dispatcher running h for every submitted request.
func New(h Handler, opts Options) *Dispatcher {
	if opts.NetworkWorkers <= 0 {
		opts.NetworkWorkers = DefaultNetworkWorkers
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	d := &Dispatcher{h: h, onDrop: opts.OnDrop, log: opts.Logger}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.dispatch = chanworker.New(1, opts.QueueCapacity, d.route, d.dropper("dispatch"))
	d.network = chanworker.New(opts.NetworkWorkers, opts.QueueCapacity, d.run, d.dropper("network"))
	d.local = chanworker.New(1, opts.QueueCapacity, d.run, d.dropper("local"))
	return d
}

// Submit queues r. Its outcome is delivered to its listener.
func (d *Dispatcher) Submit(r *Request) {
	if !d.dispatch.Submit(r) {
		r.finish(Failed, nil, 0, loaderr.New(loaderr.KindMisuse, "submit", ErrClosed), false)
	}
}

// Resolve completes r immediately on the calling goroutine. Loaders use
// it for results that need no work, such as memory cache hits.
func (d *Dispatcher) Resolve(r *Request, result interface{}, src Source) bool {
	r.state.CompareAndSwap(int32(Pending), int32(Running))
	return r.finish(Completed, result, src, nil, true)
}

// Fail ends r with err, delivered through its poster.
func (d *Dispatcher) Fail(r *Request, err error) bool {
	return r.complete(nil, 0, err)
}

func (d *Dispatcher) route(item interface{}) {
	r := item.(*Request)
	if err := r.Checkpoint("dispatch"); err != nil {
		r.finish(Canceled, nil, 0, err, false)
		return
	}
	rt, err := Classify(r.URI)
	if err != nil {
		d.log.Info("rejecting request", zap.String("id", r.ID), zap.String("uri", abbrev(r.URI)), zap.Error(err))
		r.finish(Failed, nil, 0, err, false)
		return
	}
	pool := d.local
	if rt == RouteNetwork {
		pool = d.network
	}
	if !pool.Submit(r) {
		r.finish(Failed, nil, 0, loaderr.New(loaderr.KindMisuse, "submit", ErrClosed), false)
	}
}

func (d *Dispatcher) run(item interface{}) {
	r := item.(*Request)
	if err := r.Checkpoint("pre-run"); err != nil {
		r.finish(Canceled, nil, 0, err, false)
		return
	}
	if !r.start() {
		return
	}
	result, src, err := d.handle(r)
	if !r.complete(result, src, err) {
		d.log.Debug("request finished twice", zap.String("id", r.ID))
	}
}

func (d *Dispatcher) handle(r *Request) (result interface{}, src Source, err error) {
	defer func() {
		if e := recover(); e != nil {
			d.log.Error("handler panic", zap.String("id", r.ID), zap.Any("panic", e))
			result, err = nil, loaderr.Newf(loaderr.KindUnknown, "handle", "handler panic: %v", e)
		}
	}()
	return d.h.Handle(d.ctx, r, r.progress)
}

func (d *Dispatcher) dropper(pool string) func(interface{}) {
	return func(item interface{}) {
		r := item.(*Request)
		d.log.Warn("queue saturated, dropping oldest request",
			zap.String("pool", pool), zap.String("id", r.ID), zap.String("uri", abbrev(r.URI)))
		if d.onDrop != nil {
			d.onDrop(r, pool)
		}
		r.finish(Failed, nil, 0, loaderr.New(loaderr.KindOverload, pool, loaderr.ErrQueueSaturated), false)
	}
}

// Stats reports queue depths and drop counts per pool.
type Stats struct {
	DispatchPending, NetworkPending, LocalPending int64
	Dropped                                       int64
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		DispatchPending: d.dispatch.Pending(),
		NetworkPending:  d.network.Pending(),
		LocalPending:    d.local.Pending(),
		Dropped:         d.dispatch.Dropped() + d.network.Dropped() + d.local.Dropped(),
	}
}

// Close stops accepting requests, runs the ones already queued and waits
// for the workers to exit.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.dispatch.Close()
		d.network.Close()
		d.local.Close()
		d.cancel()
	})
	return nil
}

// abbrev shortens long URIs, such as data: URIs, for logging.
func abbrev(uri string) string {
	const maxLen = 96
	if len(uri) <= maxLen {
		return uri
	}
	return uri[:maxLen] + "..."
}
