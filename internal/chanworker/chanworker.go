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

// Package chanworker runs a fixed number of goroutines over a bounded
// queue of work items.
package chanworker

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Pool feeds items submitted with Submit to nWorkers goroutines running
// fn. Pending items wait in a FIFO of at most capacity entries; when
// the FIFO is full, the oldest pending item is discarded and passed to
// the pool's drop function, so Submit never blocks on a busy pool.
type Pool struct {
	fn   func(item interface{})
	drop func(item interface{})

	c     chan interface{} // submissions, drained by pump
	workc chan interface{} // unbuffered; pending items stay in buf
	donec chan bool        // when workers finish
	buf   *list.List       // owned by pump
	cap   int

	closeMu sync.RWMutex // held for reading while sending on c
	closed  bool
	stopped chan struct{}

	pending atomic.Int64
	dropped atomic.Int64
}

// New starts a pool of nWorkers goroutines running fn on submitted
// items. drop, which may be nil, is called on its own goroutine for
// every item discarded because the queue was full.
// If nWorkers or capacity is not positive, New panics.
func New(nWorkers, capacity int, fn, drop func(item interface{})) *Pool {
	if nWorkers <= 0 {
		panic("chanworker: invalid number of workers")
	}
	if capacity <= 0 {
		panic("chanworker: invalid queue capacity")
	}
	p := &Pool{
		fn:      fn,
		drop:    drop,
		c:       make(chan interface{}),
		workc:   make(chan interface{}),
		donec:   make(chan bool),
		buf:     list.New(),
		cap:     capacity,
		stopped: make(chan struct{}),
	}
	go p.pump()
	for i := 0; i < nWorkers; i++ {
		go p.work()
	}
	go func() {
		for i := 0; i < nWorkers; i++ {
			<-p.donec
		}
		close(p.stopped)
	}()
	return p
}

// Submit queues item for a worker. It returns false if the pool is closed.
func (p *Pool) Submit(item interface{}) bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return false
	}
	p.c <- item
	return true
}

// Close stops accepting items and waits for the workers to exit.
// Items already queued are still run.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.c)
	}
	p.closeMu.Unlock()
	<-p.stopped
}

// Pending returns the number of queued items not yet handed to a worker.
func (p *Pool) Pending() int64 { return p.pending.Load() }

// Dropped returns how many items were discarded because the queue was full.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

func (p *Pool) pump() {
	inc := p.c
	for inc != nil || p.buf.Len() > 0 {
		outc := p.workc
		var frontNode interface{}
		if e := p.buf.Front(); e != nil {
			frontNode = e.Value
		} else {
			outc = nil
		}
		select {
		case outc <- frontNode:
			p.buf.Remove(p.buf.Front())
		case el, ok := <-inc:
			if !ok {
				inc = nil
				continue
			}
			if p.buf.Len() >= p.cap {
				victim := p.buf.Remove(p.buf.Front())
				p.dropped.Add(1)
				if p.drop != nil {
					go p.drop(victim)
				}
			}
			p.buf.PushBack(el)
		}
		p.pending.Store(int64(p.buf.Len()))
	}
	close(p.workc)
}

func (p *Pool) work() {
	for n := range p.workc {
		p.fn(n)
	}
	p.donec <- true
}
