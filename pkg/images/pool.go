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

package images

import (
	"image"
	"sync"
	"sync/atomic"
)

// DefaultPoolDepth is the number of free buffers a Pool keeps per size.
const DefaultPoolDepth = 4

// A Pool recycles NRGBA pixel buffers keyed by their dimensions.
// A nil *Pool is valid: Get allocates and Put discards.
type Pool struct {
	depth int

	mu   sync.Mutex
	free map[image.Point][]*image.NRGBA

	gets, hits, puts atomic.Int64
}

// NewPool returns a Pool keeping at most depth free buffers for each
// distinct size. A non-positive depth means DefaultPoolDepth.
func NewPool(depth int) *Pool {
	if depth <= 0 {
		depth = DefaultPoolDepth
	}
	return &Pool{depth: depth, free: make(map[image.Point][]*image.NRGBA)}
}

// Get returns a zeroed w×h image with origin (0, 0).
func (p *Pool) Get(w, h int) *image.NRGBA {
	if p == nil {
		return image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	p.gets.Add(1)
	key := image.Point{w, h}
	p.mu.Lock()
	if l := p.free[key]; len(l) > 0 {
		m := l[len(l)-1]
		l[len(l)-1] = nil
		p.free[key] = l[:len(l)-1]
		p.mu.Unlock()
		p.hits.Add(1)
		clear(m.Pix)
		return m
	}
	p.mu.Unlock()
	return image.NewNRGBA(image.Rect(0, 0, w, h))
}

// Put returns m to the pool. The caller must not use m afterwards.
func (p *Pool) Put(m *image.NRGBA) {
	if p == nil || m == nil {
		return
	}
	b := m.Bounds()
	if b.Min != (image.Point{}) || m.Stride != 4*b.Dx() {
		return
	}
	p.puts.Add(1)
	key := b.Size()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free[key]) < p.depth {
		p.free[key] = append(p.free[key], m)
	}
}

// PoolStats is a snapshot of a Pool's accounting.
type PoolStats struct {
	Gets int64 // buffers requested
	Hits int64 // requests served from the free list
	Puts int64 // buffers returned
	Free int   // buffers currently held
}

func (p *Pool) Stats() PoolStats {
	if p == nil {
		return PoolStats{}
	}
	p.mu.Lock()
	n := 0
	for _, l := range p.free {
		n += len(l)
	}
	p.mu.Unlock()
	return PoolStats{Gets: p.gets.Load(), Hits: p.hits.Load(), Puts: p.puts.Load(), Free: n}
}

// A Bitmap is a reference-counted decoded image. The buffer goes back
// to its Pool when the last reference is released.
type Bitmap struct {
	Image *image.NRGBA
	// Orientation is the EXIF orientation that was applied to Image.
	Orientation Orientation

	pool *Pool
	refs atomic.Int32
}

// NewBitmap wraps m with one reference. pool may be nil.
func NewBitmap(m *image.NRGBA, pool *Pool) *Bitmap {
	b := &Bitmap{Image: m, pool: pool, Orientation: OrientNormal}
	b.refs.Store(1)
	return b
}

// Hold adds a reference and returns b.
func (b *Bitmap) Hold() *Bitmap {
	if b.refs.Add(1) <= 1 {
		panic("images: Hold on released Bitmap")
	}
	return b
}

// Release drops a reference. It panics if b was already fully released.
func (b *Bitmap) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		b.pool.Put(b.Image)
	case n < 0:
		panic("images: Bitmap released too many times")
	}
}

// Refs returns the current reference count.
func (b *Bitmap) Refs() int { return int(b.refs.Load()) }

// Cost is the size of the pixel buffer in bytes.
func (b *Bitmap) Cost() int64 { return int64(len(b.Image.Pix)) }

func (b *Bitmap) Width() int  { return b.Image.Rect.Dx() }
func (b *Bitmap) Height() int { return b.Image.Rect.Dy() }
