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

// Package tiledecode decodes tiles of large images on a dedicated
// worker goroutine.
//
// An Executor serves one viewing session. Init opens a region decoder
// for an image and DecodeTile decodes regions of it, one message at a
// time. Every Init and Clean starts a new generation; work planned for
// an older generation is reported as expired instead of being
// delivered.
package tiledecode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"perkeep.org/imgload/pkg/dispatch"
	"perkeep.org/imgload/pkg/images"
	"perkeep.org/imgload/pkg/loaderr"
)

// DefaultIdleTimeout is how long the worker waits for messages before
// exiting.
const DefaultIdleTimeout = 5 * time.Second

var (
	ErrInitSuperseded      = errors.New("tiledecode: init superseded by a newer init")
	ErrExpiredBeforeDecode = errors.New("tiledecode: tile expired before decode")
	ErrExpiredAfterDecode  = errors.New("tiledecode: tile expired after decode")
	ErrDegenerateTile      = errors.New("tiledecode: degenerate tile geometry")
	ErrDecoderNotReady     = errors.New("tiledecode: decoder not ready")
	ErrClosed              = errors.New("tiledecode: executor closed")
)

// An Opener opens a region decoder for an image.
type Opener interface {
	OpenRegion(ctx context.Context, uri string) (images.RegionDecoder, error)
}

// OpenerFunc adapts a function to an Opener.
type OpenerFunc func(ctx context.Context, uri string) (images.RegionDecoder, error)

func (f OpenerFunc) OpenRegion(ctx context.Context, uri string) (images.RegionDecoder, error) {
	return f(ctx, uri)
}

// Callbacks receive an executor's results on its poster.
type Callbacks interface {
	OnInitSucceeded(uri string, gen int64, info images.RegionInfo)
	OnInitFailed(uri string, gen int64, err error)
	// OnTileDecoded hands the tile, with its Bitmap set, to the
	// receiver, who must Release it.
	OnTileDecoded(t *Tile)
	OnTileFailed(t *Tile, err error)
}

// CallbackFuncs is a Callbacks built from optional functions.
type CallbackFuncs struct {
	InitSucceeded func(uri string, gen int64, info images.RegionInfo)
	InitFailed    func(uri string, gen int64, err error)
	TileDecoded   func(t *Tile)
	TileFailed    func(t *Tile, err error)
}

func (f CallbackFuncs) OnInitSucceeded(uri string, gen int64, info images.RegionInfo) {
	if f.InitSucceeded != nil {
		f.InitSucceeded(uri, gen, info)
	}
}

func (f CallbackFuncs) OnInitFailed(uri string, gen int64, err error) {
	if f.InitFailed != nil {
		f.InitFailed(uri, gen, err)
	}
}

// OnTileDecoded releases the tile if TileDecoded is nil.
func (f CallbackFuncs) OnTileDecoded(t *Tile) {
	if f.TileDecoded != nil {
		f.TileDecoded(t)
		return
	}
	t.Release()
}

func (f CallbackFuncs) OnTileFailed(t *Tile, err error) {
	if f.TileFailed != nil {
		f.TileFailed(t, err)
	}
}

type Options struct {
	Opener Opener
	// Poster delivers callbacks. Nil means dispatch.Inline.
	Poster    dispatch.Poster
	Callbacks Callbacks
	// IdleTimeout is how long the worker outlives its last message.
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Messages handled by the worker.
type (
	message interface{ isMessage() }

	initMsg struct {
		uri string
		gen int64
	}
	decodeMsg struct {
		tile *Tile
	}
	cleanMsg struct {
		gen int64
	}
)

func (initMsg) isMessage()   {}
func (decodeMsg) isMessage() {}
func (cleanMsg) isMessage()  {}

type Executor struct {
	opener Opener
	poster dispatch.Poster
	cb     Callbacks
	idle   time.Duration
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	gen atomic.Int64

	mu      sync.Mutex
	queue   []message
	running bool // a worker goroutine is alive
	closed  bool
	wakec   chan struct{}
	wg      sync.WaitGroup

	// Owned by whichever worker goroutine is running.
	dec    images.RegionDecoder
	decGen int64
	decURI string
}

func New(opts Options) *Executor {
	e := &Executor{
		opener: opts.Opener,
		poster: opts.Poster,
		cb:     opts.Callbacks,
		idle:   opts.IdleTimeout,
		log:    opts.Logger,
		wakec:  make(chan struct{}, 1),
	}
	if e.poster == nil {
		e.poster = dispatch.Inline
	}
	if e.cb == nil {
		e.cb = CallbackFuncs{}
	}
	if e.idle <= 0 {
		e.idle = DefaultIdleTimeout
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Generation returns the current generation.
func (e *Executor) Generation() int64 { return e.gen.Load() }

// Init starts a new generation and opens a decoder for uri. Inits still
// queued are reported as superseded. It returns the new generation,
// which tiles for uri must carry.
func (e *Executor) Init(uri string) int64 {
	e.mu.Lock()
	if e.closed {
		gen := e.gen.Load()
		e.mu.Unlock()
		e.post(func() { e.cb.OnInitFailed(uri, gen, ErrClosed) })
		return gen
	}
	gen := e.gen.Add(1)
	var superseded []initMsg
	kept := e.queue[:0]
	for _, m := range e.queue {
		if im, ok := m.(initMsg); ok {
			superseded = append(superseded, im)
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = nil
	}
	e.queue = append(kept, initMsg{uri: uri, gen: gen})
	e.kickLocked()
	e.mu.Unlock()

	for _, im := range superseded {
		e.supersede(im)
	}
	return gen
}

func (e *Executor) supersede(im initMsg) {
	e.post(func() { e.cb.OnInitFailed(im.uri, im.gen, ErrInitSuperseded) })
}

// DecodeTile queues t for decoding. The outcome is reported through
// OnTileDecoded or OnTileFailed.
func (e *Executor) DecodeTile(t *Tile) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.post(func() { e.cb.OnTileFailed(t, ErrClosed) })
		return
	}
	e.queue = append(e.queue, decodeMsg{tile: t})
	e.kickLocked()
	e.mu.Unlock()
}

// Clean starts a new generation and releases the decoder. It returns
// the new generation.
func (e *Executor) Clean() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	gen := e.gen.Add(1)
	if !e.closed {
		e.queue = append(e.queue, cleanMsg{gen: gen})
		e.kickLocked()
	}
	return gen
}

// Close ends the session. Queued work is reported as expired or
// superseded, the decoder is released and the worker exits.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	gen := e.gen.Add(1)
	e.queue = append(e.queue, cleanMsg{gen: gen})
	e.kickLocked()
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Executor) kickLocked() {
	if !e.running {
		e.running = true
		e.wg.Add(1)
		go e.loop()
		return
	}
	select {
	case e.wakec <- struct{}{}:
	default:
	}
}

func (e *Executor) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Executor) post(fn func()) { e.poster.Post(fn) }

func (e *Executor) loop() {
	defer e.wg.Done()
	for {
		m, ok := e.next()
		if !ok {
			return
		}
		switch m := m.(type) {
		case initMsg:
			e.handleInit(m)
		case decodeMsg:
			e.handleDecode(m.tile)
		case cleanMsg:
			e.handleClean(m.gen)
		}
	}
}

// next returns the next message, or false once the queue stayed empty
// for the idle timeout or the executor is closed.
func (e *Executor) next() (message, bool) {
	timer := time.NewTimer(e.idle)
	defer timer.Stop()
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			m := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return m, true
		}
		if e.closed {
			e.running = false
			e.mu.Unlock()
			return nil, false
		}
		e.mu.Unlock()

		select {
		case <-e.wakec:
		case <-timer.C:
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.running = false
				e.mu.Unlock()
				e.log.Debug("tile worker idle, exiting")
				return nil, false
			}
			e.mu.Unlock()
		}
	}
}

func (e *Executor) closeDecoder() {
	if e.dec == nil {
		return
	}
	if err := e.dec.Close(); err != nil {
		e.log.Warn("closing region decoder", zap.String("uri", e.decURI), zap.Error(err))
	}
	e.dec, e.decGen, e.decURI = nil, 0, ""
}

func (e *Executor) open(uri string) (dec images.RegionDecoder, err error) {
	defer func() {
		if r := recover(); r != nil {
			dec, err = nil, errors.Newf("region decoder panic: %v", r)
		}
	}()
	return e.opener.OpenRegion(e.ctx, uri)
}

func (e *Executor) handleInit(m initMsg) {
	if m.gen != e.gen.Load() {
		e.supersede(m)
		return
	}
	e.closeDecoder()
	dec, err := e.open(m.uri)
	if err != nil {
		if loaderr.KindOf(err) == loaderr.KindUnknown {
			err = loaderr.New(loaderr.KindDecode, "init", err)
		}
		e.log.Info("tile decoder init failed", zap.String("uri", m.uri), zap.Error(err))
		e.post(func() { e.cb.OnInitFailed(m.uri, m.gen, err) })
		return
	}
	if m.gen != e.gen.Load() {
		dec.Close()
		e.supersede(m)
		return
	}
	e.dec, e.decGen, e.decURI = dec, m.gen, m.uri
	info := dec.Info()
	e.post(func() {
		if m.gen != e.gen.Load() {
			e.cb.OnInitFailed(m.uri, m.gen, ErrInitSuperseded)
			return
		}
		e.cb.OnInitSucceeded(m.uri, m.gen, info)
	})
}

func (e *Executor) fail(t *Tile, err error) {
	e.post(func() { e.cb.OnTileFailed(t, err) })
}

func (e *Executor) handleDecode(t *Tile) {
	cur := e.gen.Load()
	switch {
	case t.Generation != cur:
		e.fail(t, ErrExpiredBeforeDecode)
		return
	case t.Degenerate():
		e.fail(t, loaderr.New(loaderr.KindMisuse, "decode tile", ErrDegenerateTile))
		return
	case e.dec == nil || e.decGen != cur:
		e.fail(t, loaderr.New(loaderr.KindDecode, "decode tile", ErrDecoderNotReady))
		return
	}
	bm, err := e.dec.DecodeRegion(t.Src, t.Sample)
	if err != nil {
		e.fail(t, loaderr.New(loaderr.KindDecode, "decode tile", err))
		return
	}
	if t.Generation != e.gen.Load() {
		bm.Release()
		e.fail(t, ErrExpiredAfterDecode)
		return
	}
	e.post(func() {
		if t.Generation != e.gen.Load() {
			bm.Release()
			e.cb.OnTileFailed(t, ErrExpiredAfterDecode)
			return
		}
		t.Bitmap = bm
		e.cb.OnTileDecoded(t)
	})
}

func (e *Executor) handleClean(gen int64) {
	if e.dec != nil && e.decGen < gen {
		e.closeDecoder()
	}
}
