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

package tiledecode

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perkeep.org/imgload/pkg/dispatch"
	"perkeep.org/imgload/pkg/images"
	"perkeep.org/imgload/pkg/loaderr"
)

func pngData(t *testing.T, w, h int) []byte {
	t.Helper()
	m := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, m))
	return buf.Bytes()
}

// gatedDecoder can hold its first DecodeRegion until gate is closed.
type gatedDecoder struct {
	images.RegionDecoder
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func (g *gatedDecoder) DecodeRegion(r image.Rectangle, sample int) (*images.Bitmap, error) {
	g.once.Do(func() {
		if g.gate != nil {
			close(g.started)
			<-g.gate
		}
	})
	return g.RegionDecoder.DecodeRegion(r, sample)
}

func (g *gatedDecoder) Close() error {
	g.closed.Store(true)
	return g.RegionDecoder.Close()
}

type initResult struct {
	uri  string
	gen  int64
	info images.RegionInfo
	err  error
}

type tileResult struct {
	tile *Tile
	err  error
}

type fixture struct {
	t    *testing.T
	pool *images.Pool
	data map[string][]byte
	exec *Executor

	inits chan initResult
	tiles chan tileResult

	mu       sync.Mutex
	decoders map[string]*gatedDecoder
	gated    map[string]*gatedDecoder // decoders to hand out gated
	openGate map[string]chan struct{}
	opening  chan string
}

func newFixture(t *testing.T, opts Options) *fixture {
	f := &fixture{
		t:        t,
		pool:     images.NewPool(4),
		data:     map[string][]byte{"a": pngData(t, 10, 6), "b": pngData(t, 4, 4), "c": pngData(t, 3, 3)},
		inits:    make(chan initResult, 16),
		tiles:    make(chan tileResult, 16),
		decoders: make(map[string]*gatedDecoder),
		gated:    make(map[string]*gatedDecoder),
		openGate: make(map[string]chan struct{}),
		opening:  make(chan string, 16),
	}
	opts.Opener = OpenerFunc(f.open)
	opts.Callbacks = CallbackFuncs{
		InitSucceeded: func(uri string, gen int64, info images.RegionInfo) {
			f.inits <- initResult{uri: uri, gen: gen, info: info}
		},
		InitFailed: func(uri string, gen int64, err error) {
			f.inits <- initResult{uri: uri, gen: gen, err: err}
		},
		TileDecoded: func(tile *Tile) { f.tiles <- tileResult{tile: tile} },
		TileFailed:  func(tile *Tile, err error) { f.tiles <- tileResult{tile: tile, err: err} },
	}
	f.exec = New(opts)
	t.Cleanup(func() { f.exec.Close() })
	return f
}

func (f *fixture) open(ctx context.Context, uri string) (images.RegionDecoder, error) {
	f.opening <- uri
	f.mu.Lock()
	gate := f.openGate[uri]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	data, ok := f.data[uri]
	if !ok {
		return nil, errors.Newf("no image %q", uri)
	}
	rd, err := images.NewRegionDecoder(bytes.NewReader(data), f.pool)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.gated[uri]
	if g == nil {
		g = new(gatedDecoder)
	}
	g.RegionDecoder = rd
	f.decoders[uri] = g
	return g, nil
}

// gateDecode makes the first tile decoded from uri wait for the
// returned release function.
func (f *fixture) gateDecode(uri string) (started <-chan struct{}, release func()) {
	g := &gatedDecoder{started: make(chan struct{}), gate: make(chan struct{})}
	f.mu.Lock()
	f.gated[uri] = g
	f.mu.Unlock()
	return g.started, func() { close(g.gate) }
}

func (f *fixture) decoder(uri string) *gatedDecoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decoders[uri]
}

func (f *fixture) nextInit() initResult {
	f.t.Helper()
	select {
	case r := <-f.inits:
		return r
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for init result")
	}
	panic("unreachable")
}

func (f *fixture) nextTile() tileResult {
	f.t.Helper()
	select {
	case r := <-f.tiles:
		return r
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for tile result")
	}
	panic("unreachable")
}

func (f *fixture) mustInit(uri string) int64 {
	f.t.Helper()
	gen := f.exec.Init(uri)
	r := f.nextInit()
	require.NoError(f.t, r.err)
	require.Equal(f.t, uri, r.uri)
	require.Equal(f.t, gen, r.gen)
	return gen
}

func TestInitAndDecode(t *testing.T) {
	f := newFixture(t, Options{})
	gen := f.exec.Init("a")
	r := f.nextInit()
	require.NoError(t, r.err)
	assert.Equal(t, gen, r.gen)
	assert.Equal(t, 10, r.info.Width)
	assert.Equal(t, 6, r.info.Height)
	assert.Equal(t, "png", r.info.Format)

	tile := &Tile{Src: image.Rect(2, 1, 7, 4), Sample: 1, Generation: gen}
	f.exec.DecodeTile(tile)
	tr := f.nextTile()
	require.NoError(t, tr.err)
	require.Same(t, tile, tr.tile)
	require.NotNil(t, tile.Bitmap)
	assert.Equal(t, 5, tile.Bitmap.Width())
	assert.Equal(t, 3, tile.Bitmap.Height())

	tile.Release()
	assert.Nil(t, tile.Bitmap)
	assert.Equal(t, 1, f.pool.Stats().Free)
}

func TestDecodeSampled(t *testing.T) {
	f := newFixture(t, Options{})
	gen := f.mustInit("a")
	tile := &Tile{Src: image.Rect(0, 0, 10, 6), Sample: 4, Generation: gen}
	f.exec.DecodeTile(tile)
	tr := f.nextTile()
	require.NoError(t, tr.err)
	assert.Equal(t, 3, tile.Bitmap.Width())
	assert.Equal(t, 2, tile.Bitmap.Height())
	tile.Release()
}

func TestDecodeRejections(t *testing.T) {
	f := newFixture(t, Options{})

	f.exec.DecodeTile(&Tile{Src: image.Rect(0, 0, 2, 2), Sample: 1, Generation: 0})
	tr := f.nextTile()
	assert.ErrorIs(t, tr.err, ErrDecoderNotReady)
	assert.True(t, loaderr.Is(tr.err, loaderr.KindDecode))

	gen := f.mustInit("a")
	for _, tile := range []*Tile{
		{Src: image.Rect(3, 3, 3, 5), Sample: 1, Generation: gen},
		{Src: image.Rect(0, 0, 2, 2), Sample: 0, Generation: gen},
	} {
		f.exec.DecodeTile(tile)
		tr := f.nextTile()
		assert.ErrorIs(t, tr.err, ErrDegenerateTile)
		assert.True(t, loaderr.Is(tr.err, loaderr.KindMisuse))
		assert.Nil(t, tile.Bitmap)
	}

	f.exec.DecodeTile(&Tile{Src: image.Rect(0, 0, 2, 2), Sample: 1, Generation: gen - 1})
	assert.ErrorIs(t, f.nextTile().err, ErrExpiredBeforeDecode)
}

func TestInitOtherResourceExpiresTiles(t *testing.T) {
	f := newFixture(t, Options{})
	started, release := f.gateDecode("a")
	gen := f.mustInit("a")

	t1 := &Tile{Src: image.Rect(0, 0, 4, 4), Sample: 1, Generation: gen}
	t2 := &Tile{Src: image.Rect(4, 0, 8, 4), Sample: 1, Generation: gen}
	f.exec.DecodeTile(t1)
	<-started
	f.exec.DecodeTile(t2)
	genB := f.exec.Init("b")
	require.Greater(t, genB, gen)
	release()

	r1 := f.nextTile()
	assert.Same(t, t1, r1.tile)
	assert.ErrorIs(t, r1.err, ErrExpiredAfterDecode)
	r2 := f.nextTile()
	assert.Same(t, t2, r2.tile)
	assert.ErrorIs(t, r2.err, ErrExpiredBeforeDecode)
	assert.Nil(t, t1.Bitmap)
	assert.Nil(t, t2.Bitmap)

	ri := f.nextInit()
	require.NoError(t, ri.err)
	assert.Equal(t, "b", ri.uri)
	assert.Equal(t, genB, ri.gen)

	st := f.pool.Stats()
	assert.EqualValues(t, 1, st.Gets, "only the first tile was decoded")
	assert.EqualValues(t, 1, st.Puts, "its buffer went back exactly once")
	assert.True(t, f.decoder("a").closed.Load())
}

func TestNewInitSupersedesQueued(t *testing.T) {
	f := newFixture(t, Options{})
	gate := make(chan struct{})
	f.mu.Lock()
	f.openGate["a"] = gate
	f.mu.Unlock()

	genA := f.exec.Init("a")
	require.Equal(t, "a", <-f.opening)
	genB := f.exec.Init("b")
	genC := f.exec.Init("c")

	rb := f.nextInit()
	assert.Equal(t, "b", rb.uri)
	assert.Equal(t, genB, rb.gen)
	assert.ErrorIs(t, rb.err, ErrInitSuperseded)

	close(gate)
	ra := f.nextInit()
	assert.Equal(t, "a", ra.uri)
	assert.Equal(t, genA, ra.gen)
	assert.ErrorIs(t, ra.err, ErrInitSuperseded)

	rc := f.nextInit()
	require.NoError(t, rc.err)
	assert.Equal(t, "c", rc.uri)
	assert.Equal(t, genC, rc.gen)
	assert.True(t, f.decoder("a").closed.Load(), "superseded decoder must be closed")
}

func TestDeliveryRechecksGeneration(t *testing.T) {
	l := dispatch.NewLooper()
	f := newFixture(t, Options{Poster: l})

	gen := f.exec.Init("a")
	require.Eventually(t, func() bool { return l.Len() > 0 }, 5*time.Second, time.Millisecond)
	l.RunPending()
	require.NoError(t, f.nextInit().err)

	tile := &Tile{Src: image.Rect(0, 0, 5, 5), Sample: 1, Generation: gen}
	f.exec.DecodeTile(tile)
	require.Eventually(t, func() bool { return l.Len() > 0 }, 5*time.Second, time.Millisecond)
	f.exec.Clean()
	l.RunPending()

	tr := f.nextTile()
	assert.ErrorIs(t, tr.err, ErrExpiredAfterDecode)
	assert.Nil(t, tile.Bitmap)
	assert.EqualValues(t, 1, f.pool.Stats().Puts)
}

func TestInitFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.exec.Init("missing")
	r := f.nextInit()
	require.Error(t, r.err)
	assert.True(t, loaderr.Is(r.err, loaderr.KindDecode))
}

func TestIdleWorkerExitsAndRestarts(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 20 * time.Millisecond})
	gen := f.mustInit("a")
	require.Eventually(t, func() bool { return !f.exec.isRunning() }, 5*time.Second, time.Millisecond)

	tile := &Tile{Src: image.Rect(0, 0, 3, 3), Sample: 1, Generation: gen}
	f.exec.DecodeTile(tile)
	tr := f.nextTile()
	require.NoError(t, tr.err, "decoder must survive worker teardown")
	tile.Release()
}

func TestCleanReleasesDecoder(t *testing.T) {
	f := newFixture(t, Options{})
	f.mustInit("a")
	gen := f.exec.Clean()
	require.Eventually(t, func() bool { return f.decoder("a").closed.Load() }, 5*time.Second, time.Millisecond)

	f.exec.DecodeTile(&Tile{Src: image.Rect(0, 0, 2, 2), Sample: 1, Generation: gen})
	assert.ErrorIs(t, f.nextTile().err, ErrDecoderNotReady)
}

func TestCloseEndsSession(t *testing.T) {
	f := newFixture(t, Options{})
	gen := f.mustInit("a")
	require.NoError(t, f.exec.Close())
	assert.True(t, f.decoder("a").closed.Load())
	assert.False(t, f.exec.isRunning())

	f.exec.Init("b")
	assert.ErrorIs(t, f.nextInit().err, ErrClosed)
	f.exec.DecodeTile(&Tile{Src: image.Rect(0, 0, 2, 2), Sample: 1, Generation: gen})
	assert.ErrorIs(t, f.nextTile().err, ErrClosed)
	require.NoError(t, f.exec.Close())
}

func TestSampleFor(t *testing.T) {
	for _, tt := range []struct {
		scale float64
		want  int
	}{
		{2, 1}, {1, 1}, {0.75, 1}, {0.5, 2}, {0.3, 2}, {0.25, 4}, {0.1, 8}, {0, 1},
	} {
		assert.Equal(t, tt.want, SampleFor(tt.scale), "scale %v", tt.scale)
	}
}

func TestPlan(t *testing.T) {
	bounds := image.Rect(0, 0, 1000, 800)

	tiles := Plan(bounds, bounds, 0.25, 256, 7)
	require.Len(t, tiles, 1)
	assert.Equal(t, image.Rect(0, 0, 1000, 800), tiles[0].Src)
	assert.Equal(t, image.Rect(0, 0, 250, 200), tiles[0].Draw)
	assert.Equal(t, 4, tiles[0].Sample)
	assert.EqualValues(t, 7, tiles[0].Generation)

	tiles = Plan(bounds, image.Rect(100, 100, 600, 300), 1, 256, 1)
	require.Len(t, tiles, 6)
	assert.Equal(t, image.Rect(0, 0, 256, 256), tiles[0].Src)
	assert.Equal(t, image.Rect(512, 256, 768, 512), tiles[5].Src)
	covered := image.Rectangle{}
	for _, tile := range tiles {
		assert.Equal(t, 1, tile.Sample)
		assert.Equal(t, tile.Src, tile.Draw)
		covered = covered.Union(tile.Src)
	}
	assert.True(t, image.Rect(100, 100, 600, 300).In(covered))

	tiles = Plan(bounds, image.Rect(900, 700, 2000, 2000), 1, 256, 1)
	require.Len(t, tiles, 2)
	assert.Equal(t, image.Rect(768, 512, 1000, 768), tiles[0].Src)
	assert.Equal(t, image.Rect(768, 768, 1000, 800), tiles[1].Src)

	assert.Empty(t, Plan(bounds, image.Rect(2000, 2000, 3000, 3000), 1, 256, 1))
}
