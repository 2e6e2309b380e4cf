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

// Package loader composes the memory cache, disk cache, downloader,
// dispatcher and decoders into an image loading pipeline.
//
// A load first checks the memory cache on the calling goroutine. On a
// miss the request is dispatched: its worker takes the per-key lock,
// checks memory again, reads the bytes from a local source, the disk
// cache or the network, decodes them and stores the result in memory.
package loader

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	gosync "go4.org/syncutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"perkeep.org/imgload/internal/magic"
	"perkeep.org/imgload/pkg/diskcache"
	"perkeep.org/imgload/pkg/dispatch"
	"perkeep.org/imgload/pkg/downloader"
	"perkeep.org/imgload/pkg/images"
	"perkeep.org/imgload/pkg/loaderr"
	"perkeep.org/imgload/pkg/lru"
	"perkeep.org/imgload/pkg/syncutil"
	"perkeep.org/imgload/pkg/tiledecode"
)

var (
	// ErrDecodeBudget is the cause of decodes that need more pixel memory
	// than Config.MaxDecodeBytes.
	ErrDecodeBudget = errors.New("loader: image exceeds decode memory budget")

	// ErrUnsupportedFormat is the cause of decodes of payloads sniffed
	// as something other than a supported image.
	ErrUnsupportedFormat = errors.New("loader: unsupported format")
)

// Env holds a Loader's collaborators. All fields are optional.
type Env struct {
	Logger *zap.Logger
	// Client is used for downloads.
	Client *http.Client
	// Assets serves "asset://" URIs.
	Assets fs.FS
	// Content maps "content://" authorities to their openers.
	Content map[string]ContentOpener
	// Registerer receives the loader's metrics.
	Registerer prometheus.Registerer
	// FreeSpace overrides the disk cache's free space probe.
	FreeSpace func(dir string) (int64, error)
}

type Loader struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics
	assets  fs.FS
	content map[string]ContentOpener

	pool  *images.Pool
	gate  *gosync.Sem
	locks syncutil.KeyedMutex

	memMu sync.Mutex // makes lookup and Hold atomic against eviction
	mem   *lru.Cache

	disk *diskcache.Cache // nil if disabled
	dl   *downloader.Downloader
	disp *dispatch.Dispatcher
}

// New returns a Loader for cfg.
func New(cfg Config, env Env) (*Loader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Loader{
		cfg:     cfg,
		log:     env.Logger,
		assets:  env.Assets,
		content: env.Content,
		pool:    images.NewPool(0),
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	l.metrics = NewMetrics(env.Registerer)
	if l.cfg.MaxDecodeBytes == 0 {
		l.cfg.MaxDecodeBytes = DefaultMaxDecodeBytes
	}
	l.gate = gosync.NewSem(l.cfg.MaxDecodeBytes)
	l.mem = lru.NewWithEvict(cfg.MaxMemoryBytes, func(key string, value any) {
		l.metrics.recordMemoryEviction()
		value.(*images.Bitmap).Release()
	})
	if cfg.CacheDir != "" {
		disk, err := diskcache.New(diskcache.Options{
			Dir:          cfg.CacheDir,
			ReserveBytes: cfg.ReserveBytes,
			MaxBytes:     cfg.MaxDiskBytes,
			FreeSpace:    env.FreeSpace,
			OnEvict: func(name string, size int64) {
				l.metrics.recordDiskEviction(size)
			},
			Logger: l.log.Named("diskcache"),
		})
		if err != nil {
			return nil, err
		}
		l.disk = disk
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	}
	l.dl = downloader.New(downloader.Options{
		Client:              env.Client,
		Disk:                l.disk,
		MaxRetries:          cfg.MaxRetries,
		ConnectTimeout:      cfg.ConnectTimeout,
		ReadTimeout:         cfg.ReadTimeout,
		ProgressCheckpoints: cfg.ProgressCheckpoints,
		Limiter:             limiter,
		Logger:              l.log.Named("downloader"),
	})
	l.disp = dispatch.New(dispatch.HandlerFunc(l.handle), dispatch.Options{
		NetworkWorkers: cfg.NetworkWorkers,
		QueueCapacity:  cfg.QueueCapacity,
		OnDrop:         func(r *dispatch.Request, pool string) { l.metrics.recordDrop(pool) },
		Logger:         l.log.Named("dispatch"),
	})
	return l, nil
}

// Metrics returns the loader's collectors.
func (l *Loader) Metrics() *Metrics { return l.metrics }

// Pool returns the pixel buffer pool decoded images come from.
func (l *Loader) Pool() *images.Pool { return l.pool }

// Disk returns the disk cache, or nil if it is disabled.
func (l *Loader) Disk() *diskcache.Cache { return l.disk }

// Status is a snapshot of a Loader's queues and caches.
type Status struct {
	Queues         dispatch.Stats   `json:"queues"`
	Pool           images.PoolStats `json:"pool"`
	MemoryEntries  int              `json:"memoryEntries"`
	MemoryBytes    int64            `json:"memoryBytes"`
	MemoryMaxBytes int64            `json:"memoryMaxBytes"`
	DiskDir        string           `json:"diskDir,omitempty"`
	DiskBytes      int64            `json:"diskBytes,omitempty"`
}

// Status returns the current state of l.
func (l *Loader) Status() Status {
	st := Status{
		Queues:         l.disp.Stats(),
		Pool:           l.pool.Stats(),
		MemoryEntries:  l.mem.Len(),
		MemoryBytes:    l.mem.Cost(),
		MemoryMaxBytes: l.mem.MaxCost(),
	}
	if l.disk != nil {
		st.DiskDir = l.disk.Dir()
		if n, err := l.disk.Size(); err == nil {
			st.DiskBytes = n
		} else {
			l.log.Warn("measuring disk cache", zap.Error(err))
		}
	}
	return st
}

// memGet returns the cached bitmap for key with a reference held for
// the caller.
func (l *Loader) memGet(key string) (*images.Bitmap, bool) {
	l.memMu.Lock()
	defer l.memMu.Unlock()
	v, ok := l.mem.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*images.Bitmap).Hold(), true
}

// memPut caches bm under key. The cache takes its own reference.
func (l *Loader) memPut(key string, bm *images.Bitmap) {
	l.memMu.Lock()
	defer l.memMu.Unlock()
	if v, ok := l.mem.Get(key); ok && v == bm {
		// The cache already holds its reference.
		return
	}
	if !l.mem.Add(key, bm.Hold(), bm.Cost()) {
		bm.Release()
		l.log.Debug("image too large for memory cache", zap.String("key", key), zap.Int64("cost", bm.Cost()))
	}
}

// Invalidate drops the memory entries for uri decoded with o.
func (l *Loader) Invalidate(uri string, o Options) {
	l.memMu.Lock()
	v, ok := l.mem.Remove(CacheKey(uri, o))
	l.memMu.Unlock()
	if ok {
		v.(*images.Bitmap).Release()
	}
}

// ClearMemory empties the memory cache.
func (l *Loader) ClearMemory() {
	l.memMu.Lock()
	defer l.memMu.Unlock()
	l.mem.Clear()
}

// Load starts loading uri. A memory cache hit completes the request
// before Load returns, on the calling goroutine; anything else is
// delivered to lis through p. A completed request's result is an
// *images.Bitmap that the listener must Release.
func (l *Loader) Load(uri string, o Options, lis dispatch.Listener, p dispatch.Poster) *dispatch.Request {
	key := CacheKey(uri, o)
	r := dispatch.NewRequest(uri, key, o, l.observe(lis), p)
	if !o.NoMemoryCache {
		if bm, ok := l.memGet(key); ok {
			l.disp.Resolve(r, bm, dispatch.SourceMemoryCache)
			return r
		}
	}
	l.disp.Submit(r)
	return r
}

// observe wraps lis to record outcome metrics.
func (l *Loader) observe(lis dispatch.Listener) dispatch.Listener {
	if lis == nil {
		lis = dispatch.ListenerFuncs{}
	}
	return observer{lis, l.metrics}
}

type observer struct {
	dispatch.Listener
	m *Metrics
}

func (o observer) OnCompleted(r *dispatch.Request, result interface{}, src dispatch.Source) {
	o.m.recordLoad(src)
	o.Listener.OnCompleted(r, result, src)
}

func (o observer) OnFailed(r *dispatch.Request, err error) {
	o.m.recordFailure(err)
	o.Listener.OnFailed(r, err)
}

// Fetch loads uri and waits for the result. The caller must Release the
// returned bitmap.
func (l *Loader) Fetch(ctx context.Context, uri string, o Options) (*images.Bitmap, dispatch.Source, error) {
	r := l.Load(uri, o, nil, dispatch.Inline)
	select {
	case <-r.Done():
	case <-ctx.Done():
		r.Cancel()
		go func() {
			<-r.Done()
			if bm, ok := r.Result().(*images.Bitmap); ok {
				bm.Release()
			}
		}()
		return nil, 0, loaderr.New(loaderr.KindCanceled, "fetch", ctx.Err())
	}
	if err := r.Err(); err != nil {
		return nil, r.Source(), err
	}
	return r.Result().(*images.Bitmap), r.Source(), nil
}

// Prefetch loads uris into the caches, at most NetworkWorkers at a time.
// It returns the first error after trying every URI.
func (l *Loader) Prefetch(ctx context.Context, uris []string, o Options) error {
	var g errgroup.Group
	g.SetLimit(max(l.cfg.NetworkWorkers, 1))
	for _, uri := range uris {
		uri := uri
		g.Go(func() error {
			bm, _, err := l.Fetch(ctx, uri, o)
			if err != nil {
				return errors.Wrapf(err, "prefetching %s", uri)
			}
			bm.Release()
			return nil
		})
	}
	return g.Wait()
}

// handle runs a dispatched request on a pool goroutine.
func (l *Loader) handle(ctx context.Context, r *dispatch.Request, progress func(total, completed int64)) (interface{}, dispatch.Source, error) {
	o := r.Value.(Options)
	h, err := l.locks.LockContext(ctx, r.Key)
	if err != nil {
		return nil, 0, loaderr.New(loaderr.KindCanceled, "lock", err)
	}
	defer h.Unlock()
	if err := r.Checkpoint("post-lock"); err != nil {
		return nil, 0, err
	}

	// A request for the same key may have finished while we waited.
	if !o.NoMemoryCache {
		if bm, ok := l.memGet(r.Key); ok {
			return bm, dispatch.SourceMemoryCache, nil
		}
	}
	data, src, err := l.readAll(ctx, r, o, progress)
	if err != nil {
		return nil, src, err
	}
	if err := r.Checkpoint("pre-decode"); err != nil {
		return nil, src, err
	}
	bm, err := l.decode(data, o)
	if err != nil {
		l.log.Info("decode failed", zap.String("uri", r.URI), zap.Error(err))
		return nil, src, err
	}
	if err := r.Checkpoint("post-decode"); err != nil {
		bm.Release()
		return nil, src, err
	}
	if !o.NoMemoryCache {
		l.memPut(r.Key, bm)
	}
	return bm, src, nil
}

// readAll returns the encoded bytes of r.URI and where they came from.
func (l *Loader) readAll(ctx context.Context, r *dispatch.Request, o Options, progress func(total, completed int64)) ([]byte, dispatch.Source, error) {
	route, err := dispatch.Classify(r.URI)
	if err != nil {
		return nil, 0, err
	}
	if route == dispatch.RouteLocal {
		rc, err := l.openLocal(ctx, r.URI)
		if err != nil {
			return nil, dispatch.SourceLocalCache, err
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return nil, dispatch.SourceLocalCache, loaderr.New(loaderr.KindStorage, "read", err)
		}
		return b, dispatch.SourceLocalCache, nil
	}
	res, err := l.dl.Fetch(ctx, downloader.Request{
		URI:      r.URI,
		Disk:     l.disk != nil && !o.NoDiskCache,
		Progress: progress,
		Canceler: r,
	})
	if err != nil {
		return nil, dispatch.SourceNetwork, err
	}
	src := dispatch.SourceLocalCache
	if res.FromNetwork {
		src = dispatch.SourceNetwork
	}
	b, err := res.Bytes()
	return b, src, err
}

// reserve acquires decode memory for a w×h image. The returned function
// releases it.
func (l *Loader) reserve(w, h int) (func(), error) {
	need := int64(w) * int64(h) * 4
	if need <= 0 {
		return nil, loaderr.New(loaderr.KindDecode, "decode", images.ErrEmptyImage)
	}
	if err := l.gate.Acquire(need); err != nil {
		return nil, loaderr.New(loaderr.KindDecode, "decode",
			errors.Wrapf(ErrDecodeBudget, "%dx%d image needs %d bytes", w, h, need))
	}
	return func() { l.gate.Release(need) }, nil
}

// decodeConfig reads the header of data, naming the sniffed type of
// payloads that are not decodable images.
func decodeConfig(data []byte) (images.Config, error) {
	conf, err := images.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return conf, nil
	}
	if mime := magic.MIMEType(data); mime != "" && !magic.Decodable(mime) {
		err = errors.Wrapf(ErrUnsupportedFormat, "%s", mime)
	}
	return conf, loaderr.New(loaderr.KindDecode, "decode config", err)
}

func (l *Loader) decode(data []byte, o Options) (*images.Bitmap, error) {
	conf, err := decodeConfig(data)
	if err != nil {
		return nil, err
	}
	release, err := l.reserve(conf.Width, conf.Height)
	if err != nil {
		return nil, err
	}
	defer release()
	bm, _, err := images.DecodeBitmap(bytes.NewReader(data), o.decodeOpts(l.pool))
	if err != nil {
		return nil, loaderr.New(loaderr.KindDecode, "decode", err)
	}
	return bm, nil
}

// Open returns the encoded bytes of uri, through the disk cache for
// remote URIs.
func (l *Loader) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	route, err := dispatch.Classify(uri)
	if err != nil {
		return nil, err
	}
	if route == dispatch.RouteLocal {
		return l.openLocal(ctx, uri)
	}
	res, err := l.dl.Fetch(ctx, downloader.Request{URI: uri, Disk: l.disk != nil})
	if err != nil {
		return nil, err
	}
	return res.Open()
}

// OpenRegion opens a region decoder for uri, charging its decode to the
// decode memory budget.
func (l *Loader) OpenRegion(ctx context.Context, uri string) (images.RegionDecoder, error) {
	rc, err := l.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, loaderr.New(loaderr.KindStorage, "read", err)
	}
	conf, err := decodeConfig(data)
	if err != nil {
		return nil, err
	}
	release, err := l.reserve(conf.Width, conf.Height)
	if err != nil {
		return nil, err
	}
	defer release()
	rd, err := images.NewRegionDecoder(bytes.NewReader(data), l.pool)
	if err != nil {
		return nil, loaderr.New(loaderr.KindDecode, "region decoder", err)
	}
	return rd, nil
}

// NewTileExecutor returns a tile executor reading images through l.
func (l *Loader) NewTileExecutor(p dispatch.Poster, cb tiledecode.Callbacks) *tiledecode.Executor {
	return tiledecode.New(tiledecode.Options{
		Opener:      l,
		Poster:      p,
		Callbacks:   cb,
		IdleTimeout: l.cfg.TileIdleTimeout,
		Logger:      l.log.Named("tiles"),
	})
}

// Close stops the dispatcher after running queued requests and empties
// the memory cache.
func (l *Loader) Close() error {
	err := l.disp.Close()
	l.ClearMemory()
	return err
}
