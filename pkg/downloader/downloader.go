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

// Package downloader fetches remote image bytes into the disk cache or
// memory, retrying timeouts and reporting progress.
package downloader

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perkeep.org/imgload/pkg/diskcache"
	"perkeep.org/imgload/pkg/loaderr"
	"perkeep.org/imgload/pkg/syncutil"
)

const (
	DefaultMaxRetries          = 3
	DefaultConnectTimeout      = 10 * time.Second
	DefaultReadTimeout         = 30 * time.Second
	DefaultProgressCheckpoints = 10

	// maxPrealloc bounds the buffer allocated up front for an
	// in-memory download.
	maxPrealloc = 16 << 20

	copyBufSize = 32 << 10
)

// Checkpoint names reported by canceled downloads.
const (
	CheckPreDownload = "pre-download"
	CheckPostConnect = "post-connect"
	CheckPostRead    = "post-read"
)

var errReadTimeout = errors.New("downloader: read timed out")

// A Canceler reports whether the request it belongs to was canceled.
type Canceler interface {
	Canceled() bool
}

type Options struct {
	// Client is used for requests. If nil, a client honoring
	// ConnectTimeout and ReadTimeout is built.
	Client *http.Client

	// Disk, if non-nil, is consulted before any network I/O and
	// receives downloads that ask for it.
	Disk *diskcache.Cache

	// MaxRetries is the number of retries after the first attempt
	// for timeout-class failures. Negative means none; zero means
	// DefaultMaxRetries.
	MaxRetries int

	ConnectTimeout time.Duration
	// ReadTimeout bounds each read of the response, and the wait for
	// the response headers.
	ReadTimeout time.Duration

	// ProgressCheckpoints is how many evenly spaced progress
	// callbacks a download makes at most.
	ProgressCheckpoints int

	// Limiter, if non-nil, paces outgoing requests.
	Limiter *rate.Limiter

	// NewBackOff returns the retry schedule. If nil, a short
	// exponential backoff is used.
	NewBackOff func() backoff.BackOff

	Logger *zap.Logger
}

type Request struct {
	URI string
	// Key names the disk cache entry. It defaults to URI.
	Key string
	// Disk asks for the body to be stored in the disk cache.
	Disk bool
	// Progress, if non-nil, is called with the byte totals as the
	// body arrives.
	Progress func(total, completed int64)
	Canceler Canceler
}

func (r *Request) key() string {
	if r.Key != "" {
		return r.Key
	}
	return r.URI
}

func (r *Request) check(name string) error {
	if r.Canceler != nil && r.Canceler.Canceled() {
		return loaderr.Canceled(name)
	}
	return nil
}

// A Result is a downloaded body, in memory or in the disk cache.
type Result struct {
	Data        []byte
	Entry       *diskcache.Entry
	Size        int64
	FromNetwork bool
}

// Open returns a reader over the body.
func (r *Result) Open() (io.ReadCloser, error) {
	if r.Entry != nil {
		return r.Entry.Open()
	}
	return io.NopCloser(bytes.NewReader(r.Data)), nil
}

// Bytes returns the body, reading it from disk if needed.
func (r *Result) Bytes() ([]byte, error) {
	if r.Entry == nil {
		return r.Data, nil
	}
	b, err := os.ReadFile(r.Entry.Path)
	if err != nil {
		return nil, loaderr.New(loaderr.KindStorage, "read cache entry", err)
	}
	return b, nil
}

type Downloader struct {
	client      *http.Client
	disk        *diskcache.Cache
	maxRetries  int
	readTimeout time.Duration
	checkpoints int
	limiter     *rate.Limiter
	newBackOff  func() backoff.BackOff
	log         *zap.Logger

	locks syncutil.KeyedMutex
}

func New(opts Options) *Downloader {
	d := &Downloader{
		client:      opts.Client,
		disk:        opts.Disk,
		maxRetries:  opts.MaxRetries,
		readTimeout: opts.ReadTimeout,
		checkpoints: opts.ProgressCheckpoints,
		limiter:     opts.Limiter,
		newBackOff:  opts.NewBackOff,
		log:         opts.Logger,
	}
	switch {
	case d.maxRetries == 0:
		d.maxRetries = DefaultMaxRetries
	case d.maxRetries < 0:
		d.maxRetries = 0
	}
	if d.readTimeout <= 0 {
		d.readTimeout = DefaultReadTimeout
	}
	if d.checkpoints <= 0 {
		d.checkpoints = DefaultProgressCheckpoints
	}
	if d.client == nil {
		connect := opts.ConnectTimeout
		if connect <= 0 {
			connect = DefaultConnectTimeout
		}
		d.client = newClient(connect, d.readTimeout)
	}
	if d.newBackOff == nil {
		d.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	return d
}

func newClient(connect, read time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connect,
			ResponseHeaderTimeout: read,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// Disk returns the disk cache, or nil.
func (d *Downloader) Disk() *diskcache.Cache { return d.disk }

// Fetch returns the body of req.URI. Concurrent fetches of the same key
// run one at a time, so a later caller finds the entry an earlier one
// stored on disk.
func (d *Downloader) Fetch(ctx context.Context, req Request) (*Result, error) {
	key := req.key()
	h, err := d.locks.LockContext(ctx, key)
	if err != nil {
		return nil, loaderr.New(loaderr.KindCanceled, "download", err)
	}
	defer h.Unlock()

	if d.disk != nil {
		if ent, ok := d.disk.Get(key); ok {
			d.log.Debug("disk cache hit", zap.String("key", key))
			return &Result{Entry: ent, Size: ent.Size}, nil
		}
	}
	if err := req.check(CheckPreDownload); err != nil {
		return nil, err
	}

	var res *Result
	attempt := 0
	op := func() error {
		attempt++
		r, err := d.attempt(ctx, &req, key)
		if err != nil {
			return err
		}
		res = r
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.maxRetries)), ctx)
	err = backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		d.log.Info("retrying download",
			zap.String("uri", req.URI),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		if loaderr.KindOf(err) == loaderr.KindUnknown {
			// The context ended between attempts.
			err = loaderr.New(loaderr.KindCanceled, "download", err)
		}
		d.log.Debug("download failed",
			zap.String("uri", req.URI),
			zap.Int("attempts", attempt),
			zap.Stringer("kind", loaderr.KindOf(err)),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

// attempt makes one request. Errors worth retrying are returned as is;
// all others are wrapped with backoff.Permanent.
func (d *Downloader) attempt(ctx context.Context, req *Request, key string) (*Result, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(loaderr.New(loaderr.KindCanceled, "rate limit", err))
		}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if err != nil {
		return nil, backoff.Permanent(loaderr.New(loaderr.KindMisuse, "download", err))
	}
	resp, err := d.client.Do(hreq)
	if err != nil {
		return nil, classify(ctx, "connect", err)
	}
	defer resp.Body.Close()
	if err := req.check(CheckPostConnect); err != nil {
		return nil, backoff.Permanent(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(loaderr.Newf(loaderr.KindTerminalNetwork, "download",
			"%s: unexpected status %s", req.URI, resp.Status))
	}
	total := resp.ContentLength
	if total <= 0 {
		return nil, backoff.Permanent(loaderr.Newf(loaderr.KindTerminalNetwork, "download",
			"%s: missing or zero content length", req.URI))
	}

	var (
		ed  *diskcache.Editor
		buf *bytes.Buffer
		w   io.Writer
	)
	if req.Disk && d.disk != nil {
		ed = d.edit(key, total)
	}
	if ed != nil {
		w = ed
	} else {
		buf = new(bytes.Buffer)
		buf.Grow(int(min(total, maxPrealloc)))
		w = buf
	}
	success := false
	defer func() {
		if !success && ed != nil {
			if err := ed.Abort(); err != nil {
				d.log.Warn("aborting cache edit", zap.String("key", key), zap.Error(err))
			}
		}
	}()

	body := &timeoutReader{r: resp.Body, timeout: d.readTimeout, cancel: cancel}
	n, err := d.copy(w, body, total, req.Progress)
	if err != nil {
		if errors.Is(err, diskcache.ErrEditorClosed) || loaderr.Is(err, loaderr.KindStorage) {
			return nil, backoff.Permanent(err)
		}
		return nil, classify(ctx, "read", err)
	}
	if n != total {
		return nil, backoff.Permanent(loaderr.Newf(loaderr.KindTerminalNetwork, "download",
			"%s: got %d bytes, want %d", req.URI, n, total))
	}
	if err := req.check(CheckPostRead); err != nil {
		return nil, backoff.Permanent(err)
	}
	if ed == nil {
		success = true
		return &Result{Data: buf.Bytes(), Size: n, FromNetwork: true}, nil
	}
	ent, err := ed.Commit()
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	success = true
	return &Result{Entry: ent, Size: n, FromNetwork: true}, nil
}

// edit reserves room for size bytes and opens an editor for key, or
// returns nil to stream into memory instead.
func (d *Downloader) edit(key string, size int64) *diskcache.Editor {
	if !d.disk.ApplyForSpace(size) {
		d.log.Info("no disk cache space, downloading to memory",
			zap.String("key", key), zap.Int64("size", size))
		return nil
	}
	ed, err := d.disk.Edit(key)
	if err != nil {
		d.log.Info("disk cache edit unavailable, downloading to memory",
			zap.String("key", key), zap.Error(err))
		return nil
	}
	return ed
}

// copy copies r to w, calling progress at most d.checkpoints times at
// evenly spaced byte counts.
func (d *Downloader) copy(w io.Writer, r io.Reader, total int64, progress func(total, completed int64)) (int64, error) {
	buf := make([]byte, copyBufSize)
	var n int64
	next := 1
	for {
		nr, rerr := r.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, werr
			}
			if nw != nr {
				return n, io.ErrShortWrite
			}
			if progress != nil && next <= d.checkpoints && n >= threshold(total, next, d.checkpoints) {
				for next <= d.checkpoints && n >= threshold(total, next, d.checkpoints) {
					next++
				}
				progress(total, n)
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

func threshold(total int64, i, n int) int64 {
	return total * int64(i) / int64(n)
}

// classify wraps a request or body error. Timeouts stay retryable.
func classify(ctx context.Context, op string, err error) error {
	if errors.Is(context.Cause(ctx), errReadTimeout) {
		return loaderr.New(loaderr.KindTransientNetwork, op, errReadTimeout)
	}
	if ctx.Err() != nil {
		return backoff.Permanent(loaderr.New(loaderr.KindCanceled, op, err))
	}
	var ne net.Error
	if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, os.ErrDeadlineExceeded) {
		return loaderr.New(loaderr.KindTransientNetwork, op, err)
	}
	return backoff.Permanent(loaderr.New(loaderr.KindTerminalNetwork, op, err))
}

// timeoutReader cancels the request when a single Read takes longer
// than timeout.
type timeoutReader struct {
	r       io.Reader
	timeout time.Duration
	cancel  context.CancelCauseFunc
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	timer := time.AfterFunc(t.timeout, func() { t.cancel(errReadTimeout) })
	n, err := t.r.Read(p)
	timer.Stop()
	return n, err
}
