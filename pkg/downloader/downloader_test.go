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

package downloader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perkeep.org/imgload/pkg/diskcache"
	"perkeep.org/imgload/pkg/loaderr"
)

type canceler bool

func (c canceler) Canceled() bool { return bool(c) }

func serveBytes(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// stall sends headers and half the body, then hangs until the client
// goes away.
func stall(w http.ResponseWriter, r *http.Request, data []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data[:len(data)/2])
	w.(http.Flusher).Flush()
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

func newDownloader(t *testing.T, srv *httptest.Server, opts Options) *Downloader {
	t.Helper()
	opts.Client = srv.Client()
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	return New(opts)
}

func newDisk(t *testing.T, free int64) *diskcache.Cache {
	t.Helper()
	c, err := diskcache.New(diskcache.Options{
		Dir:       t.TempDir(),
		FreeSpace: func(string) (int64, error) { return free, nil },
	})
	require.NoError(t, err)
	return c
}

func TestFetchToMemory(t *testing.T) {
	data := []byte("some image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBytes(w, data)
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{})
	res, err := d.Fetch(context.Background(), Request{URI: srv.URL + "/a.png"})
	require.NoError(t, err)
	assert.True(t, res.FromNetwork)
	assert.Nil(t, res.Entry)
	assert.Equal(t, data, res.Data)
	assert.EqualValues(t, len(data), res.Size)

	rc, err := res.Open()
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchDiskHitSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	data := bytes.Repeat([]byte("x"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		serveBytes(w, data)
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{Disk: newDisk(t, 1<<30)})
	req := Request{URI: srv.URL + "/b.jpg", Disk: true}
	res, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.True(t, res.FromNetwork)

	res, err = d.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.FromNetwork)
	got, err := res.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.EqualValues(t, 1, hits.Load())
}

func TestRetryOnReadTimeout(t *testing.T) {
	var hits atomic.Int32
	data := bytes.Repeat([]byte("y"), 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			stall(w, r, data)
			return
		}
		serveBytes(w, data)
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{ReadTimeout: 100 * time.Millisecond, MaxRetries: 2})
	res, err := d.Fetch(context.Background(), Request{URI: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, data, res.Data)
	assert.EqualValues(t, 2, hits.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		stall(w, r, make([]byte, 32))
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{ReadTimeout: 50 * time.Millisecond, MaxRetries: 2})
	_, err := d.Fetch(context.Background(), Request{URI: srv.URL})
	require.Error(t, err)
	assert.Equal(t, loaderr.KindTransientNetwork, loaderr.KindOf(err))
	assert.EqualValues(t, 3, hits.Load())
}

func TestNoRetryOnBadStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{MaxRetries: 5})
	_, err := d.Fetch(context.Background(), Request{URI: srv.URL})
	require.Error(t, err)
	assert.Equal(t, loaderr.KindTerminalNetwork, loaderr.KindOf(err))
	assert.EqualValues(t, 1, hits.Load())
}

func TestMissingContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		w.Write([]byte("chunked body"))
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{})
	_, err := d.Fetch(context.Background(), Request{URI: srv.URL})
	require.Error(t, err)
	assert.Equal(t, loaderr.KindTerminalNetwork, loaderr.KindOf(err))
}

func TestShortBodyLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("only ten.."))
	}))
	defer srv.Close()

	disk := newDisk(t, 1<<30)
	d := newDownloader(t, srv, Options{Disk: disk})
	_, err := d.Fetch(context.Background(), Request{URI: srv.URL, Key: "short", Disk: true})
	require.Error(t, err)
	assert.Equal(t, loaderr.KindTerminalNetwork, loaderr.KindOf(err))

	des, err := os.ReadDir(disk.Dir())
	require.NoError(t, err)
	assert.Empty(t, des, "partial download must not remain on disk")
	_, ok := disk.Get("short")
	assert.False(t, ok)
}

func TestConcurrentSameKey(t *testing.T) {
	var hits, inflight, maxInflight atomic.Int32
	data := bytes.Repeat([]byte("z"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		serveBytes(w, data)
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{Disk: newDisk(t, 1<<30)})
	var (
		wg      sync.WaitGroup
		network atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Fetch(context.Background(), Request{URI: srv.URL + "/x", Disk: true})
			if !assert.NoError(t, err) {
				return
			}
			if res.FromNetwork {
				network.Add(1)
			}
			got, err := res.Bytes()
			assert.NoError(t, err)
			assert.Equal(t, data, got)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, 1, network.Load())
	assert.EqualValues(t, 1, maxInflight.Load())
}

func TestProgressBounded(t *testing.T) {
	data := bytes.Repeat([]byte("p"), 200<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBytes(w, data)
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{ProgressCheckpoints: 4})
	var calls []int64
	_, err := d.Fetch(context.Background(), Request{
		URI: srv.URL,
		Progress: func(total, completed int64) {
			assert.EqualValues(t, len(data), total)
			calls = append(calls, completed)
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, calls)
	assert.LessOrEqual(t, len(calls), 4)
	assert.EqualValues(t, len(data), calls[len(calls)-1])
	for i := 1; i < len(calls); i++ {
		assert.Greater(t, calls[i], calls[i-1])
	}
}

func TestCanceledBeforeDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{})
	_, err := d.Fetch(context.Background(), Request{URI: srv.URL, Canceler: canceler(true)})
	require.Error(t, err)
	assert.True(t, loaderr.IsCanceled(err))
	assert.EqualValues(t, 0, hits.Load())
}

func TestNoDiskSpaceUsesMemory(t *testing.T) {
	data := []byte("does not fit")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBytes(w, data)
	}))
	defer srv.Close()

	d := newDownloader(t, srv, Options{Disk: newDisk(t, 0)})
	res, err := d.Fetch(context.Background(), Request{URI: srv.URL, Disk: true})
	require.NoError(t, err)
	assert.Nil(t, res.Entry)
	assert.Equal(t, data, res.Data)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	ctx := context.Background()
	var perm *backoff.PermanentError

	err := classify(ctx, "connect", timeoutError{})
	assert.False(t, errors.As(err, &perm))
	assert.Equal(t, loaderr.KindTransientNetwork, loaderr.KindOf(err))

	err = classify(ctx, "connect", errors.New("connection refused"))
	require.True(t, errors.As(err, &perm))
	assert.Equal(t, loaderr.KindTerminalNetwork, loaderr.KindOf(perm.Err))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = classify(cctx, "read", context.Canceled)
	require.True(t, errors.As(err, &perm))
	assert.True(t, loaderr.IsCanceled(perm.Err))
}
