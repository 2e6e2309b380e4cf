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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perkeep.org/imgload/pkg/loaderr"
)

// recorder is a Listener that logs events as strings.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (rec *recorder) add(s string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.events = append(rec.events, s)
}

func (rec *recorder) OnStarted(r *Request) { rec.add("started") }
func (rec *recorder) OnProgress(r *Request, total, completed int64) {
	rec.add(fmt.Sprintf("progress %d/%d", completed, total))
}
func (rec *recorder) OnCompleted(r *Request, result interface{}, src Source) {
	rec.add(fmt.Sprintf("completed %v %v", result, src))
}
func (rec *recorder) OnFailed(r *Request, err error) {
	rec.mu.Lock()
	rec.errs = append(rec.errs, err)
	rec.mu.Unlock()
	rec.add("failed")
}
func (rec *recorder) OnCanceled(r *Request) { rec.add("canceled") }

func (rec *recorder) Events() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.events...)
}

func wait(t *testing.T, r *Request) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s did not finish; state %v", r.URI, r.State())
	}
}

func echo(ctx context.Context, r *Request, progress func(total, completed int64)) (interface{}, Source, error) {
	progress(10, 5)
	progress(10, 10)
	return r.URI, SourceNetwork, nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		uri  string
		want Route
		err  bool
	}{
		{"http://example.com/a.png", RouteNetwork, false},
		{"HTTPS://example.com/a.png", RouteNetwork, false},
		{"file:///tmp/a.png", RouteLocal, false},
		{"asset://icons/a.png", RouteLocal, false},
		{"content://media/1", RouteLocal, false},
		{"data:image/png;base64,AAAA", RouteLocal, false},
		{"/tmp/a.png", RouteLocal, false},
		{"relative/a:b.png", RouteLocal, false},
		{`C:\images\a.png`, RouteLocal, false},
		{"ftp://example.com/a.png", 0, true},
		{"gopher://x", 0, true},
	}
	for _, tt := range tests {
		got, err := Classify(tt.uri)
		if tt.err {
			assert.Error(t, err, tt.uri)
			assert.True(t, loaderr.Is(err, loaderr.KindMisuse), tt.uri)
			assert.ErrorIs(t, err, loaderr.ErrUnknownScheme)
			continue
		}
		assert.NoError(t, err, tt.uri)
		assert.Equal(t, tt.want, got, tt.uri)
	}
}

func TestEventsOnLooper(t *testing.T) {
	d := New(HandlerFunc(echo), Options{})
	defer d.Close()

	l := NewLooper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	rec := new(recorder)
	r := NewRequest("http://example.com/a.png", "k", nil, rec, l)
	d.Submit(r)
	wait(t, r)

	assert.Equal(t, []string{
		"started",
		"progress 5/10",
		"progress 10/10",
		"completed http://example.com/a.png network",
	}, rec.Events())
	assert.Equal(t, Completed, r.State())
	assert.Equal(t, "http://example.com/a.png", r.Result())
	assert.Equal(t, SourceNetwork, r.Source())
	assert.NoError(t, r.Err())
}

func TestUnknownSchemeFails(t *testing.T) {
	d := New(HandlerFunc(func(context.Context, *Request, func(int64, int64)) (interface{}, Source, error) {
		t.Error("handler called for unknown scheme")
		return nil, 0, nil
	}), Options{})
	defer d.Close()

	rec := new(recorder)
	r := NewRequest("ftp://example.com/a.png", "k", nil, rec, nil)
	d.Submit(r)
	wait(t, r)
	assert.Equal(t, []string{"failed"}, rec.Events())
	assert.True(t, loaderr.Is(r.Err(), loaderr.KindMisuse))
}

// blocker is a handler whose calls for uri "block" wait for release.
type blocker struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls []string
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) Handle(ctx context.Context, r *Request, progress func(int64, int64)) (interface{}, Source, error) {
	b.mu.Lock()
	b.calls = append(b.calls, r.URI)
	b.mu.Unlock()
	if r.URI == "/block" {
		close(b.started)
		<-b.release
	}
	if err := r.Checkpoint("pre-decode"); err != nil {
		return nil, 0, err
	}
	return r.URI, SourceLocalCache, nil
}

func (b *blocker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func TestCancelBeforeRun(t *testing.T) {
	b := newBlocker()
	d := New(b, Options{})
	defer d.Close()

	first := NewRequest("/block", "", nil, nil, nil)
	d.Submit(first)
	<-b.started

	rec := new(recorder)
	r := NewRequest("/second", "", nil, rec, nil)
	d.Submit(r)
	r.Cancel()
	close(b.release)
	wait(t, first)
	wait(t, r)

	assert.Equal(t, []string{"canceled"}, rec.Events())
	assert.True(t, loaderr.IsCanceled(r.Err()))
	assert.Equal(t, []string{"/block"}, b.Calls())
}

func TestCancelAtCheckpoint(t *testing.T) {
	b := newBlocker()
	d := New(b, Options{})
	defer d.Close()

	rec := new(recorder)
	r := NewRequest("/block", "", nil, rec, nil)
	d.Submit(r)
	<-b.started
	r.Cancel()
	close(b.release)
	wait(t, r)

	assert.Equal(t, []string{"started", "canceled"}, rec.Events())
	assert.Equal(t, Canceled, r.State())
}

func TestSaturatedQueueDropsOldest(t *testing.T) {
	b := newBlocker()
	d := New(b, Options{QueueCapacity: 2})
	defer d.Close()

	first := NewRequest("/block", "", nil, nil, nil)
	d.Submit(first)
	<-b.started

	var reqs []*Request
	for i := 1; i <= 4; i++ {
		r := NewRequest(fmt.Sprintf("/r%d", i), "", nil, new(recorder), nil)
		reqs = append(reqs, r)
		d.Submit(r)
		wantPending, wantDropped := int64(min(i, 2)), int64(max(0, i-2))
		require.Eventually(t, func() bool {
			st := d.Stats()
			return st.LocalPending == wantPending && st.Dropped == wantDropped
		}, 5*time.Second, time.Millisecond)
	}
	close(b.release)
	for _, r := range reqs {
		wait(t, r)
	}

	for _, r := range reqs[:2] {
		assert.Equal(t, Failed, r.State(), r.URI)
		assert.True(t, loaderr.Is(r.Err(), loaderr.KindOverload), r.URI)
		assert.ErrorIs(t, r.Err(), loaderr.ErrQueueSaturated)
	}
	for _, r := range reqs[2:] {
		assert.Equal(t, Completed, r.State(), r.URI)
	}
	assert.Equal(t, []string{"/block", "/r3", "/r4"}, b.Calls())
}

func TestHandlerPanicFails(t *testing.T) {
	d := New(HandlerFunc(func(context.Context, *Request, func(int64, int64)) (interface{}, Source, error) {
		panic("boom")
	}), Options{})
	defer d.Close()

	rec := new(recorder)
	r := NewRequest("/x", "", nil, rec, nil)
	d.Submit(r)
	wait(t, r)
	assert.Equal(t, []string{"started", "failed"}, rec.Events())
}

func TestSubmitAfterClose(t *testing.T) {
	d := New(HandlerFunc(echo), Options{})
	require.NoError(t, d.Close())

	r := NewRequest("http://example.com/", "", nil, nil, nil)
	d.Submit(r)
	wait(t, r)
	assert.ErrorIs(t, r.Err(), ErrClosed)
}

func TestResolveIsSynchronous(t *testing.T) {
	d := New(HandlerFunc(echo), Options{})
	defer d.Close()

	rec := new(recorder)
	l := NewLooper()
	r := NewRequest("http://example.com/", "", nil, rec, l)
	require.True(t, d.Resolve(r, "cached", SourceMemoryCache))
	assert.Equal(t, []string{"completed cached memoryCache"}, rec.Events())
	assert.Zero(t, l.RunPending(), "memory hit must not go through the poster")
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed")
	}

	assert.False(t, d.Resolve(r, "again", SourceMemoryCache))
	assert.False(t, d.Fail(r, loaderr.ErrCanceled))
	assert.Len(t, rec.Events(), 1)
}

func TestWait(t *testing.T) {
	d := New(HandlerFunc(echo), Options{})
	defer d.Close()

	r := NewRequest("http://example.com/w", "", nil, nil, nil)
	d.Submit(r)
	require.NoError(t, r.Wait(context.Background()))

	slow := NewRequest("http://example.com/never", "", nil, nil, NewLooper())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, slow.Wait(ctx), context.DeadlineExceeded)
}

func TestLooperFIFO(t *testing.T) {
	l := NewLooper()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()
	l.Quit()
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)

	l.Post(func() { t.Error("ran after Quit") })
	assert.Zero(t, l.RunPending())
}

func TestDoneAfterLooperQuit(t *testing.T) {
	d := New(HandlerFunc(echo), Options{})
	defer d.Close()

	l := NewLooper()
	l.Quit()
	rec := new(recorder)
	r := NewRequest("http://example.com/q", "", nil, rec, l)
	d.Submit(r)
	wait(t, r)
	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, Completed, r.State())
	assert.Empty(t, rec.Events())
	assert.Zero(t, l.Len())
}
