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
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/image/draw"
)

var (
	// ErrBadRegion is returned for empty or out of bounds regions and
	// non-positive sample sizes.
	ErrBadRegion = errors.New("images: bad region")
	// ErrDecoderClosed is returned by a RegionDecoder after Close.
	ErrDecoderClosed = errors.New("images: region decoder closed")
)

// RegionInfo describes the image behind a RegionDecoder.
type RegionInfo struct {
	Width, Height int // displayed size
	Format        string
	Orientation   Orientation
}

// A RegionDecoder decodes rectangles of one image on demand.
type RegionDecoder interface {
	Info() RegionInfo
	// DecodeRegion decodes r, given in displayed coordinates, reduced
	// by the sub-sampling factor sample. The result is
	// ceil(r.Dx()/sample) × ceil(r.Dy()/sample) pixels with the
	// orientation applied. r is clipped to the image bounds.
	DecodeRegion(r image.Rectangle, sample int) (*Bitmap, error)
	Close() error
}

type regionDecoder struct {
	info RegionInfo
	pool *Pool

	mu  sync.Mutex
	raw image.Image // nil once closed
}

// NewRegionDecoder decodes the image in r once and serves regions of it.
// Output buffers come from pool, which may be nil.
func NewRegionDecoder(r io.Reader, pool *Pool) (_ RegionDecoder, err error) {
	o, r := readOrientation(r)
	defer func() {
		if e := recover(); e != nil {
			err = errors.Newf("images: decoder panic: %v", e)
		}
	}()
	raw, format, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "images: decode")
	}
	if raw.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return newRegionDecoder(raw, format, o, pool), nil
}

func newRegionDecoder(raw image.Image, format string, o Orientation, pool *Pool) *regionDecoder {
	b := raw.Bounds()
	d := &regionDecoder{raw: raw, pool: pool}
	d.info.Width, d.info.Height = o.DisplaySize(b.Dx(), b.Dy())
	d.info.Format = format
	d.info.Orientation = o
	return d
}

func (d *regionDecoder) Info() RegionInfo { return d.info }

func (d *regionDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.raw = nil
	return nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func (d *regionDecoder) DecodeRegion(r image.Rectangle, sample int) (_ *Bitmap, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.raw == nil {
		return nil, ErrDecoderClosed
	}
	if sample < 1 {
		return nil, errors.Wrapf(ErrBadRegion, "sample size %d", sample)
	}
	r = r.Intersect(image.Rect(0, 0, d.info.Width, d.info.Height))
	if r.Empty() {
		return nil, errors.Wrapf(ErrBadRegion, "region %v outside %dx%d", r, d.info.Width, d.info.Height)
	}

	rb := d.raw.Bounds()
	o := d.info.Orientation
	src := o.ToSource(r, rb.Dx(), rb.Dy()).Add(rb.Min)
	w, h := ceilDiv(src.Dx(), sample), ceilDiv(src.Dy(), sample)
	tile := d.pool.Get(w, h)
	defer func() {
		if e := recover(); e != nil {
			d.pool.Put(tile)
			err = errors.Newf("images: region decode panic: %v", e)
		}
	}()
	if sample == 1 {
		draw.Copy(tile, image.Point{}, d.raw, src, draw.Src, nil)
	} else {
		draw.ApproxBiLinear.Scale(tile, tile.Bounds(), d.raw, src, draw.Src, nil)
	}
	if o == OrientNormal {
		bm := NewBitmap(tile, d.pool)
		return bm, nil
	}
	out := o.Apply(tile, d.pool)
	d.pool.Put(tile)
	bm := NewBitmap(out, d.pool)
	bm.Orientation = o
	return bm, nil
}
