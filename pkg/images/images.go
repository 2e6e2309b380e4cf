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

// Package images decodes, orients and scales images into pooled
// NRGBA buffers.
package images

import (
	"bytes"
	"image"
	"io"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/cockroachdb/errors"
	_ "github.com/nf/cr2"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// maxEXIFSize is how much of the input is buffered while looking for
// EXIF metadata.
const maxEXIFSize = 2 << 20

// DecoderVersion changes whenever decoding produces different pixels
// for the same input, so that cached results keyed by it go stale.
const DecoderVersion = 1

// ErrEmptyImage is returned for images with no pixels.
var ErrEmptyImage = errors.New("images: empty image")

type DecodeOpts struct {
	// Orientation, if valid, is applied instead of the EXIF orientation.
	Orientation Orientation

	// IgnoreEXIF leaves the stored pixels unoriented.
	IgnoreEXIF bool

	// Square crops the oriented image to its centered square
	// before scaling.
	Square bool

	// MaxWidth and MaxHeight optionally bound the final image's size.
	// The aspect ratio is kept and images are never enlarged.
	MaxWidth, MaxHeight int

	// Pool provides the pixel buffers. It may be nil.
	Pool *Pool
}

func (opts *DecodeOpts) pool() *Pool {
	if opts == nil {
		return nil
	}
	return opts.Pool
}

func (opts *DecodeOpts) orientation(r io.Reader) (Orientation, io.Reader) {
	switch {
	case opts != nil && opts.Orientation.Valid():
		return opts.Orientation, r
	case opts != nil && opts.IgnoreEXIF:
		return OrientNormal, r
	}
	return readOrientation(r)
}

// Config is like the standard library's image.Config as used by DecodeConfig.
type Config struct {
	Width, Height int // displayed size of the result
	Format        string
	Orientation   Orientation
	Modified      bool // true if Decode rotated, flipped, cropped or scaled the image.
}

// readOrientation looks for an EXIF orientation at the start of r and
// returns it along with a reader that yields all of r again.
func readOrientation(r io.Reader) (Orientation, io.Reader) {
	var buf bytes.Buffer
	tr := io.TeeReader(io.LimitReader(r, maxEXIFSize), &buf)
	o := OrientNormal
	if ex, err := exif.Decode(tr); err == nil {
		if tag, err := ex.Get(exif.Orientation); err == nil {
			if v, err := tag.Int(0); err == nil && Orientation(v).Valid() {
				o = Orientation(v)
			}
		}
	}
	return o, io.MultiReader(&buf, r)
}

// DecodeConfig returns the displayed dimensions, format and orientation
// of the image in r without decoding its pixels.
func DecodeConfig(r io.Reader) (Config, error) {
	o, r := readOrientation(r)
	ic, format, err := image.DecodeConfig(r)
	if err != nil {
		return Config{}, err
	}
	c := Config{Format: format, Orientation: o}
	c.Width, c.Height = o.DisplaySize(ic.Width, ic.Height)
	return c, nil
}

// Fit returns the largest size with the aspect ratio of w×h that fits
// in maxW×maxH. A non-positive bound is ignored. Images are never enlarged.
func Fit(w, h, maxW, maxH int) (int, int) {
	if maxW <= 0 || maxW > w {
		maxW = w
	}
	if maxH <= 0 || maxH > h {
		maxH = h
	}
	if w <= maxW && h <= maxH {
		return w, h
	}
	if int64(w)*int64(maxH) > int64(h)*int64(maxW) {
		return maxW, max(1, int(int64(h)*int64(maxW)/int64(w)))
	}
	return max(1, int(int64(w)*int64(maxH)/int64(h))), maxH
}

func squareRect(r image.Rectangle) image.Rectangle {
	w, h := r.Dx(), r.Dy()
	if w > h {
		off := (w - h) / 2
		return image.Rect(r.Min.X+off, r.Min.Y, r.Min.X+off+h, r.Max.Y)
	}
	off := (h - w) / 2
	return image.Rect(r.Min.X, r.Min.Y+off, r.Max.X, r.Min.Y+off+w)
}

// Decode decodes an image from r using the provided decoding options.
// The Config returned is similar to the one from the image package,
// with the addition of the Modified field which indicates if the
// image was actually transformed.
// If opts is nil, the defaults are used.
func Decode(r io.Reader, opts *DecodeOpts) (image.Image, Config, error) {
	bm, c, err := DecodeBitmap(r, opts)
	if err != nil {
		return nil, c, err
	}
	return bm.Image, c, nil
}

// DecodeBitmap is like Decode but returns the pooled result with one
// reference held by the caller. A panicking codec is reported as an
// error.
func DecodeBitmap(r io.Reader, opts *DecodeOpts) (bm *Bitmap, c Config, err error) {
	pool := opts.pool()
	o, r := opts.orientation(r)
	defer func() {
		if e := recover(); e != nil {
			bm, err = nil, errors.Newf("images: decoder panic: %v", e)
		}
	}()
	im, format, err := image.Decode(r)
	if err != nil {
		return nil, c, errors.Wrap(err, "images: decode")
	}
	c.Format = format
	c.Orientation = o
	if im.Bounds().Empty() {
		return nil, c, ErrEmptyImage
	}
	disp := o.Apply(im, pool)
	c.Modified = o != OrientNormal

	src := disp.Bounds()
	if opts != nil && opts.Square && src.Dx() != src.Dy() {
		src = squareRect(src)
	}
	w, h := src.Dx(), src.Dy()
	if opts != nil {
		w, h = Fit(w, h, opts.MaxWidth, opts.MaxHeight)
	}
	c.Width, c.Height = w, h
	if src == disp.Bounds() && w == src.Dx() && h == src.Dy() {
		bm = NewBitmap(disp, pool)
		bm.Orientation = o
		return bm, c, nil
	}
	dst := pool.Get(w, h)
	if w == src.Dx() && h == src.Dy() {
		draw.Copy(dst, image.Point{}, disp, src, draw.Src, nil)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), disp, src, draw.Src, nil)
	}
	pool.Put(disp)
	c.Modified = true
	bm = NewBitmap(dst, pool)
	bm.Orientation = o
	return bm, c, nil
}
