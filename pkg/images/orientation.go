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

	"golang.org/x/image/draw"
)

// Orientation is an EXIF orientation value. It describes the
// transformation that turns the stored pixels into the displayed image.
type Orientation int

const (
	OrientNormal     Orientation = 1 + iota // as stored
	OrientFlipH                             // mirrored left to right
	OrientRotate180                         // upside down
	OrientFlipV                             // mirrored top to bottom
	OrientTranspose                         // mirrored across the main diagonal
	OrientRotate90                          // rotated 90° clockwise
	OrientTransverse                        // mirrored across the anti-diagonal
	OrientRotate270                         // rotated 90° counter-clockwise
)

// Valid reports whether o is one of the eight EXIF orientations.
func (o Orientation) Valid() bool {
	return o >= OrientNormal && o <= OrientRotate270
}

func (o Orientation) String() string {
	switch o {
	case OrientNormal:
		return "normal"
	case OrientFlipH:
		return "flip-h"
	case OrientRotate180:
		return "rotate-180"
	case OrientFlipV:
		return "flip-v"
	case OrientTranspose:
		return "transpose"
	case OrientRotate90:
		return "rotate-90"
	case OrientTransverse:
		return "transverse"
	case OrientRotate270:
		return "rotate-270"
	}
	return "unknown"
}

// Transposed reports whether o swaps width and height.
func (o Orientation) Transposed() bool {
	return o >= OrientTranspose && o <= OrientRotate270
}

// DisplaySize returns the displayed dimensions of a w×h stored image.
func (o Orientation) DisplaySize(w, h int) (int, int) {
	if o.Transposed() {
		return h, w
	}
	return w, h
}

// source maps the displayed pixel (x, y) to its stored position in a
// w×h stored image.
func (o Orientation) source(x, y, w, h int) (int, int) {
	switch o {
	case OrientFlipH:
		return w - 1 - x, y
	case OrientRotate180:
		return w - 1 - x, h - 1 - y
	case OrientFlipV:
		return x, h - 1 - y
	case OrientTranspose:
		return y, x
	case OrientRotate90:
		return y, h - 1 - x
	case OrientTransverse:
		return w - 1 - y, h - 1 - x
	case OrientRotate270:
		return w - 1 - y, x
	}
	return x, y
}

// ToSource maps r, given in displayed coordinates, to the rectangle of
// stored pixels it covers in a w×h stored image.
func (o Orientation) ToSource(r image.Rectangle, w, h int) image.Rectangle {
	if r.Empty() {
		return image.Rectangle{}
	}
	x0, y0 := o.source(r.Min.X, r.Min.Y, w, h)
	x1, y1 := o.source(r.Max.X-1, r.Max.Y-1, w, h)
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	return image.Rect(x0, y0, x1+1, y1+1)
}

// Apply returns src as displayed. The result is drawn into a buffer from
// pool, which may be nil. For OrientNormal the result is a copy of src.
func (o Orientation) Apply(src image.Image, pool *Pool) *image.NRGBA {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	nsrc, ok := src.(*image.NRGBA)
	if !ok || b.Min != (image.Point{}) || nsrc.Stride != 4*sw {
		conv := pool.Get(sw, sh)
		keep := false
		defer func() {
			if !keep {
				pool.Put(conv)
			}
		}()
		draw.Draw(conv, conv.Bounds(), src, b.Min, draw.Src)
		if !o.Valid() || o == OrientNormal {
			keep = true
			return conv
		}
		nsrc = conv
	} else if !o.Valid() || o == OrientNormal {
		out := pool.Get(sw, sh)
		copy(out.Pix, nsrc.Pix[:len(out.Pix)])
		return out
	}
	dw, dh := o.DisplaySize(sw, sh)
	dst := pool.Get(dw, dh)
	defer func() {
		if e := recover(); e != nil {
			pool.Put(dst)
			panic(e)
		}
	}()
	for y := 0; y < dh; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < dw; x++ {
			sx, sy := o.source(x, y, sw, sh)
			si := sy*nsrc.Stride + sx*4
			copy(row[x*4:x*4+4], nsrc.Pix[si:si+4])
		}
	}
	return dst
}
