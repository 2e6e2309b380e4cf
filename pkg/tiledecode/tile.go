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
	"image"
	"math"

	"perkeep.org/imgload/pkg/images"
)

// A Tile is a sub-rectangle of an image decoded at a sub-sampling
// factor for one generation of a viewing session.
type Tile struct {
	// Draw is where the tile goes in view coordinates.
	Draw image.Rectangle
	// Src is the region of the displayed image to decode.
	Src image.Rectangle
	// Sample is the sub-sampling factor: 1 is full resolution.
	Sample int
	// Generation is the executor generation the tile was planned for.
	Generation int64
	// Bitmap is set once the tile has been delivered.
	Bitmap *images.Bitmap
}

// Degenerate reports whether t has nothing to decode.
func (t *Tile) Degenerate() bool {
	return t.Src.Empty() || t.Sample < 1
}

// Release returns the tile's pixels to their pool.
func (t *Tile) Release() {
	if t.Bitmap != nil {
		t.Bitmap.Release()
		t.Bitmap = nil
	}
}

// SampleFor returns the largest power of two sub-sampling factor that
// still gives at least one decoded pixel per displayed pixel at scale.
func SampleFor(scale float64) int {
	if scale <= 0 || scale >= 1 {
		return 1
	}
	s := 1
	for float64(s*2) <= 1/scale {
		s *= 2
	}
	return s
}

// Plan returns the tiles covering visible, in image coordinates, when
// the image of the given bounds is displayed at scale. Each tile covers
// tileSize×tileSize decoded pixels.
func Plan(bounds, visible image.Rectangle, scale float64, tileSize int, gen int64) []*Tile {
	visible = visible.Intersect(bounds)
	if visible.Empty() || scale <= 0 || tileSize <= 0 {
		return nil
	}
	sample := SampleFor(scale)
	step := tileSize * sample
	x0 := bounds.Min.X + (visible.Min.X-bounds.Min.X)/step*step
	y0 := bounds.Min.Y + (visible.Min.Y-bounds.Min.Y)/step*step
	var tiles []*Tile
	for y := y0; y < visible.Max.Y; y += step {
		for x := x0; x < visible.Max.X; x += step {
			src := image.Rect(x, y, x+step, y+step).Intersect(bounds)
			tiles = append(tiles, &Tile{
				Src:        src,
				Draw:       scaleRect(src, scale),
				Sample:     sample,
				Generation: gen,
			})
		}
	}
	return tiles
}

func scaleRect(r image.Rectangle, scale float64) image.Rectangle {
	return image.Rect(
		int(math.Floor(float64(r.Min.X)*scale)),
		int(math.Floor(float64(r.Min.Y)*scale)),
		int(math.Ceil(float64(r.Max.X)*scale)),
		int(math.Ceil(float64(r.Max.Y)*scale)),
	)
}
