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

package magic

import (
	"bytes"
	"errors"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func encoded(t *testing.T, enc func(io.Writer, image.Image) error) string {
	t.Helper()
	var buf bytes.Buffer
	if err := enc(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func heicHeader() string {
	ftyp := "\x00\x00\x00\x18ftypheic\x00\x00\x00\x00mif1heic"
	meta := "\x00\x00\x00\x40meta\x00\x00\x00\x00\x00\x00\x00\x22hdlr\x00\x00\x00\x00\x00\x00\x00\x00pict"
	return ftyp + meta
}

func TestMIMEType(t *testing.T) {
	tests := []struct {
		name, data, want string
	}{
		{"png", encoded(t, png.Encode), "image/png"},
		{"jpeg", encoded(t, func(w io.Writer, m image.Image) error { return jpeg.Encode(w, m, nil) }), "image/jpeg"},
		{"gif", encoded(t, func(w io.Writer, m image.Image) error { return gif.Encode(w, m, nil) }), "image/gif"},
		{"bmp", encoded(t, bmp.Encode), "image/bmp"},
		{"tiff", encoded(t, func(w io.Writer, m image.Image) error { return tiff.Encode(w, m, nil) }), "image/tiff"},
		{"webp", "RIFF\x10\x00\x00\x00WEBPVP8 ", "image/webp"},
		{"cr2", "II\x2a\x00\x10\x00\x00\x00CR\x02\x00", "image/x-canon-cr2"},
		{"heic", heicHeader(), "image/heic"},
		{"mp4", "\x00\x00\x00\x18ftypisom\x00\x00\x02\x00", "video/mp4"},
		{"pdf", "%PDF-1.4\n", "application/pdf"},
		{"html", "<html>foo</html>", "text/html"},
		{"bm text", "BMW is a car maker", ""},
		{"junk", "\xff", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		if got := MIMEType([]byte(tt.data)); got != tt.want {
			t.Errorf("%s: MIMEType = %q; want %q", tt.name, got, tt.want)
		}
	}
}

func TestMatcherTableValid(t *testing.T) {
	for i, mte := range matchTable {
		if mte.fn != nil && (mte.offset != 0 || mte.prefix != nil) {
			t.Errorf("entry %d has both function and offset/prefix set: %+v", i, mte)
		}
	}
}

func TestMIMETypeFromReader(t *testing.T) {
	data := encoded(t, png.Encode) + string(make([]byte, 2*SniffLen))
	mime, r := MIMETypeFromReader(bytes.NewReader([]byte(data)))
	if mime != "image/png" {
		t.Errorf("mime = %q; want image/png", mime)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != data {
		t.Errorf("reader returned %d bytes; want the original %d", len(got), len(data))
	}

	boom := errors.New("boom")
	_, r = MIMETypeFromReader(io.MultiReader(bytes.NewReader([]byte("abc")), errReader{boom}))
	if _, err := io.ReadAll(r); err != boom {
		t.Errorf("read error = %v; want %v", err, boom)
	}
}

func TestDecodable(t *testing.T) {
	for _, m := range []string{"image/png", "image/jpeg", "image/webp", "image/x-canon-cr2"} {
		if !Decodable(m) {
			t.Errorf("Decodable(%q) = false", m)
		}
	}
	for _, m := range []string{"image/heic", "text/html", ""} {
		if Decodable(m) {
			t.Errorf("Decodable(%q) = true", m)
		}
	}
	if !IsImage("image/heic") || IsImage("video/mp4") {
		t.Error("IsImage misclassifies")
	}
}
