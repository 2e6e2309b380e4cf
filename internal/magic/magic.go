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

// Package magic sniffs the MIME type of encoded images from the
// well-known "magic" number prefixes of their formats.
package magic

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/http"
	"strings"
)

// SniffLen is how many leading bytes MIMEType looks at.
const SniffLen = 1024

// A matchEntry matches a header either with fn or with prefix at
// offset, and on a match gives mtype.
type matchEntry struct {
	fn     func(hdr []byte) bool
	offset int
	prefix []byte
	mtype  string
}

// matchTable is a list of matchers to match prefixes against. The
// first matching one wins.
var matchTable = []matchEntry{
	{prefix: []byte("GIF87a"), mtype: "image/gif"},
	{prefix: []byte("GIF89a"), mtype: "image/gif"},
	{prefix: []byte("\xff\xd8\xff"), mtype: "image/jpeg"},
	{prefix: []byte{137, 'P', 'N', 'G', '\r', '\n', 26, 10}, mtype: "image/png"},
	{prefix: []byte("II\x2a\x00\x10\x00\x00\x00CR\x02"), mtype: "image/x-canon-cr2"},
	{prefix: []byte{0x49, 0x49, 0x2A, 0}, mtype: "image/tiff"},
	{prefix: []byte{0x4D, 0x4D, 0, 0x2A}, mtype: "image/tiff"},
	{prefix: []byte{0x4D, 0x4D, 0, 0x2B}, mtype: "image/tiff"},
	{fn: isWebP, mtype: "image/webp"},
	{fn: isBMP, mtype: "image/bmp"},
	{fn: isHEIC, mtype: "image/heic"},
	{prefix: []byte("8BPS"), mtype: "image/vnd.adobe.photoshop"},
	{prefix: []byte("gimp xcf "), mtype: "image/x-xcf"},
	{prefix: []byte("%PDF"), mtype: "application/pdf"},
	{prefix: []byte{0x1F, 0x8B, 0x08}, mtype: "application/x-gzip"},
	{prefix: []byte{'P', 'K', 3, 4}, mtype: "application/zip"},
	{prefix: []byte{0x1A, 0x45, 0xDF, 0xA3}, mtype: "video/webm"},
	{offset: 4, prefix: []byte("ftypisom"), mtype: "video/mp4"},
	{offset: 4, prefix: []byte("ftypmp42"), mtype: "video/mp4"},
	{offset: 4, prefix: []byte("ftypqt  "), mtype: "video/quicktime"},
}

// decodable are the types with a registered image decoder.
var decodable = map[string]bool{
	"image/gif":         true,
	"image/jpeg":        true,
	"image/png":         true,
	"image/tiff":        true,
	"image/bmp":         true,
	"image/webp":        true,
	"image/x-canon-cr2": true,
}

// MIMEType returns the MIME type from the data in the provided header
// of the data.
// It returns the empty string if the MIME type can't be determined.
func MIMEType(hdr []byte) string {
	if len(hdr) > SniffLen {
		hdr = hdr[:SniffLen]
	}
	hlen := len(hdr)
	for _, pte := range matchTable {
		if pte.fn != nil {
			if pte.fn(hdr) {
				return pte.mtype
			}
			continue
		}
		plen := pte.offset + len(pte.prefix)
		if hlen >= plen && bytes.Equal(hdr[pte.offset:plen], pte.prefix) {
			return pte.mtype
		}
	}
	// Image types are only reported by the table above.
	t := http.DetectContentType(hdr)
	t = strings.Replace(t, "; charset=utf-8", "", 1)
	if t == "application/octet-stream" || t == "text/plain" || IsImage(t) {
		return ""
	}
	return t
}

// MIMETypeFromReader takes a reader, sniffs the beginning of it,
// and returns the mime (if sniffed, else "") and a new reader
// that's the concatenation of the bytes sniffed and the remaining
// reader.
func MIMETypeFromReader(r io.Reader) (mime string, reader io.Reader) {
	var buf bytes.Buffer
	_, err := io.Copy(&buf, io.LimitReader(r, SniffLen))
	mime = MIMEType(buf.Bytes())
	if err != nil {
		return mime, io.MultiReader(&buf, errReader{err})
	}
	return mime, io.MultiReader(&buf, r)
}

// errReader is an io.Reader which just returns err.
type errReader struct{ err error }

func (er errReader) Read([]byte) (int, error) { return 0, er.err }

// IsImage reports whether mime names an image type.
func IsImage(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// Decodable reports whether images of type mime can be decoded.
func Decodable(mime string) bool {
	return decodable[mime]
}

func isWebP(hdr []byte) bool {
	return len(hdr) >= 12 && string(hdr[:4]) == "RIFF" && string(hdr[8:12]) == "WEBP"
}

// isBMP matches the "BM" signature followed by a plausible header:
// reserved fields zero and the pixel offset past the file header.
func isBMP(hdr []byte) bool {
	if len(hdr) < 14 || hdr[0] != 'B' || hdr[1] != 'M' {
		return false
	}
	if binary.LittleEndian.Uint32(hdr[6:10]) != 0 {
		return false
	}
	return binary.LittleEndian.Uint32(hdr[10:14]) >= 14
}

var pict = []byte("pict")

// isHEIC reports whether the prefix looks like a BMFF HEIF file for a
// still image: an "ftyp" box of major brand heic, followed by a "hdlr"
// box of handler type "pict".
func isHEIC(hdr []byte) bool {
	if len(hdr) < 12 || string(hdr[4:12]) != "ftypheic" {
		return false
	}
	ftypLen := binary.BigEndian.Uint32(hdr[:4])
	if uint32(len(hdr)) < ftypLen {
		return false
	}
	meta := hdr[ftypLen:]
	// The handler type is 12 bytes after the "hdlr" box type.
	const typeOffset = 12
	pos := bytes.Index(meta, pict)
	if pos < typeOffset {
		return false
	}
	return string(meta[pos-typeOffset:pos-8]) == "hdlr"
}
