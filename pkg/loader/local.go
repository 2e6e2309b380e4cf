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

package loader

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/cockroachdb/errors"

	"perkeep.org/imgload/pkg/dispatch"
	"perkeep.org/imgload/pkg/loaderr"
)

// A ContentOpener opens "content://<authority>/..." URIs for the
// authority it is registered under.
type ContentOpener interface {
	OpenContent(ctx context.Context, u *url.URL) (io.ReadCloser, error)
}

// ContentOpenerFunc adapts a function to a ContentOpener.
type ContentOpenerFunc func(ctx context.Context, u *url.URL) (io.ReadCloser, error)

func (f ContentOpenerFunc) OpenContent(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	return f(ctx, u)
}

// openLocal opens a URI routed to the local pool.
func (l *Loader) openLocal(ctx context.Context, uri string) (io.ReadCloser, error) {
	scheme, ok := dispatch.Scheme(uri)
	if !ok {
		return openFile(uri)
	}
	switch scheme {
	case "file":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, loaderr.New(loaderr.KindMisuse, "open", err)
		}
		return openFile(u.Path)
	case "data":
		b, err := decodeDataURI(uri)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(b)), nil
	case "asset":
		if l.assets == nil {
			return nil, loaderr.Newf(loaderr.KindMisuse, "open", "no asset filesystem for %q", uri)
		}
		name := path.Clean(strings.TrimLeft(uri[len("asset:"):], "/"))
		f, err := l.assets.Open(name)
		if err != nil {
			return nil, loaderr.New(loaderr.KindStorage, "open asset", err)
		}
		return f, nil
	case "content":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, loaderr.New(loaderr.KindMisuse, "open", err)
		}
		op, ok := l.content[u.Host]
		if !ok {
			return nil, loaderr.New(loaderr.KindMisuse, "open",
				errors.Wrapf(loaderr.ErrUnknownScheme, "no content opener for authority %q", u.Host))
		}
		rc, err := op.OpenContent(ctx, u)
		if err != nil && loaderr.KindOf(err) == loaderr.KindUnknown {
			err = loaderr.New(loaderr.KindStorage, "open content", err)
		}
		return rc, err
	}
	return nil, loaderr.New(loaderr.KindMisuse, "open", errors.Wrapf(loaderr.ErrUnknownScheme, "%q", scheme))
}

func openFile(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, loaderr.New(loaderr.KindStorage, "open file", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, loaderr.New(loaderr.KindStorage, "open file", err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, loaderr.Newf(loaderr.KindMisuse, "open file", "%s is not a regular file", name)
	}
	return f, nil
}

// decodeDataURI returns the payload of an RFC 2397 "data:" URI.
func decodeDataURI(uri string) ([]byte, error) {
	rest := uri[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, loaderr.Newf(loaderr.KindDecode, "data uri", "missing comma")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	payload, err := url.PathUnescape(payload)
	if err != nil {
		return nil, loaderr.New(loaderr.KindDecode, "data uri", err)
	}
	if !strings.HasSuffix(strings.ToLower(meta), ";base64") {
		return []byte(payload), nil
	}
	payload = strings.TrimRight(payload, "=")
	b, err := base64.RawStdEncoding.DecodeString(payload)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(payload)
	}
	if err != nil {
		return nil, loaderr.New(loaderr.KindDecode, "data uri", err)
	}
	return b, nil
}
