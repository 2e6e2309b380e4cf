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

// Package server provides the HTTP handlers of imgload serve.
package server

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go4.org/syncutil/singleflight"

	"perkeep.org/imgload/pkg/dispatch"
	"perkeep.org/imgload/pkg/httputil"
	"perkeep.org/imgload/pkg/images"
	"perkeep.org/imgload/pkg/loader"
)

// MaxImageSize is the largest width or height a client may ask for.
const MaxImageSize = 4000

const oneYear = 365 * 24 * time.Hour

type encodedImage struct {
	format string
	data   []byte
	source dispatch.Source
}

// ImageHandler serves images loaded by a Loader, re-encoded at the size
// given by the query:
//
//	GET /?url=<uri>&mw=<max width>&mh=<max height>&square=<bool>
type ImageHandler struct {
	loader *loader.Loader
	log    *zap.Logger
	// allowLocal lets clients name file, asset and content URIs.
	allowLocal bool

	// single prevents encoding the same image at once for two requests.
	single singleflight.Group

	bytesServed prometheus.Counter
}

type ImageHandlerOptions struct {
	// AllowLocal serves local URIs too. By default only http and
	// https URIs are accepted.
	AllowLocal bool
	Logger     *zap.Logger
	// Registerer, if non-nil, receives the handler's metrics.
	Registerer prometheus.Registerer
}

func NewImageHandler(l *loader.Loader, opts ImageHandlerOptions) (*ImageHandler, error) {
	ih := &ImageHandler{
		loader:     l,
		log:        opts.Logger,
		allowLocal: opts.AllowLocal,
		bytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "image_bytes_served_total",
			Help:      "Bytes of encoded images written to clients",
		}),
	}
	if ih.log == nil {
		ih.log = zap.NewNop()
	}
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(ih.bytesServed); err != nil {
			return nil, err
		}
	}
	return ih, nil
}

// etag returns the entity tag of the image cached under key.
func etag(key string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(key)))
}

func (ih *ImageHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	uri := httputil.MustGet(req, "url")
	o := loader.Options{
		MaxWidth:  httputil.OptionalInt(req, "mw"),
		MaxHeight: httputil.OptionalInt(req, "mh"),
		Square:    httputil.OptionalBool(req, "square"),
	}
	if o.MaxWidth > MaxImageSize || o.MaxHeight > MaxImageSize {
		http.Error(rw, "bogus dimensions", http.StatusBadRequest)
		return
	}
	if route, err := dispatch.Classify(uri); err != nil || (route == dispatch.RouteLocal && !ih.allowLocal) {
		http.Error(rw, "unsupported url", http.StatusBadRequest)
		return
	}

	key := loader.CacheKey(uri, o)
	tag := etag(key)
	if inm := req.Header.Get("If-None-Match"); inm != "" && strings.Trim(inm, `"`) == tag {
		rw.WriteHeader(http.StatusNotModified)
		return
	}

	v, err := ih.single.Do(key, func() (interface{}, error) {
		// The result is shared, so it must outlive this client.
		return ih.encode(context.WithoutCancel(req.Context()), uri, o)
	})
	if err != nil {
		ih.log.Info("image load failed", zap.String("url", uri), zap.Error(err))
		httputil.ServeJSONError(rw, err)
		return
	}
	im := v.(*encodedImage)

	h := rw.Header()
	h.Set("Expires", time.Now().Add(oneYear).Format(http.TimeFormat))
	h.Set("Etag", strconv.Quote(tag))
	h.Set("Content-Type", "image/"+im.format)
	h.Set("Content-Length", strconv.Itoa(len(im.data)))
	h.Set("X-Imgload-Source", im.source.String())
	if req.Method == "HEAD" {
		return
	}
	n, err := rw.Write(im.data)
	ih.bytesServed.Add(float64(n))
	if err != nil && !httputil.IsClientGone(err) {
		ih.log.Warn("error serving image", zap.String("url", uri), zap.Error(err))
	}
}

// encode loads uri and encodes it as JPEG when opaque, PNG otherwise.
func (ih *ImageHandler) encode(ctx context.Context, uri string, o loader.Options) (*encodedImage, error) {
	bm, src, err := ih.loader.Fetch(ctx, uri, o)
	if err != nil {
		return nil, err
	}
	defer bm.Release()
	return encodeBitmap(bm, src)
}

func encodeBitmap(bm *images.Bitmap, src dispatch.Source) (*encodedImage, error) {
	var buf bytes.Buffer
	im := &encodedImage{source: src}
	if bm.Image.Opaque() {
		im.format = "jpeg"
		if err := jpeg.Encode(&buf, bm.Image, &jpeg.Options{Quality: 90}); err != nil {
			return nil, err
		}
	} else {
		im.format = "png"
		if err := png.Encode(&buf, bm.Image); err != nil {
			return nil, err
		}
	}
	im.data = buf.Bytes()
	return im, nil
}
