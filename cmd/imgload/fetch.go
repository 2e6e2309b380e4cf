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

package main

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"perkeep.org/imgload/internal/magic"
	"perkeep.org/imgload/pkg/loader"
)

func (a *app) fetchCmd() *cobra.Command {
	var (
		o   loader.Options
		out string
		raw bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <uri>",
		Short: "Load an image and write it to a file",
		Long: `Load an image and write it to the output file, encoded as JPEG
if the file name ends in .jpg or .jpeg and as PNG otherwise. With --raw
the source bytes are written unchanged.

Examples:
  imgload fetch https://example.com/a.jpg --mw 512 -o a.png
  imgload fetch ./photo.jpg --square --mw 128 -o thumb.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.newLoader(nil)
			if err != nil {
				return err
			}
			defer l.Close()
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if raw {
				rc, err := l.Open(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				defer rc.Close()
				mime, r := magic.MIMETypeFromReader(rc)
				n, err := io.Copy(w, r)
				a.log.Info("fetched raw",
					zap.String("uri", args[0]),
					zap.String("type", mime),
					zap.Int64("bytes", n))
				return err
			}
			bm, src, err := l.Fetch(cmd.Context(), args[0], o)
			if err != nil {
				return err
			}
			defer bm.Release()
			a.log.Info("fetched",
				zap.String("uri", args[0]),
				zap.Stringer("source", src),
				zap.Int("width", bm.Width()),
				zap.Int("height", bm.Height()))
			return encode(w, out, bm.Image)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "-", "output file, - for stdout")
	cmd.Flags().BoolVar(&raw, "raw", false, "write the source bytes without decoding")
	addImageFlags(cmd, &o)
	return cmd
}

func encode(w io.Writer, name string, m image.Image) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return errors.Wrap(jpeg.Encode(w, m, &jpeg.Options{Quality: 90}), "encoding jpeg")
	default:
		return errors.Wrap(png.Encode(w, m), "encoding png")
	}
}
