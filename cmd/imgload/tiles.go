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
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"perkeep.org/imgload/pkg/dispatch"
	"perkeep.org/imgload/pkg/images"
	"perkeep.org/imgload/pkg/tiledecode"
)

func (a *app) tilesCmd() *cobra.Command {
	var (
		dir      string
		tileSize int
		scale    float64
	)
	cmd := &cobra.Command{
		Use:   "tiles <uri>",
		Short: "Decode an image as a grid of tiles",
		Long: `Decode the whole image as tiles of --tile pixels displayed at
--scale, writing each to <dir>/tile-<x>-<y>.png where x and y are the
tile's position in image coordinates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			l, err := a.newLoader(nil)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := cmd.Context()
			looper := dispatch.NewLooper()
			var (
				exec    *tiledecode.Executor
				pending int
				runErr  error
			)
			done := func(err error) {
				if err != nil && runErr == nil {
					runErr = err
				}
				if pending--; pending <= 0 {
					looper.Quit()
				}
			}
			exec = l.NewTileExecutor(looper, tiledecode.CallbackFuncs{
				InitSucceeded: func(uri string, gen int64, info images.RegionInfo) {
					a.log.Info("decoding tiles",
						zap.String("uri", uri),
						zap.String("format", info.Format),
						zap.Int("width", info.Width),
						zap.Int("height", info.Height))
					bounds := image.Rect(0, 0, info.Width, info.Height)
					tiles := tiledecode.Plan(bounds, bounds, scale, tileSize, gen)
					pending = len(tiles)
					if pending == 0 {
						looper.Quit()
					}
					for _, t := range tiles {
						exec.DecodeTile(t)
					}
				},
				InitFailed: func(uri string, gen int64, err error) {
					runErr = err
					looper.Quit()
				},
				TileDecoded: func(t *tiledecode.Tile) {
					defer t.Release()
					name := filepath.Join(dir, fmt.Sprintf("tile-%d-%d.png", t.Src.Min.X, t.Src.Min.Y))
					done(writeTile(name, t.Bitmap.Image))
				},
				TileFailed: func(t *tiledecode.Tile, err error) {
					done(errors.Wrapf(err, "tile %v", t.Src))
				},
			})
			defer exec.Close()

			exec.Init(args[0])
			looper.Run(ctx)
			if runErr == nil && ctx.Err() != nil {
				runErr = ctx.Err()
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "tiles", "output directory")
	cmd.Flags().IntVar(&tileSize, "tile", 256, "tile size in decoded pixels")
	cmd.Flags().Float64Var(&scale, "scale", 1, "display scale; below 1 sub-samples")
	return cmd
}

func writeTile(name string, m image.Image) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := encode(f, name, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
