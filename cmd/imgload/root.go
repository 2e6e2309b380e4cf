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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"perkeep.org/imgload/pkg/buildinfo"
	"perkeep.org/imgload/pkg/loader"
)

// app holds the state shared by the subcommands.
type app struct {
	cfgFile string
	verbose bool

	log *zap.Logger
	cfg loader.Config
}

func newRootCmd() *cobra.Command {
	a := new(app)
	root := &cobra.Command{
		Use:   "imgload",
		Short: "Fetch, decode and cache images",
		Long: `imgload loads images from http(s) URLs, files, data: URIs and
assets through a memory cache and a disk cache, decoding them at the
requested size.

The JSON configuration file holds the keys cacheDir, reserveBytes,
maxDiskBytes, maxMemoryBytes, maxDecodeBytes, networkWorkers,
queueCapacity, maxRetries, connectTimeout, readTimeout,
progressCheckpoints, requestsPerSecond and tileIdleTimeout.`,
		Version:       buildinfo.Summary(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "JSON configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "development logging at debug level")
	root.AddCommand(a.fetchCmd(), a.serveCmd(), a.tilesCmd())
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

func (a *app) setup() error {
	var err error
	if a.verbose {
		a.log, err = zap.NewDevelopment()
	} else {
		a.log, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	if a.cfgFile == "" {
		a.cfg = loader.DefaultConfig()
		return nil
	}
	a.cfg, err = loader.ReadConfigFile(a.cfgFile)
	return err
}

func (a *app) newLoader(reg prometheus.Registerer) (*loader.Loader, error) {
	a.log.Debug("starting loader", zap.String("cacheDir", a.cfg.CacheDir))
	return loader.New(a.cfg, loader.Env{Logger: a.log, Registerer: reg})
}

// addImageFlags registers the processing options on cmd.
func addImageFlags(cmd *cobra.Command, o *loader.Options) {
	f := cmd.Flags()
	f.IntVar(&o.MaxWidth, "mw", 0, "maximum width, 0 for none")
	f.IntVar(&o.MaxHeight, "mh", 0, "maximum height, 0 for none")
	f.BoolVar(&o.Square, "square", false, "crop to the centered square")
	f.BoolVar(&o.IgnoreEXIF, "ignore-exif", false, "ignore the EXIF orientation")
	f.BoolVar(&o.NoDiskCache, "no-disk-cache", false, "keep downloads out of the disk cache")
}
