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
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"perkeep.org/imgload/pkg/server"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		listen     string
		allowLocal bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve resized images over HTTP",
		Long: `Serve resized images over HTTP:

  /image?url=<uri>&mw=<width>&mh=<height>&square=<bool>
  /status   queue and cache state as JSON
  /metrics  Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			l, err := a.newLoader(reg)
			if err != nil {
				return err
			}
			defer l.Close()
			ih, err := server.NewImageHandler(l, server.ImageHandlerOptions{
				AllowLocal: allowLocal,
				Logger:     a.log.Named("http"),
				Registerer: reg,
			})
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/image", ih)
			mux.Handle("/status", &server.StatusHandler{Loader: l})
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			return a.listenAndServe(cmd.Context(), listen, mux)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "localhost:8080", "address to listen on")
	cmd.Flags().BoolVar(&allowLocal, "allow-local", false, "serve file, asset and content URIs too")
	return cmd
}

// listenAndServe serves h on addr until ctx is done.
func (a *app) listenAndServe(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	a.log.Info("serving", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != http.ErrServerClosed {
		return err
	}
	return nil
}
