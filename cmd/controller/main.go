/*
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
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/debug"
	"github.com/packfleet/packfleet/pkg/operator"
	"github.com/packfleet/packfleet/pkg/operator/options"
	"github.com/packfleet/packfleet/pkg/store"
	"github.com/packfleet/packfleet/pkg/store/memory"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to an optional YAML config file.")
	flag.Parse()

	zapLog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = zapLog.Sync() }()
	log := zapr.NewLogger(zapLog)

	opts, err := options.Load(configPath)
	if err != nil {
		log.Error(err, "loading configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	op := operator.NewOperator(log, clock.RealClock{}, store.NewRetrying(memory.NewStore()), opts)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return op.Start(groupCtx) })
	if opts.ListenAddr != "" {
		group.Go(func() error { return op.ServeChannels(groupCtx, opts.ListenAddr) })
	}
	if opts.DebugAddr != "" {
		group.Go(func() error {
			return serveDebug(groupCtx, opts.DebugAddr, debug.NewServer(log, op.Chaos, op.Registry, nil, opts.ProductionMode))
		})
	}

	if err := group.Wait(); err != nil {
		log.Error(err, "control plane exited")
		os.Exit(1)
	}
}

func serveDebug(ctx context.Context, addr string, srv *debug.Server) error {
	server := &http.Server{Addr: addr, Handler: srv.Router(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
