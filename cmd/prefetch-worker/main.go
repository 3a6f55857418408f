package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzyats/core-feed-go/internal/app"
	"github.com/lzyats/core-feed-go/internal/config"
	"github.com/lzyats/core-feed-go/internal/metrics"
	"github.com/lzyats/core-feed-go/pkg/runner"
)

func main() {
	var (
		cfgPaths    string
		metricsAddr string
	)
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.StringVar(&metricsAddr, "metrics", ":7102", "metrics listen address (empty disables)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("build failed", zap.Error(err))
	}
	defer a.Close()
	if a.Queue == nil {
		log.Fatal("prefetch worker needs redis.enabled: Y for its queue")
	}
	a.StartPrefetch(ctx)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 2 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server error", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	sources := make(map[string]runner.Rebuilder, len(a.Prefetch))
	for name, m := range a.Prefetch {
		sources[name] = m
	}
	w := runner.NewWorker(a.Queue, sources, log)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", zap.Error(err))
	}
}
