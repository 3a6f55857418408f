package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzyats/core-feed-go/internal/api"
	"github.com/lzyats/core-feed-go/internal/app"
	"github.com/lzyats/core-feed-go/internal/config"
	"github.com/lzyats/core-feed-go/internal/metrics"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("feed-api starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("store", cfg.Store.Backend),
		zap.Int("sources", len(cfg.Sources)),
	)

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("build failed", zap.Error(err))
	}
	defer a.Close()
	a.StartPrefetch(ctx)

	s := &api.Server{
		Engine:        a.Engine,
		Tracking:      a.Tracker,
		Prefetch:      a.Prefetch,
		Hub:           a.Hub,
		Log:           log,
		SessionHeader: cfg.Session.Header,
		SessionQuery:  cfg.Session.QueryKey,
		WriteTimeout:  cfg.HTTP.WriteTimeout,
	}
	if a.Queue != nil {
		s.Queue = a.Queue
	}
	mux := s.Routes()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("feed-api listening", zap.String("addr", cfg.HTTP.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
	a.Engine.Wait()
	log.Info("feed-api stopped")
}
