// Package app wires configuration into stores, sources, prefetch managers and
// the feed engine. Both binaries build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lzyats/core-feed-go/internal/breaker"
	"github.com/lzyats/core-feed-go/internal/config"
	"github.com/lzyats/core-feed-go/internal/db"
	"github.com/lzyats/core-feed-go/internal/hub"
	"github.com/lzyats/core-feed-go/internal/metrics"
	"github.com/lzyats/core-feed-go/pkg/assembler"
	"github.com/lzyats/core-feed-go/pkg/feed"
	"github.com/lzyats/core-feed-go/pkg/prefetch"
	"github.com/lzyats/core-feed-go/pkg/producer"
	"github.com/lzyats/core-feed-go/pkg/sources/epub"
	"github.com/lzyats/core-feed-go/pkg/sources/httpsource"
	"github.com/lzyats/core-feed-go/pkg/sources/mediadir"
	redisstore "github.com/lzyats/core-feed-go/pkg/store/redis"
	sqlstore "github.com/lzyats/core-feed-go/pkg/store/sql"
	"github.com/lzyats/core-feed-go/pkg/store/storeiface"
	"github.com/lzyats/core-feed-go/pkg/tier"
	"github.com/lzyats/core-feed-go/pkg/tracker"
)

// Store is a backend serving both selection counts and prefetch entries.
type Store interface {
	storeiface.TrackerStore
	storeiface.BlobStore
}

type App struct {
	Cfg *config.Config
	Log *zap.Logger

	Store    Store
	Queue    *redisstore.Store // nil unless redis is enabled
	Tracker  *tracker.Tracker
	Engine   *assembler.Engine
	Prefetch map[string]*prefetch.Manager
	Hub      *hub.Hub
	MQ       *producer.RocketMQ

	closers []func() error
}

func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (a *App, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	a = &App{Cfg: cfg, Log: log, Prefetch: map[string]*prefetch.Manager{}}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.Tracker = tracker.New(a.Store, tracker.Options{Logger: log})
	a.Hub = hub.New(log)
	a.Hub.OnDrop = metrics.ProgressBackpressure.Inc

	publishers := prefetch.Publishers{a.Hub}
	if cfg.RocketMQ.Enabled == "Y" {
		a.MQ = producer.NewRocketMQ(cfg.RocketMQ)
		a.closers = append(a.closers, a.MQ.Close)
		publishers = append(publishers, a.MQ)
	}

	brk := breaker.New(breaker.Options{
		Threshold: cfg.Breaker.Threshold,
		Window:    cfg.Breaker.Window,
		OpenFor:   cfg.Breaker.OpenFor,
		OnChange:  func(source string, from, to breaker.State) {
			metrics.Observer{}.BreakerChanged(source, from, to)
			log.Warn("source circuit changed", zap.String("source", source), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	var limiter *rate.Limiter
	if r := cfg.Prefetch.RatePerSecond; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), 1)
	}

	bindings := make([]assembler.Binding, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		var src feed.Source
		switch sc.Kind {
		case feed.KindHTTP:
			hs := httpsource.New(sc.Name, sc.URL, sc.Timeout)
			hs.Breaker = brk
			src = hs
		case feed.KindMediaDir:
			src = mediadir.New(sc.Name, sc.Path, sc.URL)
		case feed.KindEPUB:
			name := sc.Name
			m := prefetch.New(epub.New(name, sc.Path), a.Store, prefetch.Options{
				Name:         name,
				Query:        sc.Query(),
				ItemTimeout:  cfg.Prefetch.ItemTimeout,
				InitialDelay: cfg.Prefetch.InitialDelay,
				Interval:     cfg.Prefetch.Interval,
				Limiter:      limiter,
				Logger:       log,
				Publisher:    publishers,
				Observer:     metrics.Observer{},
				OnProgress:   a.Hub.Progress,
				OnUpdated: func() {
					if a.Engine != nil {
						a.Engine.Invalidate(name)
					}
				},
			})
			a.Prefetch[name] = m
			src = m
		default:
			return nil, fmt.Errorf("%w: source %q: unknown kind %q", feed.ErrConfigurationInvalid, sc.Name, sc.Kind)
		}
		bindings = append(bindings, assembler.Binding{
			Name:    sc.Name,
			Source:  src,
			Tier:    sc.Tier,
			Padding: sc.Padding,
			Query:   sc.Query(),
			Timeout: sc.Timeout,
		})
	}

	rules, err := tier.FromSettings(cfg.Tiers)
	if err != nil {
		return nil, err
	}
	a.Engine, err = assembler.New(bindings, a.Tracker, assembler.Options{
		Rules:        rules,
		DefaultSize:  cfg.Feed.DefaultSize,
		MaxSize:      cfg.Feed.MaxSize,
		FetchTimeout: cfg.Feed.FetchTimeout,
		FreshFor:     cfg.Feed.FreshFor,
		MaxSessions:  cfg.Feed.MaxSessions,
		Logger:       log,
		Observer:     metrics.Observer{},
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Cfg
	if cfg.Redis.Enabled == "Y" || cfg.Store.Backend == feed.BackendRedis {
		rs, err := redisstore.New(cfg.Redis)
		if err != nil {
			return err
		}
		a.Queue = rs
		a.closers = append(a.closers, rs.Close)
	}

	switch cfg.Store.Backend {
	case feed.BackendMemory:
		a.Store = storeiface.NewMemoryStore()
		return nil
	case feed.BackendRedis:
		a.Store = a.Queue
		return nil
	}

	sqlDB, err := a.openSQL()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, sqlDB.Close)
	dialect := sqlstore.MySQL
	if cfg.Store.Backend == feed.BackendSQLite {
		dialect = sqlstore.SQLite
	}
	st, err := sqlstore.New(sqlDB, dialect)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", dialect, err)
	}
	a.Store = st
	return nil
}

func (a *App) openSQL() (*sql.DB, error) {
	cfg := a.Cfg
	switch cfg.Store.Backend {
	case feed.BackendMySQL:
		return db.OpenMySQL(db.Options{
			DSN:          cfg.Store.DSN,
			MaxOpenConns: cfg.DB.MaxOpenConns,
			MaxIdleConns: cfg.DB.MaxIdleConns,
			ConnMaxLife:  cfg.DB.ConnMaxLife,
		})
	case feed.BackendSQLite:
		return db.OpenSQLite(cfg.Store.DSN)
	}
	return nil, fmt.Errorf("%w: unknown store backend %q", feed.ErrConfigurationInvalid, cfg.Store.Backend)
}

// StartPrefetch starts every manager's timer when prefetch is enabled.
func (a *App) StartPrefetch(ctx context.Context) {
	if a.Cfg.Prefetch.Enabled != "Y" {
		a.Log.Info("prefetch timers disabled")
		return
	}
	for name, m := range a.Prefetch {
		a.Log.Info("prefetch timer started", zap.String("source", name))
		m.Start(ctx)
	}
}

func (a *App) Close() error {
	for _, m := range a.Prefetch {
		m.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
