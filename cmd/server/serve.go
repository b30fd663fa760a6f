package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/session-timer/backend/internal/cache"
	"github.com/session-timer/backend/internal/clock"
	"github.com/session-timer/backend/internal/config"
	"github.com/session-timer/backend/internal/durable"
	"github.com/session-timer/backend/internal/engine"
	"github.com/session-timer/backend/internal/health"
	"github.com/session-timer/backend/internal/history"
	"github.com/session-timer/backend/internal/session"
	"github.com/session-timer/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session timer server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := newLogger(os.Stderr, cfg.Log)
	clk := clock.System{}
	tracker := health.NewTracker(log, clk, cfg.Log.Throttle)

	fallback := cache.NewMemory(clk)
	var primary cache.Client
	if cfg.Cache.Addr != "" {
		rc := cache.NewRedis(cache.RedisOptions{
			Addr:        cfg.Cache.Addr,
			Password:    cfg.Cache.Password,
			DB:          cfg.Cache.DB,
			OpTimeout:   cfg.Cache.OpTimeout,
			DialTimeout: cfg.Cache.DialTimeout,
		})
		defer rc.Close()
		primary = rc
	} else {
		log.Warn("no cache address configured, running on in-process cache only")
	}
	kv := cache.NewFailover(primary, fallback, tracker.Dependency("cache"), cfg.Cache.ProbeInterval)
	if err := kv.Probe(ctx); err != nil {
		log.Warn("cache unreachable at startup, using fallback", "addr", cfg.Cache.Addr, "err", err)
	}

	durableDep := tracker.Dependency("durable")
	db := durable.NewLazy(cfg.Durable.Path, cfg.Durable.Timeout)
	defer db.Close()
	if _, err := db.Connect(); err != nil {
		durableDep.RecordFailure(err)
		log.Error("durable store unavailable, history disabled until it opens", "path", cfg.Durable.Path, "err", err)
	}

	store := session.NewStore(kv, clk, cfg.Session.TTL)
	locks := session.NewLocker(kv, clk, cfg.Session.LockTTL)
	recorder := history.NewRecorder(db, kv, clk, durableDep, log)
	hist := history.NewService(db, kv, cfg.History.CacheTTL, durableDep, log)

	broadcaster := ws.NewBroadcaster(cfg.Server.MaxConnections, log)
	eng := engine.New(store, locks, broadcaster,
		engine.WithLogger(log),
		engine.WithRecorder(recorder),
		engine.WithOptions(engine.Options{
			SessionTTL:   cfg.Session.TTL,
			LockTTL:      cfg.Session.LockTTL,
			TickInterval: cfg.Session.TickInterval,
		}),
	)

	stats := func() ws.Stats {
		return ws.Stats{
			ActiveTimers: eng.Scheduler().Active(),
			Connections:  broadcaster.ClientCount(),
			Users:        eng.Registry().UserCount(),
		}
	}
	server := ws.NewServer(eng, broadcaster,
		ws.WithHistory(hist),
		ws.WithHealth(tracker, stats),
		ws.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		ws.WithLogger(log),
		ws.WithBaseContext(context.WithoutCancel(ctx)),
	)
	httpServer := ws.NewHTTPServer(cfg.Server.Host, cfg.Server.Port, server.Handler())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		kv.Run(ctx)
		return nil
	})
	g.Go(func() error {
		maintain(ctx, cfg.Cache.ProbeInterval, fallback, db, durableDep, log)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		eng.Shutdown()
		broadcaster.CloseAll()
		return err
	})
	return g.Wait()
}

// maintain sweeps expired fallback entries and checks the durable store on
// every interval until ctx is done. A store that failed to open is retried.
func maintain(ctx context.Context, interval time.Duration, fallback *cache.Memory, db *durable.Lazy, dep *health.Dependency, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fallback.Sweep()
		wasOpen := db.Opened()
		if err := db.Ping(ctx); err != nil {
			if ctx.Err() == nil {
				dep.RecordFailure(err)
			}
			continue
		}
		if !wasOpen {
			log.Info("durable store opened, history enabled")
		}
		dep.RecordSuccess()
	}
}
