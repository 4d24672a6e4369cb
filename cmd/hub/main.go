// Command hub runs the grid hub: it accepts worker registrations and routes
// client sessions to matching workers.
//
// Usage:
//
//	hub -config hub.yaml
//
// Every setting can also be given as a GRIDHUB_* environment variable, e.g.
// GRIDHUB_HUB_PORT=4444.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/gridhub/internal/api"
	"github.com/dreamware/gridhub/internal/config"
	"github.com/dreamware/gridhub/internal/coordinator"
	"github.com/dreamware/gridhub/internal/forward"
	"github.com/dreamware/gridhub/internal/logging"
	"github.com/dreamware/gridhub/internal/pool"
	"github.com/dreamware/gridhub/internal/session"
)

const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("hub failed", zap.Error(err))
	}
	logr.Info("hub stopped")
}

// newHub builds the hub and its liveness monitor from cfg.
func newHub(cfg *config.Config, logr *zap.Logger) (*coordinator.Hub, *coordinator.LivenessMonitor) {
	sessions := session.NewRegistry(session.Config{
		CheckInterval: cfg.Intervals.SessionCheck,
		IdleTimeout:   cfg.Timeouts.Idle,
		IdleSlack:     cfg.Timeouts.IdleSlack,
		MaxDuration:   cfg.Timeouts.MaxDuration,
	}, logr)

	var fallback *coordinator.Fallback
	if cfg.FallbackEnabled() {
		fallback = &coordinator.Fallback{
			Addr:   pool.Address{Host: cfg.Fallback.Host, Port: cfg.Fallback.Port},
			Key:    cfg.Fallback.Key,
			Secret: cfg.Fallback.Secret,
		}
	}

	hub := coordinator.NewHub(coordinator.Options{
		Store:            pool.NewMemoryStore(),
		Sessions:         sessions,
		Forwarder:        forward.New(nil, forward.FixedDelay(cfg.Forward.Retries, cfg.Forward.Delay), logr),
		Pending:          coordinator.NewPendingQueue(cfg.Timeouts.Pending, logr),
		Fallback:         fallback,
		NewSessionPolicy: forward.LinearBackoff(cfg.Dispatch.Retries, 2*time.Second, 500*time.Millisecond),
		EndSessionPolicy: coordinator.DefaultEndSessionPolicy(),
		Log:              logr,
	})

	monitor := coordinator.NewLivenessMonitor(cfg.Intervals.Liveness, cfg.Timeouts.Node, logr)
	monitor.SetOnExpired(func(addr pool.Address) { hub.RemoveNode(addr) })
	return hub, monitor
}

// run serves until ctx is cancelled, then drains the pending queue once more
// and shuts down.
func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	hub, monitor := newHub(cfg, logr)
	defer hub.Close()

	handlers := api.NewAPI(hub, cfg, logr)
	handlers.SetExpiryLog(monitor)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(handlers),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logr.Info("hub listening", zap.String("addr", srv.Addr), zap.Bool("fallback", cfg.FallbackEnabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		monitor.Start(gctx, hub.Nodes)
		return nil
	})

	g.Go(func() error {
		return hub.RunPendingDrain(gctx, cfg.Intervals.PendingDrain)
	})

	g.Go(func() error {
		<-gctx.Done()
		logr.Info("shutting down")
		if n := hub.DrainPending(); n > 0 {
			logr.Info("final pending drain", zap.Int("matched", n))
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
