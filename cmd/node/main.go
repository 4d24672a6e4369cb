// Package main implements a stub grid worker. It registers with the hub,
// keeps its registration alive with heartbeats and answers the session
// commands of both client dialects without driving a real browser.
//
// It stands in for a browser-hosting worker during local development and in
// end-to-end tests of the hub.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               Stub worker               │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /selenium-server/driver  - legacy    │
//	│    /wd/hub/session...       - WebDriver │
//	│    /wd/hub/status           - status    │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    worker.Worker - session table        │
//	│    agent         - hub registration     │
//	│                    and heartbeats       │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - HUB_ADDR: Hub base URL (required)
//   - NODE_LISTEN: Listen address (default: ":5555")
//   - NODE_ADDR: Public address the hub forwards to (default: "http://127.0.0.1:5555")
//   - NODE_CAPABILITIES: YAML file listing the advertised capabilities
//     (default: a single firefox on LINUX)
//   - NODE_HEARTBEAT: Heartbeat interval (default: "5s")
//   - LOG_LEVEL: debug, info, warn or error (default: "info")
//
// Example usage:
//
//	HUB_ADDR=http://localhost:4444 \
//	NODE_LISTEN=:5555 \
//	NODE_ADDR=http://localhost:5555 \
//	NODE_CAPABILITIES=./capabilities.yaml \
//	./node
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dreamware/gridhub/internal/cluster"
	"github.com/dreamware/gridhub/internal/logging"
	"github.com/dreamware/gridhub/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

const (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
)

func main() {
	hubURL := mustGetenv("HUB_ADDR")
	listen := getenv("NODE_LISTEN", ":5555")
	public := getenv("NODE_ADDR", "http://127.0.0.1:5555")

	logr, err := logging.New(getenv("LOG_LEVEL", "info"))
	if err != nil {
		logFatal("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	interval, err := time.ParseDuration(getenv("NODE_HEARTBEAT", "5s"))
	if err != nil {
		logr.Fatal("invalid NODE_HEARTBEAT", zap.Error(err))
	}

	caps, err := loadCapabilities(os.Getenv("NODE_CAPABILITIES"))
	if err != nil {
		logr.Fatal("failed to load capabilities", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	s := &http.Server{
		Addr:              listen,
		Handler:           worker.NewWorker(logr).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logr.Info("worker listening", zap.String("listen", listen), zap.String("public", public))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("listen", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newAgent(hubURL, public, caps, logr)
	if err := a.register(ctx); err != nil {
		logr.Fatal("failed to register with hub", zap.Error(err))
	}
	a.heartbeat(ctx, interval)

	// ctx is done: leave the grid before going away
	unregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.unregister(unregisterCtx)
	if err := s.Shutdown(unregisterCtx); err != nil {
		logr.Warn("server shutdown error", zap.Error(err))
	}
	logr.Info("worker stopped")
}

// agent keeps the worker registered with the hub.
type agent struct {
	hubURL string
	public string
	caps   []map[string]any
	log    *zap.Logger

	attempts int
	delay    time.Duration
}

func newAgent(hubURL, public string, caps []map[string]any, log *zap.Logger) *agent {
	return &agent{
		hubURL:   hubURL,
		public:   public,
		caps:     caps,
		log:      log.Named("agent"),
		attempts: registerAttempts,
		delay:    registerDelay,
	}
}

// register posts the registration, retrying while the hub is not up yet.
func (a *agent) register(ctx context.Context) error {
	body := cluster.NewRegisterRequest(a.public, a.caps)
	var lastErr error

	for i := 0; i < a.attempts; i++ {
		lastErr = cluster.PostJSON(ctx, a.hubURL+"/grid/register", body, nil)
		if lastErr == nil {
			a.log.Info("registered with hub", zap.String("hub", a.hubURL))
			return nil
		}
		a.log.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.delay):
		}
	}
	return fmt.Errorf("register after %d attempts: %w", a.attempts, lastErr)
}

// heartbeat polls the hub's proxy status until ctx ends. A hub that no
// longer knows the worker, after a restart or a liveness expiry, gets a
// fresh registration.
func (a *agent) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.beat(ctx) {
				continue
			}
			if err := a.register(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("re-registration failed", zap.Error(err))
			}
		}
	}
}

// beat sends one heartbeat and reports whether the hub still knows us.
func (a *agent) beat(ctx context.Context) bool {
	var status cluster.ProxyStatus
	if err := cluster.GetJSON(ctx, a.statusURL("/grid/api/proxy"), &status); err != nil {
		a.log.Warn("heartbeat failed", zap.Error(err))
		return false
	}
	if !status.Success {
		a.log.Info("hub lost our registration", zap.String("msg", status.Msg))
	}
	return status.Success
}

func (a *agent) unregister(ctx context.Context) {
	reply, err := cluster.GetText(ctx, a.statusURL("/grid/unregister"))
	if err != nil {
		a.log.Warn("unregister failed", zap.Error(err))
		return
	}
	a.log.Info("unregistered", zap.String("reply", reply))
}

func (a *agent) statusURL(path string) string {
	return a.hubURL + path + "?id=" + url.QueryEscape(a.public)
}

// getenv returns the environment variable k, or def when it is unset or
// empty.
//
// Example:
//
//	listen := getenv("NODE_LISTEN", ":5555")
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv returns the environment variable k and terminates the program
// when it is unset or empty.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
