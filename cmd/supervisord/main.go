// Command supervisord runs the pool manager: it loads one or more named
// worker pools from YAML, spawns their children, serves HTTP traffic
// dispatched to those pools, and exposes health, metrics, and debug
// endpoints alongside the traffic port.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/narya/wpool/internal/manager"
	"github.com/narya/wpool/internal/poolcfg"
	"github.com/narya/wpool/internal/proxy"
	"github.com/narya/wpool/internal/router"
	"github.com/narya/wpool/internal/telemetry"
	"github.com/narya/wpool/internal/wire"
)

const (
	version = "1.0.0"
	banner  = `
 __      ___ __   ___   ___  _
 \ \ /\ / / '_ \ / _ \ / _ \| |
  \ V  V /| |_) | (_) | (_) | |
   \_/\_/ | .__/ \___/ \___/|_|
          |_|
Worker Pool Supervisor v%s
`
)

func main() {
	poolsDir := flag.String("pools-dir", "./pools", "directory of <pool-id>.yaml pool configs, watched for changes")
	addr := flag.String("addr", "", "HTTP listen address (empty means :8080)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	emergencyShutdown := flag.Bool("emergency-shutdown", false, "force-kill all workers on an uncaught supervisor panic")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wpool supervisord v%s\n", version)
		os.Exit(0)
	}

	fmt.Printf(banner, version)

	instanceID := uuid.New().String()
	logger := telemetry.NewLogger(*logLevel).With().Str("instance", instanceID).Logger()
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	pools, loadErrs := poolcfg.LoadDir(*poolsDir)
	for _, err := range loadErrs {
		logger.Warn().Err(err).Msg("skipping malformed pool config")
	}
	if len(pools) == 0 {
		logger.Warn().Str("dir", *poolsDir).Msg("no pool configs loaded at startup; waiting for the directory watch")
	}

	mgr := manager.New(proxy.ExecSpawner{}, hostInfo(), nil, metrics, logger, manager.WithEmergencyShutdown(*emergencyShutdown))

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("uncaught panic in supervisor")
			mgr.EmergencyShutdown()
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, cfg := range pools {
		if !cfg.Enabled {
			continue
		}
		if _, err := mgr.CreatePool(ctx, cfg); err != nil {
			logger.Error().Err(err).Str("pool", cfg.ID).Msg("failed to start pool")
		}
	}

	if err := mgr.WatchDir(ctx, *poolsDir); err != nil {
		logger.Warn().Err(err).Str("dir", *poolsDir).Msg("pool config directory watch disabled")
	}

	go mgr.Run(ctx)

	rt := router.New(mgr, logger)
	if err := rt.BindManaged(mgr); err != nil {
		logger.Error().Err(err).Msg("failed to bind pool routes")
	}
	registerAdminRoutes(rt, mgr, metrics)

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      rt,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-poll and SSE responses may run indefinitely
	}

	go func() {
		logger.Info().Str("addr", listenAddr).Msg("supervisord listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pool shutdown did not complete cleanly")
	}
	logger.Info().Msg("shutdown complete")
}

func hostInfo() wire.ServerInfo {
	hostname, _ := os.Hostname()
	return wire.ServerInfo{Hostname: hostname}
}

func registerAdminRoutes(rt *router.Router, mgr *manager.Manager, metrics *telemetry.Metrics) {
	mux := rt.Mux()

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pools := mgr.Pools()
		total := 0
		for _, p := range pools {
			total += len(p.Proxies())
		}
		if total == 0 && len(pools) > 0 {
			http.Error(w, `{"status":"degraded","reason":"no active workers"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","pools":%d,"workers":%d}`, len(pools), total)
	})

	mux.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		telemetry.Handler(prometheus.DefaultGatherer).ServeHTTP(w, r)
	})

	mux.Get("/debug/workers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		out := map[string]any{}
		for _, p := range mgr.Pools() {
			workers := make([]map[string]any, 0)
			for _, px := range p.Proxies() {
				workers = append(workers, map[string]any{
					"pid":              px.Pid(),
					"state":            px.State().String(),
					"active_requests":  px.NumActiveRequests(),
					"requests_served":  px.NumRequestsServed(),
					"max_requests":     px.MaxRequestsPerChild(),
				})
			}
			out[p.ID()] = map[string]any{
				"active_requests": p.NumActiveRequests(),
				"workers":         workers,
			}
		}
		_ = enc.Encode(out)
	})
}
