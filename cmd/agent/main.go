// Package main is the entry point for the kiosk update agent.
// The agent syncs the release catalog, queues install jobs and runs them one
// at a time while reporting progress to the fleet API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"appfleet/internal/config"
	"appfleet/internal/download"
	"appfleet/internal/fleet"
	"appfleet/internal/logger"
	"appfleet/internal/observability"
	"appfleet/internal/platform"
	"appfleet/internal/reporter"
	"appfleet/internal/server"
	"appfleet/internal/server/handlers"
	"appfleet/internal/staging"
	"appfleet/internal/store/sqlite"
	"appfleet/internal/syncer"
	"appfleet/internal/verify"
	"appfleet/internal/worker"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: appfleet.yaml in the working directory or /etc/appfleet)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "appfleet-agent", cfg.DeviceID, cfg.OTELEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Printf("Failed to shutdown tracer: %v", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	metrics, err := observability.NewInstruments()
	if err != nil {
		log.Fatalf("Failed to create instruments: %v", err)
	}

	// Store
	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	if err := metrics.ObserveQueueDepth(st.Count); err != nil {
		log.Fatalf("Failed to register queue depth gauge: %v", err)
	}

	area, err := staging.New(cfg.StagingDir, logg)
	if err != nil {
		log.Fatalf("Failed to prepare staging area: %v", err)
	}

	// Fleet API and event reporting
	var rep *reporter.Reporter
	client, err := fleet.New(cfg.APIURL, cfg.DeviceID, cfg.APIToken, fleet.Options{
		OnReachable: func() { rep.NetworkAvailable() },
	}, logg)
	if err != nil {
		log.Fatalf("Failed to create fleet client: %v", err)
	}
	rep = reporter.New(st, client, reporter.Config{
		DeviceID:         cfg.DeviceID,
		Capacity:         cfg.EventBufferCap,
		MinFlushInterval: cfg.EventFlushInterval,
	}, logg, metrics)

	// Pipeline stages
	keep := worker.LiveArtifacts(st)
	dlOpts := download.Options{
		StallTimeout: cfg.StallTimeout,
		MinFreeBytes: uint64(max(cfg.MinFreeBytes, 0)),
		Keep:         keep,
		OnReachable:  rep.NetworkAvailable,
	}
	downloader, err := download.ForMode(cfg.DownloadMode,
		download.NewResumable(nil, area, st, dlOpts, logg, metrics),
		download.NewStream(nil, area, dlOpts, logg, metrics),
		logg,
	)
	if err != nil {
		log.Fatalf("Failed to create downloader: %v", err)
	}

	w := worker.New(worker.Deps{
		Queue:      st,
		Baseline:   st,
		Staging:    area,
		Downloader: downloader,
		Verifier:   verify.New(),
		Installer:  platform.NewExecInstaller(cfg.InstallCommand, logg),
		Reporter:   rep,
		ResolveURL: client.ResolveURL,
		Logger:     logg,
		Metrics:    metrics,
	}, worker.Config{
		Retry: worker.RetryPolicy{
			BaseDelay:   cfg.RetryBase,
			MaxDelay:    cfg.RetryMax,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitter,
		},
		InstallTimeout: cfg.InstallTimeout,
	})

	catalogSync := syncer.New(syncer.Deps{
		Source:    client,
		Inspector: &platform.ExecInspector{Command: cfg.InspectorCommand},
		Baseline:  st,
		Enqueuer:  w,
		Events:    rep,
		Staging:   area,
		Keep:      keep,
		Logger:    logg,
	}, syncer.Config{
		Interval: cfg.SyncInterval,
		Language: cfg.Language,
	})

	api := server.New(cfg.HTTPAddr, handlers.New(st, w, catalogSync, logg), server.Options{
		TokenHash: cfg.AgentTokenHash,
		RateLimit: rate.Limit(cfg.RateLimit),
		RateBurst: cfg.RateBurst,
	}, logg)
	if cfg.AgentTokenHash == "" {
		logg.Warn("local API authentication disabled, set agent_token_hash to enable it")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return rep.Run(gctx) })
	g.Go(func() error { return catalogSync.Run(gctx) })
	g.Go(func() error { return api.Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, metricsHandler) })

	logg.Info("agent started",
		"device_id", cfg.DeviceID,
		"api", cfg.HTTPAddr,
		"download_mode", cfg.DownloadMode,
	)

	if err := g.Wait(); err != nil {
		logg.Error("agent stopped with error", "error", err)
	}

	// Last chance to deliver what the shutdown itself reported.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := rep.Flush(flushCtx); err != nil {
		logg.Info("events left buffered for next start", "sent", n, "error", err)
	}
	logg.Info("agent stopped")
}

// serveMetrics exposes the Prometheus endpoint until ctx is done.
func serveMetrics(ctx context.Context, addr string, h http.Handler) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		// Metrics are optional; keep the agent running.
		log.Printf("Metrics server error: %v", err)
		<-ctx.Done()
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
