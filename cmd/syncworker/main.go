// Command syncworker runs the import worker: the HTTP trigger surface,
// the pipeline orchestrator, and the resource machinery around them.
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

	"github.com/gin-gonic/gin"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/api"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/batch"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/breaker"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/config"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/dedupe"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/idp"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/monitor"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/notify"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/pipeline"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(handler))
	log := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		st = pg
		log.Info("using postgres store")
	} else {
		st = store.NewMemory()
		log.Warn("no DATABASE_URL set, using in-memory store; data will not survive a restart")
	}

	mon := monitor.New(monitor.Thresholds{
		WarnCPU:    cfg.WarnCPU,
		MaxCPU:     cfg.MaxCPU,
		WarnMemory: cfg.WarnMemory,
		MaxMemory:  cfg.MaxMemory,
	}).WithMaxConcurrency(cfg.MaxConcurrency)
	mon.Start(cfg.SampleInterval)
	defer mon.Stop()

	brk := breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.BreakerWindow)
	proc := batch.NewProcessor(mon).
		WithChunkSizes(cfg.BatchBase, cfg.BatchMin, cfg.BatchMax).
		WithMaxConcurrency(cfg.MaxConcurrency).
		WithBaseDelay(cfg.BatchBaseDelay)

	var client idp.Client
	switch cfg.Provider {
	case "google":
		client = idp.NewGoogle().WithRateLimit(cfg.GoogleRatePerSec, cfg.GoogleBurst)
	default:
		client = idp.SampleMock()
		log.Warn("using the mock identity provider")
	}

	var notifier notify.Notifier = notify.NoOp{}
	if cfg.WebhookURL != "" || cfg.EmailURL != "" {
		notifier = notify.NewHTTP(cfg.WebhookURL, cfg.EmailURL, cfg.NotifyKey)
	}

	orch := pipeline.New(st, client, mon, brk, proc, notifier)
	engine := dedupe.New(st)

	gin.SetMode(gin.ReleaseMode)
	h := api.NewHandler(ctx, st, orch, engine)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(h),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "provider", cfg.Provider)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, draining")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	// In-flight imports observe the cancelled context, record their
	// terminal status, and drain before the process exits.
	h.Wait()
	orch.Wait()
	log.Info("worker stopped")
	return nil
}
