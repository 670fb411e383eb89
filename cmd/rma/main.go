// Package main is the entry point for the RMA batch processor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soma-tiles/rma/internal/cache"
	"github.com/soma-tiles/rma/internal/config"
	"github.com/soma-tiles/rma/internal/layout"
	"github.com/soma-tiles/rma/internal/logging"
	"github.com/soma-tiles/rma/internal/metrics"
	"github.com/soma-tiles/rma/internal/render"
	"github.com/soma-tiles/rma/internal/runner"
	"github.com/soma-tiles/rma/internal/service"
	"github.com/soma-tiles/rma/internal/store"
)

func main() {
	configPath := flag.String("config", "config/rma.yaml", "Path to configuration file")
	batchName := flag.String("batch", "", "Process only the named batch")
	list := flag.Bool("list", false, "List recorded runs and exit")
	force := flag.Bool("force", false, "Recompute batches even when a matching completed run exists")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.InitLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	st, err := store.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		logger.WithError(err).Fatal("failed to open run store")
	}
	defer st.Close()

	if *list {
		if err := listRuns(st); err != nil {
			logger.WithError(err).Fatal("failed to list runs")
		}
		return
	}

	batches := cfg.Batches
	if *batchName != "" {
		b, ok := cfg.Batch(*batchName)
		if !ok {
			logger.Fatalf("unknown batch %q", *batchName)
		}
		batches = []config.BatchConfig{b}
	}
	if len(batches) == 0 {
		logger.Fatal("no batches configured")
	}

	cacheManager, err := cache.NewManager(cache.Config{
		BlobCacheSizeMB: cfg.Cache.BlobCacheMB,
		LayoutCacheSize: cfg.Cache.LayoutCacheSize,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize cache")
	}
	defer cacheManager.Close()

	collector := metrics.New()
	batchService := service.NewBatchService(service.BatchServiceConfig{
		Config:    cfg,
		Layouts:   layout.NewProvider(cfg.Layout.Dir, cacheManager),
		BlobCache: cacheManager,
		Renderer:  render.NewBoxplotRenderer(render.Config{}),
		Metrics:   collector,
		Logger:    logger,
	})

	manager := runner.NewManager(runner.Config{
		MaxConcurrent: cfg.Store.MaxConcurrent,
		RetentionDays: cfg.Store.RetentionDays,
		CleanupPeriod: time.Hour,
		Reuse:         cfg.Store.ReuseEnabled() && !*force,
	}, st, batchService.Execute, logger)
	manager.SetObserver(collector)
	manager.Start()

	logger.WithFields(logrus.Fields{
		"batches":        len(batches),
		"max_concurrent": cfg.Store.MaxConcurrent,
		"sqlite":         cfg.Store.SQLitePath,
	}).Info("processing batches")

	runs := make([]*store.Run, 0, len(batches))
	for _, b := range batches {
		run, err := manager.Submit(batchService.Params(b))
		if err != nil {
			logger.WithError(err).WithField("batch", b.Name).Error("failed to submit batch")
			continue
		}
		runs = append(runs, run)
	}

	// Interrupts cancel outstanding runs; batches stop at the next phase boundary.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Warn("interrupted, cancelling runs")
		for _, run := range runs {
			manager.Cancel(run.ID)
		}
	}()

	failed := len(batches) - len(runs)
	for _, run := range runs {
		if !export(manager, batchService, st, run, logger) {
			failed++
		}
	}
	manager.Stop()

	if cfg.Output.MetricsFile != "" {
		if err := collector.WriteTextfile(cfg.Output.MetricsFile); err != nil {
			logger.WithError(err).Error("failed to write metrics")
		}
	}
	if stats := cacheManager.Stats(); len(stats) > 0 {
		logger.WithFields(logrus.Fields(stats)).Debug("cache statistics")
	}
	if failed > 0 {
		logger.WithField("failed", failed).Error("some batches failed")
		st.Close()
		os.Exit(1)
	}
	logger.Info("all batches completed")
}

// export waits for run and writes its tables. It reports success.
func export(m *runner.Manager, svc *service.BatchService, st *store.Store, run *store.Run, logger logrus.FieldLogger) bool {
	entry := logger.WithFields(logrus.Fields{"run_id": run.ID, "batch": run.Batch})

	done, err := m.Wait(context.Background(), run.ID)
	if err != nil || done == nil {
		entry.WithError(err).Error("failed to wait for run")
		return false
	}
	if done.Status != store.RunStatusCompleted {
		entry.WithFields(logrus.Fields{"status": done.Status, "error": done.Error}).Error("run did not complete")
		return false
	}

	table, err := st.LoadTable(done.ID, done.Params.Summarizer == "plm")
	if err != nil {
		entry.WithError(err).Error("failed to load expression table")
		return false
	}
	paths, err := svc.Export(done, table)
	if err != nil {
		entry.WithError(err).Error("failed to export expression table")
		return false
	}
	entry.WithField("files", paths).Info("expression table written")
	return true
}

func listRuns(st *store.Store) error {
	runs, err := st.ListRuns(50)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tBATCH\tSTATUS\tPHASE\tPROBESETS\tCREATED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %d/%d\t%d\t%s\t%s\n",
			r.ID, r.Batch, r.Status, r.Progress.Phase, r.Progress.Done, r.Progress.Total,
			r.Probesets, r.CreatedAt.Local().Format(time.DateTime), r.Error)
	}
	return w.Flush()
}
