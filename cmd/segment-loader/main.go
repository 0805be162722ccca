package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/config"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/coordinator"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/loader"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/recovery"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/source"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/storage"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/tables"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] Segment Loader %s (%s)", loader.Version, loader.GitSHA)

	command := "load"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

	if cfg.Load.Table == "" {
		log.Fatalf("[main] TABLE_NAME is required")
	}

	if cfg.Metrics.Enabled {
		metrics.Init("")
		go func() {
			log.Printf("[metrics] serving on %s", cfg.Metrics.Addr)
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	var err error
	switch command {
	case "load":
		err = runLoad(ctx, cfg)
	case "sweep":
		err = runSweep(ctx, cfg)
	default:
		log.Fatalf("[main] unknown command %q (want load or sweep)", command)
	}

	if err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] interrupted: %v", err)
		} else {
			log.Printf("[main] %s failed: %v", command, err)
		}
		os.Exit(1)
	}

	log.Printf("[main] %s finished cleanly", command)
	time.Sleep(100 * time.Millisecond)
}

func openLedger(ctx context.Context, cfg config.Config) (ledger.Store, error) {
	store, err := ledger.Open(ctx, ledger.Config{
		Backend:     cfg.Ledger.Backend,
		Dir:         cfg.Ledger.Dir,
		PostgresDSN: cfg.Ledger.PostgresDSN,
		LockTimeout: cfg.Ledger.LockTimeout,
	}, cfg.Load.Table)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return store, nil
}

func runLoad(ctx context.Context, cfg config.Config) error {
	model, err := loadmodel.New(cfg.Load.Table,
		loadmodel.WithPartition(cfg.Load.Partition),
		loadmodel.WithSegmentID(cfg.Load.SegmentID),
		loadmodel.WithFactTimestamp(cfg.Load.FactTimestamp),
		loadmodel.WithOverwrite(cfg.Load.Overwrite),
		loadmodel.WithAttemptID(cfg.Load.AttemptID),
	)
	if err != nil {
		return err
	}

	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	segments, err := storage.Open(ctx, storage.Config{URL: cfg.Storage.URL, Prefix: cfg.Storage.Prefix})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer segments.Close()

	src, err := source.Open(ctx, source.Config{URL: cfg.Source.URL, Prefix: cfg.Source.Prefix})
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	cp, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		return err
	}

	emitter := audit.NewEmitter(audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Endpoint: cfg.Audit.Endpoint,
		Dir:      cfg.Audit.Dir,
	})
	defer emitter.Close()

	coord := coordinator.New(store, segments, coordinator.Options{
		CommitRetries: cfg.Ledger.CommitRetries,
		RetryBackoff:  cfg.Ledger.RetryBackoff,
		Clock:         time.Now,
	})
	writer := loader.NewSegmentWriter(src, segments, tables.ParquetConfig{Compression: cfg.Source.Compression})

	l := loader.New(loader.Config{
		Workers:       cfg.Perf.Workers,
		QueueSize:     cfg.Perf.QueueSize,
		RetryAttempts: cfg.Perf.RetryAttempts,
		RetryBackoff:  cfg.Perf.RetryBackoff,
		ConfPath:      cfg.Load.ConfPath,
	}, coord, src, writer, cp, emitter)

	log.Printf("[main] loading table=%s partition=%q overwrite=%v attempt=%s",
		model.Table, model.Partition, model.Overwrite, model.AttemptID)

	h, err := l.Run(ctx, model)
	if err != nil {
		return err
	}

	log.Printf("[main] committed segment %s at %s", h, segments.URI(segments.AttemptDir(storage.RefFor(h))))
	return nil
}

func runSweep(ctx context.Context, cfg config.Config) error {
	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	segments, err := storage.Open(ctx, storage.Config{URL: cfg.Storage.URL, Prefix: cfg.Storage.Prefix})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer segments.Close()

	emitter := audit.NewEmitter(audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Endpoint: cfg.Audit.Endpoint,
		Dir:      cfg.Audit.Dir,
	})
	defer emitter.Close()

	s := recovery.New(store, segments, cfg.Load.Table, recovery.Options{
		StaleAfter: cfg.Sweep.StaleAfter,
		Emitter:    emitter,
		Producer: audit.ProducerInfo{
			Name:    "segment-loader",
			Version: loader.Version,
			GitSHA:  loader.GitSHA,
		},
	})

	report, err := s.Run(ctx)
	if err != nil {
		return err
	}

	log.Printf("[main] sweep reclaimed %d stale entries, deleted %d orphaned attempts (%d files)",
		len(report.Stale), report.OrphanAttempts, report.OrphanFiles)
	return nil
}
