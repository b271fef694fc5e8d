package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/config"
	"github.com/jnesss/hook-recorder/database"
	"github.com/jnesss/hook-recorder/manifest"
	"github.com/jnesss/hook-recorder/metrics"
	"github.com/jnesss/hook-recorder/network"
	"github.com/jnesss/hook-recorder/platform"
	"github.com/jnesss/hook-recorder/process"
	"github.com/jnesss/hook-recorder/sigma"
	"github.com/jnesss/hook-recorder/types"
	"github.com/jnesss/hook-recorder/web"
)

const (
	sigmaPollInterval = 5 * time.Second
	pruneInterval     = time.Minute
	trackerSize       = 8192
)

func newRunCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach the probes and record until interrupted",
		Args:  cobra.NoArgs,
	}
	return withConfig(cmd, load, func(cmd *cobra.Command, cfg config.Config, log *zap.Logger, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, log)
	})
}

// resolveTarget waits for the target process, if one is configured, and
// finds the libpq the uprobe attaches to.
func resolveTarget(ctx context.Context, cfg *config.Config, log *zap.Logger) (string, error) {
	if cfg.TargetPattern != "" && cfg.TargetPID == 0 {
		log.Info("Waiting for target process", zap.String("pattern", cfg.TargetPattern))
		pid, err := platform.WaitForPID(ctx, cfg.TargetPattern)
		if err != nil {
			return "", fmt.Errorf("waiting for %q: %w", cfg.TargetPattern, err)
		}
		log.Info("Found target process", zap.Int("pid", pid))
		cfg.TargetPID = pid
	}

	if cfg.LibpqPath != "" {
		return cfg.LibpqPath, nil
	}
	plan, err := platform.Attachments(cfg.Platform(""))
	if err != nil {
		return "", err
	}
	for _, a := range plan {
		if a.Kind != platform.KindUprobe {
			continue
		}
		path, err := platform.LibpqPath(cfg.TargetPID)
		if err != nil {
			log.Warn("Could not resolve libpq", zap.Error(err))
			return "", nil
		}
		return path, nil
	}
	return "", nil
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) (err error) {
	libpq, err := resolveTarget(ctx, &cfg, log)
	if err != nil {
		return err
	}

	mon, err := platform.Attach(cfg.Platform(libpq), log)
	if err != nil {
		return fmt.Errorf("failed to attach probes: %w", err)
	}
	defer func() { err = multierr.Append(err, mon.Close()) }()

	if dropped, derr := dropPrivileges(); derr != nil {
		log.Warn("Failed to drop privileges", zap.Error(derr))
	} else if dropped {
		log.Info("Dropped privileges", zap.String("user", os.Getenv("SUDO_USER")))
	}

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	procs, err := process.NewResolver(process.Options{ServiceEnv: cfg.ServiceEnv})
	if err != nil {
		return err
	}
	tracker, err := network.NewTracker(trackerSize)
	if err != nil {
		return err
	}

	boot := platform.BootTime()
	attr := newAttributor(procs, boot)

	out := io.Writer(os.Stdout)
	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	sinks := []Sink{
		&consoleSink{w: out, attr: attr},
		&storeSink{db: db, attr: attr},
		&networkSink{tracker: tracker, attr: attr, log: log.Named("network")},
	}

	var (
		wg        sync.WaitGroup
		manifests *manifest.Aggregator
	)
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	if cfg.ManifestDir != "" {
		manifests = manifest.NewAggregator(cfg.ManifestDir, procs, boot, log)
		sinks = append(sinks, manifests)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := manifests.Run(ctx, cfg.ManifestInterval); err != nil {
				log.Error("Final manifest flush failed", zap.Error(err))
			}
		}()
	}

	var detector *sigma.Detector
	if cfg.RulesDir != "" {
		detector, err = sigma.NewDetector(cfg.RulesDir, db, log)
		if err != nil {
			return fmt.Errorf("failed to start sigma detection: %w", err)
		}
		defer detector.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := detector.StartPolling(ctx, sigmaPollInterval); err != nil {
				log.Error("Sigma detection failed", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		procs.Run(ctx, pruneInterval, log)
	}()

	rec := NewRecorder(mon.Reader(), cfg.ParsedSchema(), m, log, sinks...)

	if cfg.ListenAddr != "" {
		opts := web.Options{
			Detector: detector,
			Network:  tracker,
			Stats:    rec.Stats,
			Gatherer: reg,
		}
		if manifests != nil {
			opts.Manifests = manifests
		}
		srv := web.NewServer(db, cfg.ListenAddr, opts, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				log.Error("Web server error", zap.Error(err))
			}
		}()
	}

	log.Info("Recording started",
		zap.Stringer("schema", cfg.ParsedSchema()),
		zap.Int("probes", len(mon.Attached)),
		zap.String("data_dir", cfg.DataDir))
	if cfg.ParsedSchema() == types.SchemaNarrow && cfg.OutputFile != "" {
		log.Info("Logging statements", zap.String("path", cfg.OutputFile))
	}

	err = rec.Run(ctx)
	log.Info("Shutting down...")
	return err
}
