// Copyright 2025 CompliK Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bearslyricattack/sysdetect/internal/api"
	"github.com/bearslyricattack/sysdetect/internal/config"
	"github.com/bearslyricattack/sysdetect/internal/core/detector"
	"github.com/bearslyricattack/sysdetect/pkg/logger"
	"github.com/bearslyricattack/sysdetect/pkg/metrics"
	"github.com/bearslyricattack/sysdetect/pkg/models"
)

const shutdownTimeout = 5 * time.Second

// inputList collects repeated -input flags.
type inputList []string

func (l *inputList) String() string {
	return strings.Join(*l, ",")
}

func (l *inputList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

type options struct {
	configPath string
	inputs     []string
	output     string
	quiet      bool
}

func main() {
	var (
		opts   options
		inputs inputList
	)
	flag.StringVar(&opts.configPath, "config", "", "path to configuration file")
	flag.Var(&inputs, "input", "trace file to read, may be repeated (default stdin)")
	flag.StringVar(&opts.output, "output", "", "file to write alerts to (default stdout)")
	flag.BoolVar(&opts.quiet, "quiet", false, "do not print the start and stop banners")
	flag.Parse()
	opts.inputs = inputs

	logger.L.Info("SysDetect is starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleSignals(cancel)

	if err := run(ctx, opts); err != nil {
		logger.L.WithError(err).Error("SysDetect stopped with an error")
		os.Exit(1)
	}
}

// run wires the detector and its side servers and blocks until the inputs
// are exhausted or ctx ends.
func run(ctx context.Context, opts options) error {
	loader := config.NewLoader(opts.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load initial configuration: %w", err)
	}
	if cfg.Engine.LogLevel != "" {
		logger.SetLevel(cfg.Engine.LogLevel)
	}
	logger.L.Info("Initial configuration loaded successfully")

	out, closeOut, err := openOutput(opts.output)
	if err != nil {
		return err
	}
	defer closeOut()

	inputs, closeInputs, err := openInputs(opts.inputs)
	if err != nil {
		return err
	}
	defer closeInputs()

	d, err := detector.New(cfg, out, detector.WithQuiet(opts.quiet))
	if err != nil {
		return err
	}

	if opts.configPath != "" {
		configWatcher, err := config.NewWatcher(loader, d.UpdateConfig)
		if err != nil {
			logger.L.WithError(err).Warn("Failed to create configuration watcher, hot-reload will be unavailable")
		} else if err := configWatcher.OnFailure(d.ReloadFailed).Start(ctx); err != nil {
			logger.L.WithError(err).Warn("Failed to start configuration watcher, hot-reload will be unavailable")
		} else {
			defer configWatcher.Stop()
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer stop()
		err := d.Run(gctx, inputs...)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Metrics.Enabled {
		startMetricsServer(gctx, g, cfg.Metrics)
	}
	if cfg.API.Enabled {
		startAPIServer(gctx, g, d, cfg.API.Port)
	}

	err = g.Wait()
	logSummary(d.Stats())
	return err
}

func startMetricsServer(ctx context.Context, g *errgroup.Group, cfg models.MetricsConfig) {
	srv := metrics.NewMetricsServerFromConfig(cfg)
	g.Go(func() error {
		err := srv.StartWithRetry(ctx, cfg.MaxRetries, cfg.RetryInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
}

func startAPIServer(ctx context.Context, g *errgroup.Group, d *detector.Detector, port int) {
	srv := api.NewServer(d, port)
	g.Go(func() error {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open output %s: %w", path, err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			logger.L.WithError(err).WithField("path", path).Warn("Failed to close output")
		}
	}, nil
}

func openInputs(paths []string) ([]io.Reader, func(), error) {
	if len(paths) == 0 {
		return []io.Reader{os.Stdin}, func() {}, nil
	}

	files := make([]*os.File, 0, len(paths))
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	readers := make([]io.Reader, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to open input %s: %w", path, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}
	return readers, closeAll, nil
}

func logSummary(stats detector.Stats) {
	logger.L.WithFields(logrus.Fields{
		"lines":   humanize.Comma(int64(stats.Lines)),
		"events":  humanize.Comma(int64(stats.Events)),
		"alerts":  humanize.Comma(int64(stats.Alerts)),
		"started": humanize.Time(stats.StartedAt),
	}).Info("SysDetect stopped")
}

// handleSignals cancels on SIGINT or SIGTERM.
func handleSignals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.L.WithFields(logrus.Fields{
		"signal": sig.String(),
	}).Info("Received shutdown signal, preparing graceful shutdown...")
	cancel()
}
