package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kon-rad/logship/internal/config"
	"github.com/kon-rad/logship/internal/logging"
	"github.com/kon-rad/logship/internal/metrics"
	"github.com/kon-rad/logship/internal/overflow"
	"github.com/kon-rad/logship/internal/record"
	"github.com/kon-rad/logship/internal/server"
	"github.com/kon-rad/logship/internal/shipper"
	"github.com/kon-rad/logship/internal/sink"
	"github.com/kon-rad/logship/internal/tail"
)

type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	startedAt time.Time

	transmitter sink.Transmitter
	client      *sink.Client
	shipper     *shipper.Shipper
	store       *overflow.Store
	writer      *overflow.Writer
	writerDone  chan error
	httpServer  *http.Server
	bgCancel    context.CancelFunc
	bgWG        sync.WaitGroup

	staticFields atomic.Pointer[map[string]string]
}

func New(cfg *config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
	}
}

func (r *Runtime) Run(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		return errors.Join(err, r.shutdown(context.Background()))
	}

	serverErr := make(chan error, 1)
	go func() {
		r.logger.Info("Listening", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		joined := r.shutdown(context.Background())
		if err != nil {
			return errors.Join(fmt.Errorf("http server failed: %w", err), joined)
		}
		return joined
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
		return r.shutdown(context.Background())
	}
}

func (r *Runtime) setup(ctx context.Context) error {
	if err := r.buildSink(); err != nil {
		return err
	}

	var opts []shipper.Option
	if r.cfg.OverflowDBPath != "" {
		store, err := overflow.Open(r.cfg.OverflowDBPath)
		if err != nil {
			return fmt.Errorf("open overflow store: %w", err)
		}
		r.store = store

		journalMode, busyTimeout, autoVacuum, err := store.Pragmas(ctx)
		if err != nil {
			return fmt.Errorf("query sqlite pragmas: %w", err)
		}
		r.logger.Info("overflow store opened",
			"path", r.cfg.OverflowDBPath,
			"journal_mode", journalMode,
			"busy_timeout", busyTimeout,
			"auto_vacuum", autoVacuum,
		)

		r.writer = overflow.NewWriter(r.logger, store, r.cfg.OverflowBuffer)
		r.writerDone = make(chan error, 1)
		go func() {
			r.writerDone <- r.writer.Run()
		}()
		opts = append(opts, shipper.WithOverflow(r.writer))
	} else {
		opts = append(opts, shipper.WithOverflow(shipper.OverflowFunc(func(payload string) {
			r.logger.Warn("record overflow", "payload", payload)
		})))
	}

	shp, err := shipper.New(shipper.Config{
		Capacity:        r.cfg.QueueCapacity,
		LowWater:        r.cfg.QueueLowWater,
		RetryMax:        r.cfg.RetryMax,
		RetryWait:       r.cfg.RetryWait,
		EmptyWait:       r.cfg.EmptyWait,
		SendTimeout:     r.cfg.SendTimeout,
		RejectOversized: r.cfg.RejectOversized,
		MaxFieldBytes:   r.cfg.MaxFieldBytes,
	}, r.client, append(opts, shipper.WithLogger(r.logger))...)
	if err != nil {
		return err
	}
	r.shipper = shp

	if r.cfg.DefaultsFile != "" {
		d, err := config.LoadDefaults(r.cfg.DefaultsFile)
		if err != nil {
			return err
		}
		r.applyDefaults(d)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(r.cfg.Sink, shp),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// A nil *overflow.Store must not become a non-nil interface.
	var overflowStatus server.OverflowStatus
	var lost func() int64
	if r.store != nil {
		overflowStatus = r.store
		lost = r.writer.Lost
	}
	health := server.NewHealthHandler(shp, overflowStatus, lost, r.startedAt, r.version, r.cfg.Sink)
	ingest := server.NewIngestHandlers(shp, r.decorate)
	r.httpServer = server.New(":"+r.cfg.Port, health, ingest, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	shp.Start()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel
	r.startBackgroundLoops(bgCtx)
	return nil
}

func (r *Runtime) buildSink() error {
	var encoder sink.Encoder
	switch r.cfg.Sink {
	case config.SinkElastic:
		tr, err := sink.NewElasticTransport(sink.ElasticConfig{
			Addresses: r.cfg.ElasticAddresses,
			Username:  r.cfg.ElasticUsername,
			Password:  r.cfg.ElasticPassword,
		})
		if err != nil {
			return err
		}
		r.transmitter = tr
		encoder = sink.NewElasticEncoder()
	case config.SinkGELF:
		tr, err := sink.NewGELFTransport(sink.GELFConfig{
			Endpoint: r.cfg.GELFEndpoint,
			Headers:  r.cfg.GELFHeaders,
			Gzip:     r.cfg.GELFGzip,
		})
		if err != nil {
			return err
		}
		r.transmitter = tr
		encoder = sink.NewGELFEncoder(r.cfg.MaxFieldBytes)
	default:
		return fmt.Errorf("unknown sink %q", r.cfg.Sink)
	}
	r.client = sink.NewClient(encoder, r.transmitter, r.logger)
	return nil
}

func (r *Runtime) applyDefaults(d *config.Defaults) {
	if d.LogLevel != "" {
		if err := logging.SetLevel(d.LogLevel); err != nil {
			r.logger.Warn("ignoring log level from defaults file", "error", err)
		} else {
			r.logger.Info("log level changed", "level", logging.Level().String())
		}
	}
	fields := d.StaticFields
	r.staticFields.Store(&fields)
}

// decorate fills in the configured application and the current static fields.
func (r *Runtime) decorate(rec record.Record) record.Record {
	if rec.Application == "" {
		rec.Application = r.cfg.Application
	}
	if fields := r.staticFields.Load(); fields != nil {
		rec = rec.WithFields(*fields)
	}
	return rec
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	r.goLoop("metrics reporter", func() error {
		return metrics.NewReporter(r.cfg.MetricsInterval, r.shipper, r.logger).Run(ctx)
	})

	if r.cfg.TailPath != "" {
		r.goLoop("tailer", func() error {
			t := tail.New(r.cfg.TailPath, r.cfg.TailPoll, r.cfg.Application, r.shipper,
				tail.WithDecorator(r.decorate),
				tail.WithLogger(r.logger),
			)
			return t.Run(ctx)
		})
	}

	if r.cfg.DefaultsFile != "" {
		r.goLoop("defaults watcher", func() error {
			return config.WatchDefaults(ctx, r.cfg.DefaultsFile, r.logger, r.applyDefaults)
		})
	}

	if r.store == nil {
		return
	}

	if r.cfg.ReplayInterval > 0 {
		replayer := overflow.NewReplayer(r.store, r.transmitter, r.cfg.ReplayBatch, r.shipper, r.logger)
		r.goLoop("overflow replay", func() error {
			return replayer.Run(ctx, r.cfg.ReplayInterval)
		})
	}

	r.goTicker(ctx, r.cfg.CleanupInterval, func(tctx context.Context) {
		if _, err := r.store.CleanupOld(tctx, r.cfg.RetentionDays, time.Now()); err != nil {
			r.logger.Warn("cleanup failed", "error", err)
		}
	})

	r.goTicker(ctx, r.cfg.WALCheckpointInterval, func(tctx context.Context) {
		if _, err := r.store.CheckpointIfWALExceeds(tctx, r.cfg.WALRestartThresholdB); err != nil {
			r.logger.Warn("wal checkpoint loop failed", "error", err)
		}
	})
}

func (r *Runtime) goLoop(name string, fn func() error) {
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		if err := fn(); err != nil {
			r.logger.Warn(name+" stopped", "error", err)
		}
	}()
}

func (r *Runtime) goTicker(ctx context.Context, every time.Duration, fn func(context.Context)) {
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				fn(tctx)
				cancel()
			}
		}
	}()
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if r.bgCancel != nil {
		r.bgCancel()
		done := make(chan struct{})
		go func() {
			r.bgWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
		}
	}

	// Stop hands whatever is still queued to the overflow writer, so the
	// writer is closed only afterwards.
	if r.shipper != nil {
		r.shipper.Stop()
	}

	if r.writer != nil {
		r.writer.Close()
		select {
		case err := <-r.writerDone:
			if err != nil {
				joined = errors.Join(joined, fmt.Errorf("overflow writer: %w", err))
			}
		case <-time.After(5 * time.Second):
			joined = errors.Join(joined, errors.New("overflow writer drain timeout"))
		}
	}

	if r.store != nil {
		cpCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.store.Checkpoint(cpCtx); err != nil {
			r.logger.Warn("WAL checkpoint failed", "error", err)
			joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
		}
		if err := r.store.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("overflow store close: %w", err))
		}
	}

	attrs := []any{"uptime", time.Since(r.startedAt).String()}
	if r.shipper != nil {
		snap := r.shipper.Snapshot()
		attrs = append(attrs,
			"received", snap.Received,
			"succeeded", snap.Succeeded,
			"dropped", snap.Dropped,
		)
	}
	r.logger.Info("Shutdown complete", attrs...)
	return joined
}
