// Command obmirror wires the core pipeline to the default HTTP/WS
// transports, a Prometheus metrics endpoint, and a ticking collect
// loop. This is ambient wiring, not part of the core's public API, per
// spec.md §1's scope note.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/thrasher-corp/obmirror/collector"
	"github.com/thrasher-corp/obmirror/config"
	"github.com/thrasher-corp/obmirror/filter"
	"github.com/thrasher-corp/obmirror/ingest"
	"github.com/thrasher-corp/obmirror/log"
	"github.com/thrasher-corp/obmirror/orderbook"
	"github.com/thrasher-corp/obmirror/repair"
	"github.com/thrasher-corp/obmirror/scheduler"
	"github.com/thrasher-corp/obmirror/stream"
	"github.com/thrasher-corp/obmirror/transport"
)

func main() {
	app := &cli.App{
		Name:  "obmirror",
		Usage: "mirror level-2 order books from a streaming+REST exchange pair into memory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML/JSON config file"},
			&cli.StringFlag{Name: "rest-base-url", Value: "https://api.example.com/api/v3", Usage: "base URL for the REST snapshot/listing endpoints"},
			&cli.StringFlag{Name: "ws-url", Value: "wss://stream.example.com/ws", Usage: "websocket endpoint for diff streams"},
			&cli.StringFlag{Name: "filter-rules", Usage: "path to a pair-filter rules file"},
			&cli.StringFlag{Name: "metrics-addr", Value: ":9090", Usage: "address to serve /metrics on"},
			&cli.DurationFlag{Name: "collect-interval", Value: time.Second, Usage: "how often collector.Collect runs"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	log.SetBacking(logger)

	cfg, err := config.Load(c.String("config"), runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pairFilter := filter.New()
	if path := c.String("filter-rules"); path != "" {
		rules, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read filter rules: %w", err)
		}
		if err := pairFilter.AddRules(string(rules)); err != nil {
			return fmt.Errorf("parse filter rules: %w", err)
		}
	}

	restClient := transport.NewRESTClient(c.String("rest-base-url"), 10)

	registry := orderbook.NewRegistry()
	pending := orderbook.NewPendingRepair()

	ingestor := ingest.New(registry, pending, ingest.Config{
		QueueCapacity:  cfg.DiffQueueCapacity,
		BatchThreshold: cfg.ParallelBatchThresh,
		PostBatchSleep: cfg.PostBatchSleep,
		Workers:        runtime.NumCPU(),
	})

	repairer := repair.New(restClient, registry, pending, repair.Config{PollInterval: cfg.RepairPoll})

	registerer := prometheus.NewRegistry()
	metrics := collector.NewMetrics(registerer)

	wsURL := c.String("ws-url")
	streamFactory := func() stream.Stream {
		return transport.NewWSStream(transport.WSConfig{URL: wsURL, Capacity: 256})
	}

	col := collector.New(collector.Config{
		SymbolsExpiry: cfg.SymbolsExpiry,
		EntryExpiry:   cfg.EntryExpiry,
		StreamConfig: stream.Config{
			MaxStreams:   cfg.MaxStreams,
			IdleGlobal:   cfg.StreamIdleGlobal,
			IdleSymbol:   cfg.StreamIdleSymbol,
			Warmup:       cfg.StreamWarmup,
			MonitorEvery: 10 * time.Second,
		},
	}, pairFilter, restClient, streamFactory, registry, pending, ingestor, repairer, metrics)

	sched := scheduler.New(cfg.MaxTickQueue)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: c.String("metrics-addr"), Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf(log.CollectorMgr, "metrics server stopped: %v", err)
		}
	}()
	defer metricsServer.Close() //nolint:errcheck

	sched.Add(&collectTask{collector: col}, time.Now())

	ticker := time.NewTicker(c.Duration("collect-interval"))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof(log.CollectorMgr, "shutting down")
			return nil
		case <-ticker.C:
			sched.Tick(ctx, 0)
		}
	}
}

// collectTask adapts Collector.Collect into a scheduler.Task that
// reschedules itself every second.
type collectTask struct {
	collector *collector.Collector
}

func (t *collectTask) PreExecute(ctx context.Context) error { return nil }

func (t *collectTask) Execute(ctx context.Context) error {
	return t.collector.Collect(ctx)
}

func (t *collectTask) PostExecute(ctx context.Context, execErr error) {
	if execErr != nil {
		log.Warnf(log.CollectorMgr, "collect: %v", execErr)
	}
}

func (t *collectTask) Reschedule(now time.Time) (time.Time, bool) {
	return now.Add(time.Second), true
}
