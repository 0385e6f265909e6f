// klstore-kafka: ingestion daemon. Consumes a Kafka topic, batches
// appends per key, and commits offsets only after flushed writes.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klstore/klstore/internal/batcher"
	"github.com/klstore/klstore/internal/bridge"
	"github.com/klstore/klstore/internal/config"
	"github.com/klstore/klstore/internal/metrics"
	"github.com/klstore/klstore/internal/objstore"
	"github.com/klstore/klstore/internal/store"
)

func main() {
	configPath := flag.String("config", "", "config file path (default $KLSTORE_CONFIG or klstore.yaml)")
	metricsAddr := flag.String("metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	bridgeCfg, err := cfg.BridgeConfig()
	if err != nil {
		fatal(err)
	}
	bridgeCfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	s3, err := objstore.NewS3(ctx, cfg.S3())
	if err != nil {
		fatal(err)
	}
	client := objstore.NewRetryable(objstore.WithMetrics(s3, met), objstore.DefaultRetryConfig(), met)

	writerCfg := cfg.WriterConfig()
	writerCfg.Logger = logger
	writer := store.NewWriter(client, writerCfg)

	batcherCfg := cfg.BatcherConfig()
	batcherCfg.Logger = logger
	batched := batcher.New(writer, batcherCfg)
	defer batched.Close()

	b, err := bridge.New(bridgeCfg, batched)
	if err != nil {
		fatal(err)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(met.Registry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	logger.Info("consuming", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID,
		"brokers", cfg.Kafka.Brokers, "workers", batcherCfg.WriterThreadCount)
	if err := b.Run(ctx); err != nil {
		fatal(err)
	}
	logger.Info("exiting")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "klstore-kafka:", err)
	os.Exit(1)
}
