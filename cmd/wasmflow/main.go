// Command wasmflow is the composition root: it loads the configured
// Kafka source and S3 sink, compiles the guest module, and runs the
// Dispatcher until SIGINT/SIGTERM or a fatal startup error.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wasmflow/wasmflow/internal/config"
	"github.com/wasmflow/wasmflow/internal/dispatcher"
	"github.com/wasmflow/wasmflow/internal/logging"
	"github.com/wasmflow/wasmflow/internal/metrics"
	"github.com/wasmflow/wasmflow/internal/record"
	"github.com/wasmflow/wasmflow/internal/sink"
	"github.com/wasmflow/wasmflow/internal/sink/s3uploader"
	"github.com/wasmflow/wasmflow/internal/source"
	"github.com/wasmflow/wasmflow/internal/source/kgoclient"
	"github.com/wasmflow/wasmflow/internal/wasmhost"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("wasmflow starting", zap.Object("config", *cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("wasmflow exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.FlowConfig, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	meter := metrics.New(reg)
	serveMetrics(reg, logger)

	var saslPlain *kgoclient.SASLPlain
	if cfg.Source.SASL.Plain != nil {
		saslPlain = &kgoclient.SASLPlain{Username: cfg.Source.SASL.Plain.Username, Password: cfg.Source.SASL.Plain.Password}
	}

	brokerClient, err := kgoclient.New(ctx, cfg.Source.Brokers, cfg.Source.BatchSizeBytes, saslPlain)
	if err != nil {
		return err
	}
	defer brokerClient.Close()

	builder := source.NewBuilder(brokerClient, logger)
	var sourceSASL *source.SASLPlain
	if cfg.Source.SASL.Plain != nil {
		sourceSASL = &source.SASLPlain{Username: cfg.Source.SASL.Plain.Username, Password: cfg.Source.SASL.Plain.Password}
	}
	offsetPolicy := source.Earliest
	if cfg.Source.Offset == "latest" {
		offsetPolicy = source.Latest
	}
	streams, err := builder.Build(ctx, source.Config{
		Brokers:        cfg.Source.Brokers,
		GroupID:        cfg.Source.GroupID,
		Topic:          cfg.Source.Topic,
		BatchSizeBytes: cfg.Source.BatchSizeBytes,
		Offset:         offsetPolicy,
		SASL:           sourceSASL,
	})
	if err != nil {
		return err
	}

	writer, flusher, err := buildSink(ctx, cfg, logger, meter)
	if err != nil {
		return err
	}

	moduleBytes, err := os.ReadFile(cfg.Processor.ModulePath)
	if err != nil {
		return err
	}

	host, err := wasmhost.New(ctx, cfg.Processor.ModulePath, moduleBytes, writer, logger)
	if err != nil {
		return err
	}
	defer host.Close(ctx)

	d := dispatcher.New(streams, host, meter, logger)
	runErr := d.Run(ctx)

	if flusher != nil && cfg.Sink.FlushOnShutdown {
		flusher.Drain(context.Background())
		flusher.Wait()
	}
	return runErr
}

// buildSink returns the Writer the Guest Host's s3-sink import dispatches
// to. A "none" sink (Sink.S3 == nil) returns a Writer that discards every
// call.
func buildSink(ctx context.Context, cfg *config.FlowConfig, logger *zap.Logger, meter *metrics.Meter) (sink.Writer, *sink.Sink, error) {
	if cfg.Sink.S3 == nil {
		return discardWriter{}, nil, nil
	}

	uploader, err := s3uploader.New(ctx, cfg.Sink.S3.Region, nil)
	if err != nil {
		return nil, nil, err
	}

	s := sink.New(sink.Config{
		Region:          cfg.Sink.S3.Region,
		Bucket:          cfg.Sink.S3.Bucket,
		KeyPrefix:       cfg.Sink.S3.KeyPrefix,
		FileSizeBytes:   cfg.Sink.S3.FileSizeBytes,
		FlushOnShutdown: cfg.Sink.FlushOnShutdown,
	}, uploader, logger, nil, sink.WithMeter(meter))
	return s, s, nil
}

type discardWriter struct{}

func (discardWriter) Write(ctx context.Context, partition int32, body []byte) record.Status {
	return record.StatusOk
}

func serveMetrics(reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}
