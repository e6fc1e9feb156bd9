package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/INLOpen/nexusback/backup"
	"github.com/INLOpen/nexusback/config"
	"github.com/INLOpen/nexusback/server"
	"github.com/INLOpen/nexusback/storage"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider configures an OTLP exporter when tracing is enabled.
func initTracerProvider(ctx context.Context, cfg config.TracingConfig) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var client otlptrace.Client
	switch strings.ToLower(cfg.Protocol) {
	case "grpc":
		client = otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "http":
		client = otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("invalid tracing protocol: %s", cfg.Protocol)
	}
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("nexusback")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider, nil
}

func openStorage(cfg config.BackupConfig, logger *slog.Logger) (storage.Storage, error) {
	if cfg.InMemory {
		return storage.NewInMemoryStorage(cfg.SegmentSizeBytes, cfg.NumSegmentFrames), nil
	}
	path := cfg.File
	if path == "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
		}
		path = filepath.Join(cfg.DataDir, "backup.store")
	}
	return storage.NewSingleFileStorage(storage.FileStorageOptions{
		Path:        path,
		SegmentSize: cfg.SegmentSizeBytes,
		FrameCount:  cfg.NumSegmentFrames,
		ClusterName: cfg.ClusterName,
		Logger:      logger,
	})
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := initTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	if tracerProvider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to shut down tracer provider", "error", err)
			}
		}()
	}

	store, err := openStorage(cfg.Backup, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	service := backup.NewService(backup.Options{
		Config:  cfg.Backup,
		Storage: store,
		Logger:  logger,
	})
	if store.CanRecoverReplicas() {
		if err := service.RestartFromStorage(); err != nil {
			return err
		}
		if former := service.FormerServerID(); former.IsValid() {
			logger.Info("Replicas on storage belonged to a former incarnation",
				"former_server", former.String())
		}
	}

	go service.GCQueue().Run()
	defer service.Shutdown()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.TCPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.TCPPort, err)
	}

	tcpServer := server.NewTCPServer(service, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- tcpServer.Start(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	tcpServer.Stop()
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("nexusback-server failed", "error", err)
		os.Exit(1)
	}
}
