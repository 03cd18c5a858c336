package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ingestd/pkg/bus"
	"ingestd/pkg/telemetry"
	"ingestd/services/ingest"
	"ingestd/services/ingest/broker"
	"ingestd/services/ingest/config"
	"ingestd/services/ingest/observe"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept reports over HTTP and publish them to NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.ServiceName, cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	obs, err := observe.New(logger, registry)
	if err != nil {
		return err
	}

	dialer := broker.NATSDialer{URL: cfg.Broker.URL, Name: cfg.ServiceName}
	if cfg.Broker.Provision() {
		dialer.Stream = bus.StreamConfig{
			Name:       cfg.Broker.Stream,
			Subjects:   []string{cfg.Broker.Subject},
			MaxAge:     cfg.Broker.StreamMaxAge,
			Duplicates: cfg.Broker.DuplicateWindow,
			// Reject oversized reports at the stream instead of storing them.
			MaxMsgSize: int32(min(cfg.HTTP.MaxBodyBytes, 1<<30)),
		}
	}

	manager, err := broker.New(dialer, broker.Policy{
		DialTimeout:     cfg.Broker.DialTimeout,
		RetryBase:       cfg.Broker.ReconnectBase,
		RetryMax:        cfg.Broker.ReconnectMax,
		WindowRetries:   cfg.Broker.WindowRetries,
		CooldownInitial: cfg.Broker.CooldownInitial,
		CooldownMax:     cfg.Broker.CooldownMax,
	}, obs)
	if err != nil {
		return err
	}

	publisher, err := ingest.NewPublisher(manager, ingest.PublisherConfig{
		Subject: cfg.Broker.Subject,
		Timeout: cfg.Broker.PublishTimeout,
	}, obs)
	if err != nil {
		return err
	}

	api, err := ingest.New(publisher, manager, obs, logger, ingest.Config{
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		RetryAfter:   cfg.HTTP.RetryAfter,
		RateLimit:    cfg.HTTP.RateLimit,
		RateWindow:   cfg.HTTP.RateWindow,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Middleware:   telemetry.Middleware(cfg.ServiceName, logger),
	})
	if err != nil {
		return err
	}

	handler, err := api.Routes()
	if err != nil {
		return err
	}

	// The broker outlives the HTTP server so in-flight publishes can finish.
	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- manager.Run(brokerCtx) }()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("nats", cfg.Broker.URL).Str("version", version).Msg("listening")
		serverErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	stopBroker()
	if err := <-brokerDone; err != nil {
		logger.Error().Err(err).Msg("broker manager")
	}
	logger.Info().Msg("stopped")
	return runErr
}
