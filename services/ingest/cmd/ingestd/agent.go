package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"ingestd/pkg/telemetry"
	"ingestd/services/ingest/agent"
	"ingestd/services/ingest/client"
)

func newAgentCommand() *cobra.Command {
	var (
		gateway   string
		interval  time.Duration
		cpuWindow time.Duration
		compress  bool
		retries   int
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Report this host to the gateway on a fixed interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger("ingestd-agent", logLevel, "console", cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			c, err := client.New(gateway, client.Options{
				RetryMax: retries,
				Timeout:  interval,
				Gzip:     compress,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			svc, err := agent.New(c, agent.Config{Interval: interval, CPUWindow: cpuWindow}, logger)
			if err != nil {
				return err
			}

			logger.Info().Str("gateway", gateway).Dur("interval", interval).Msg("agent started")
			if err := svc.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&gateway, "gateway", envOr("INGESTD_GATEWAY", "http://127.0.0.1:3000"), "Base URL of the ingestd gateway")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Time between reports")
	cmd.Flags().DurationVar(&cpuWindow, "cpu-interval", time.Second, "CPU sampling window")
	cmd.Flags().BoolVar(&compress, "gzip", false, "Compress request bodies")
	cmd.Flags().IntVar(&retries, "retries", 2, "Retries per report on 5xx and connection errors")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level")
	return cmd
}
