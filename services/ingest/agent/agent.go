// Package agent periodically reports this host to an ingestd gateway.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ingestd/services/ingest/client"
	"ingestd/services/ingest/snapshot"
)

const defaultInterval = 10 * time.Second

// Collector produces one host report.
type Collector func(ctx context.Context) (snapshot.Report, error)

// Sender delivers an encoded report. *client.Client implements it.
type Sender interface {
	Send(ctx context.Context, report []byte) (client.Result, error)
}

// Config controls the reporting loop.
type Config struct {
	Interval time.Duration
	// CPUWindow is the CPU sampling window passed to the default collector.
	CPUWindow time.Duration
	// Collect overrides the host collector, mostly for tests.
	Collect Collector
}

// Service is the long-running reporting loop.
type Service struct {
	sender   Sender
	collect  Collector
	interval time.Duration
	logger   zerolog.Logger
}

// New returns a Service that sends through sender.
func New(sender Sender, cfg Config, logger zerolog.Logger) (*Service, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Collect == nil {
		window := cfg.CPUWindow
		if window <= 0 || window >= cfg.Interval {
			window = time.Second
		}
		cfg.Collect = func(ctx context.Context) (snapshot.Report, error) {
			return snapshot.Collect(ctx, window)
		}
	}

	return &Service{
		sender:   sender,
		collect:  cfg.Collect,
		interval: cfg.Interval,
		logger:   logger,
	}, nil
}

// Run reports immediately and then once per interval until ctx is cancelled.
// Failed reports are logged and skipped; the next tick sends a fresh one.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ReportOnce(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial report failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.ReportOnce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("report failed")
			}
		}
	}
}

// ReportOnce collects and sends a single report.
func (s *Service) ReportOnce(ctx context.Context) error {
	snap, err := s.collect(ctx)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	res, err := s.sender.Send(ctx, body)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("report_id", res.ID).
		Int("status", res.Status).
		Float64("cpu_usage", snap.CPUUsage).
		Float64("memory_usage", snap.MemoryUsage).
		Msg("report sent")
	return nil
}
