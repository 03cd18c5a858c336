package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ingestd/services/ingest/client"
	"ingestd/services/ingest/snapshot"
)

func newSendCommand() *cobra.Command {
	var (
		gateway  string
		file     string
		host     bool
		compress bool
		retries  int
		interval time.Duration
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a report from a file, stdin, or the local host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if host == (file != "") {
				return errors.New("exactly one of --file or --host is required")
			}

			var report []byte
			if host {
				snap, err := snapshot.Collect(ctx, interval)
				if err != nil {
					return err
				}
				if report, err = json.Marshal(snap); err != nil {
					return err
				}
			} else {
				var err error
				if report, err = readInput(cmd.InOrStdin(), file); err != nil {
					return err
				}
			}

			logger := zerolog.Nop()
			if verbose {
				logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()
			}

			c, err := client.New(gateway, client.Options{
				RetryMax: retries,
				Timeout:  30 * time.Second,
				Gzip:     compress,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			res, err := c.Send(ctx, report)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s\n", res.ID, res.Status, res.Body)
			return err
		},
	}

	cmd.Flags().StringVar(&gateway, "gateway", envOr("INGESTD_GATEWAY", "http://127.0.0.1:3000"), "Base URL of the ingestd gateway")
	cmd.Flags().StringVar(&file, "file", "", "Report JSON file, or - for stdin")
	cmd.Flags().BoolVar(&host, "host", false, "Collect and send a snapshot of this host")
	cmd.Flags().BoolVar(&compress, "gzip", false, "Compress the request body")
	cmd.Flags().IntVar(&retries, "retries", 4, "Retries on 5xx and connection errors")
	cmd.Flags().DurationVar(&interval, "cpu-interval", time.Second, "CPU sampling window for --host")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log retry attempts to stderr")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
