package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"ingestd/pkg/bus"
)

func newTailCommand() *cobra.Command {
	var (
		natsURL string
		subject string
		durable string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print reports as they arrive on the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("connect %s: %w", natsURL, err)
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			sub, err := b.Subscribe(ctx, subject, durable, func(_ context.Context, m bus.Message) error {
				mu.Lock()
				defer mu.Unlock()
				_, err := fmt.Fprintf(out, "%s %s\n", m.ID, m.Data)
				return err
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", envOr("NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", envOr("INGESTD_SUBJECT", "system_info"), "Subject to consume")
	cmd.Flags().StringVar(&durable, "durable", "ingestd-tail", "Durable consumer name")
	return cmd
}
