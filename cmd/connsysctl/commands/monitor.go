package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll and print participant state until interrupted",
		Long:  "Repeatedly polls the control-plane API and prints the current participant table, reconnecting with backoff on error, until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()

			for {
				if err := pollOnce(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					fmt.Println("poll failed, reconnecting:", err)
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval")

	return cmd
}

// pollOnce fetches and prints the current participant table, retrying the
// single request with exponential backoff before giving up for this tick.
func pollOnce(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	var out string
	op := func() error {
		participants, err := client.ListParticipants(ctx, 0)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}

		formatted, err := formatParticipants(participants, outputFormat)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("format participants: %w", err))
		}

		out = formatted
		return nil
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(b, 3)); err != nil {
		return err
	}

	fmt.Printf("--- %s ---\n%s", time.Now().UTC().Format(time.RFC3339), out)
	return nil
}
