package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func participantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "participants",
		Aliases: []string{"participant"},
		Short:   "Inspect known participants",
	}

	cmd.AddCommand(participantsListCmd())
	cmd.AddCommand(participantsShowCmd())

	return cmd
}

// --- participants list ---

func participantsListCmd() *cobra.Command {
	var iid uint64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all known participants",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			participants, err := client.ListParticipants(context.Background(), iid)
			if err != nil {
				return fmt.Errorf("list participants: %w", err)
			}

			out, err := formatParticipants(participants, outputFormat)
			if err != nil {
				return fmt.Errorf("format participants: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&iid, "iid", 0, "filter by instance id")

	return cmd
}

// --- participants show ---

func participantsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pid>",
		Short: "Show details of a single participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := client.GetParticipant(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("get participant: %w", err)
			}

			out, err := formatParticipant(p, outputFormat)
			if err != nil {
				return fmt.Errorf("format participant: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

