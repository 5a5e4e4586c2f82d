package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcomm/config"
	"github.com/c360studio/agentcomm/dlq"
)

func dlqCmd(opts *cliOptions) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage an agent's dead letter queue",
	}
	cmd.PersistentFlags().StringVar(&agentID, "agent", "", "Agent ID that owns the DLQ")
	_ = cmd.MarkPersistentFlagRequired("agent")

	cmd.AddCommand(dlqListCmd(opts, &agentID))
	cmd.AddCommand(dlqRetryCmd(opts, &agentID))
	cmd.AddCommand(dlqDiscardCmd(opts, &agentID))
	cmd.AddCommand(dlqExportCmd(opts, &agentID))
	cmd.AddCommand(dlqStatsCmd(opts, &agentID))
	cmd.AddCommand(dlqPurgeCmd(opts, &agentID))
	cmd.AddCommand(dlqArtifactsCmd(opts, &agentID))

	return cmd
}

// openDLQ loads config and opens the agent's store; the caller must Shutdown.
func openDLQ(opts *cliOptions, agentID string) (*dlq.Store, *config.Config, error) {
	cfg, logger, err := opts.setup()
	if err != nil {
		return nil, nil, err
	}
	store, err := dlq.New(agentID, cfg.DLQSettings(), logger, nil)
	if err != nil {
		return nil, nil, ioErr(fmt.Errorf("open dlq: %w", err))
	}
	return store, cfg, nil
}

func dlqListCmd(opts *cliOptions, agentID *string) *cobra.Command {
	var (
		errorCode string
		reason    string
		receiver  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openDLQ(opts, *agentID)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown() }()

			entries := store.List(dlq.Filter{
				ErrorCode:     errorCode,
				FailureReason: reason,
				ReceiverID:    receiver,
			})
			if len(entries) == 0 {
				fmt.Println("Dead letter queue is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENTRY\tMESSAGE\tTYPE\tRECEIVER\tREASON\tFAILED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.EntryID,
					e.Message.MessageID,
					e.Message.Type,
					e.Metadata.ReceiverID,
					e.Metadata.FailureReason,
					e.Metadata.FailedAt.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return ioErr(err)
			}
			fmt.Printf("\n%d entries\n", len(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&errorCode, "error-code", "", "Filter by error code")
	cmd.Flags().StringVar(&reason, "reason", "", "Filter by failure reason")
	cmd.Flags().StringVar(&receiver, "receiver", "", "Filter by receiver agent ID")
	return cmd
}

func dlqRetryCmd(opts *cliOptions, agentID *string) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Remove an entry and print its message for re-send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openDLQ(opts, *agentID)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown() }()

			msg, err := store.Retry(args[0], actor)
			if err != nil {
				return ioErr(fmt.Errorf("retry %s: %w", args[0], err))
			}
			fmt.Printf("Entry %s released for retry (message %s, type %s)\n",
				args[0], msg.MessageID, msg.Type)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "operator", "Who initiated the retry (audit trail)")
	return cmd
}

func dlqDiscardCmd(opts *cliOptions, agentID *string) *cobra.Command {
	var (
		actor         string
		justification string
	)

	cmd := &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Permanently discard an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if justification == "" {
				return validationErr(fmt.Errorf("--justification is required for discard"))
			}
			store, _, err := openDLQ(opts, *agentID)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown() }()

			if err := store.Discard(args[0], actor, justification); err != nil {
				return ioErr(fmt.Errorf("discard %s: %w", args[0], err))
			}
			fmt.Printf("Entry %s discarded\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "operator", "Who initiated the discard (audit trail)")
	cmd.Flags().StringVar(&justification, "justification", "", "Why the entry is being discarded")
	return cmd
}

func dlqExportCmd(opts *cliOptions, agentID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export <path>",
		Short: "Export a snapshot of all entries to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openDLQ(opts, *agentID)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown() }()

			if err := store.Export(args[0]); err != nil {
				return ioErr(fmt.Errorf("export: %w", err))
			}
			fmt.Printf("Exported %d entries to %s\n", store.Size(), args[0])
			return nil
		},
	}
}

func dlqStatsCmd(opts *cliOptions, agentID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show DLQ size, groupings, and growth rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openDLQ(opts, *agentID)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown() }()

			stats := store.GetStats()
			fmt.Printf("Total entries:    %d\n", stats.TotalEntries)
			fmt.Printf("Oldest entry age: %s\n", stats.OldestEntryAge.Round(time.Second))
			fmt.Printf("Growth per hour:  %.2f\n", stats.GrowthPerHour)
			if len(stats.TopReasons) > 0 {
				fmt.Println("Top failure reasons:")
				for _, rc := range stats.TopReasons {
					fmt.Printf("  %-30s %d\n", rc.Reason, rc.Count)
				}
			}
			return nil
		},
	}
}

func dlqArtifactsCmd(opts *cliOptions, agentID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts",
		Short: "List purge and expiry export files",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openDLQ(opts, *agentID)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown() }()

			paths, err := store.Artifacts()
			if err != nil {
				return ioErr(fmt.Errorf("list artifacts: %w", err))
			}
			if len(paths) == 0 {
				fmt.Println("No export artifacts.")
				return nil
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func dlqPurgeCmd(opts *cliOptions, agentID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Purge entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openDLQ(opts, *agentID)
			if err != nil {
				return err
			}
			defer func() { _ = store.Shutdown() }()

			n, err := store.PurgeExpired()
			if err != nil {
				return ioErr(fmt.Errorf("purge: %w", err))
			}
			fmt.Printf("Purged %d expired entries\n", n)
			return nil
		},
	}
}
