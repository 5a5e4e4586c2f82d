package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcomm/codec"
	"github.com/c360studio/agentcomm/protocol"
	"github.com/c360studio/agentcomm/queue"
)

func queueCmd(opts *cliOptions) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect an agent's durable message queue",
	}
	cmd.PersistentFlags().StringVar(&agentID, "agent", "", "Agent ID that owns the queue")
	_ = cmd.MarkPersistentFlagRequired("agent")

	cmd.AddCommand(queueStatsCmd(opts, &agentID))
	cmd.AddCommand(queuePeekCmd(opts, &agentID))

	return cmd
}

// openQueue replays the agent's queue log read-only; the caller must Shutdown.
func openQueue(opts *cliOptions, agentID string) (*queue.Queue, error) {
	cfg, logger, err := opts.setup()
	if err != nil {
		return nil, err
	}
	q, err := queue.New(agentID, cfg.QueueSettings(), codec.New(logger, nil), logger, nil)
	if err != nil {
		return nil, ioErr(fmt.Errorf("open queue: %w", err))
	}
	return q, nil
}

func queueStatsCmd(opts *cliOptions, agentID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth, throughput counters, and wait times",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(opts, *agentID)
			if err != nil {
				return err
			}
			defer func() { _ = q.Shutdown() }()

			m := q.Metrics()
			fmt.Printf("Depth:          %d (high=%d normal=%d low=%d)\n",
				q.Size(),
				m.DepthByPriority[protocol.PriorityHigh],
				m.DepthByPriority[protocol.PriorityNormal],
				m.DepthByPriority[protocol.PriorityLow])
			fmt.Printf("Total enqueued: %d\n", m.TotalEnqueued)
			fmt.Printf("Total dequeued: %d\n", m.TotalDequeued)
			fmt.Printf("Total dropped:  %d\n", m.TotalDropped)
			fmt.Printf("Mean wait:      %s\n", m.MeanWait.Round(time.Millisecond))
			fmt.Printf("Oldest message: %s\n", m.OldestAge.Round(time.Second))
			return nil
		},
	}
}

func queuePeekCmd(opts *cliOptions, agentID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "peek",
		Short: "Show the next message without removing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(opts, *agentID)
			if err != nil {
				return err
			}
			defer func() { _ = q.Shutdown() }()

			entry, ok := q.Peek()
			if !ok {
				fmt.Println("Queue is empty.")
				return nil
			}

			fmt.Printf("Entry:     %s\n", entry.EntryID)
			fmt.Printf("Message:   %s\n", entry.Message.MessageID)
			fmt.Printf("Type:      %s\n", entry.Message.Type)
			fmt.Printf("Sender:    %s\n", entry.Message.Sender.AgentID)
			fmt.Printf("Priority:  %s\n", entry.Priority)
			fmt.Printf("Queued at: %s (waiting %s)\n",
				entry.QueuedAt.Format(time.RFC3339),
				time.Since(entry.QueuedAt).Round(time.Second))
			return nil
		},
	}
}
