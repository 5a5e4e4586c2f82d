package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcomm/agent"
	"github.com/c360studio/agentcomm/protocol"
)

func runCmd(opts *cliOptions) *cobra.Command {
	var (
		agentID   string
		agentType string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent messaging runtime until interrupted",
		Long: `Run starts the full messaging runtime for one agent: the inbox
tailer, durable queue, dispatch loop, delivery tracker, and failure
handler. Messages are processed until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := protocol.AgentType(agentType)
			if !typ.Valid() || typ == protocol.AgentWildcard {
				return validationErr(fmt.Errorf("invalid agent type %q", agentType))
			}

			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}

			a, err := agent.New(agentID, typ, cfg, logger, nil)
			if err != nil {
				return ioErr(fmt.Errorf("create agent: %w", err))
			}

			if err := a.Start(); err != nil {
				return ioErr(fmt.Errorf("start agent: %w", err))
			}
			logger.Info("Agent runtime started",
				"agent_id", agentID,
				"agent_type", agentType,
				"root", cfg.Root,
				"version", Version)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			<-ctx.Done()

			logger.Info("Received shutdown signal")
			a.Shutdown()
			logger.Info("Agent runtime shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID to run as")
	cmd.Flags().StringVar(&agentType, "type", string(protocol.AgentImplementation), "Agent role (Manager, Implementation, AdHoc)")
	_ = cmd.MarkFlagRequired("agent")

	return cmd
}
