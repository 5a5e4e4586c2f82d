package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcomm/validate"
)

func validateCmd(opts *cliOptions) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a message envelope from a JSON file",
		Long: `Validate reads a JSON message envelope and checks it against the
protocol at the requested depth: syntax (well-formed JSON), schema
(required fields and types), or semantic (business rules, the default).

Exits 0 when the message is valid, 1 when validation fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := opts.setup()
			if err != nil {
				return err
			}

			lvl, err := parseLevel(level)
			if err != nil {
				return validationErr(err)
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return ioErr(fmt.Errorf("read message: %w", err))
			}

			env, result := validate.New(logger).ValidateBytes(data, lvl)

			for _, w := range result.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			if !result.Valid {
				for _, e := range result.Errors {
					fmt.Printf("error: [%s] %s\n", e.Code, e.Message)
				}
				return validationErr(fmt.Errorf("%d validation error(s)", len(result.Errors)))
			}

			fmt.Printf("Valid %s message %s (%s -> %s)\n",
				env.Type, env.MessageID, env.Sender.AgentID, env.Receiver.AgentID)
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "level", "semantic", "Validation depth (syntax, schema, semantic)")
	return cmd
}

func parseLevel(s string) (validate.Level, error) {
	switch strings.ToLower(s) {
	case "syntax":
		return validate.LevelSyntax, nil
	case "schema":
		return validate.LevelSchema, nil
	case "semantic":
		return validate.LevelSemantic, nil
	}
	return 0, fmt.Errorf("unknown validation level %q", s)
}
