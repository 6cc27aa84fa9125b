// Package cli wires the chromeflow command tree: run, list, validate,
// and serve. Exit codes follow the run-status convention: 0 completed,
// 1 failed, 2 paused/cancelled, 3 setup/environment error.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := NewRootCommand().Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.msg != "" {
			fmt.Fprintln(os.Stderr, exit.msg)
		}
		return exit.code
	}
	return 1
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	var showVersion bool

	cmd := &cobra.Command{
		Use:   "chromeflow",
		Short: "chromeflow - resumable, verification-gated browser automation",
		Long: `chromeflow drives scripted browser automations against live Chrome
instances, confirming each step's effect via image or text matching
before advancing. Progress is checkpointed, so an interrupted run
resumes at the step after the last confirmed one.

Examples:
  chromeflow run baidu-search
  chromeflow run baidu-search --run-id nightly-01   # resume under a fixed identity
  chromeflow list
  chromeflow validate automations/
  chromeflow serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "chromeflow version "+version)
				return err
			}
			return cmd.Help()
		},
	}

	cmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newServeCommand())

	return cmd
}
