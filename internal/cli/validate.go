package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chromeflow/chromeflow/internal/script"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|directory>",
		Short: "Validate automation script files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("cannot access %s: %w", path, err)
			}

			if info.IsDir() {
				store := script.NewStore(path)
				if err := store.Load(); err != nil {
					return err
				}
				for _, automation := range store.List() {
					fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (version %s, %d steps)\n",
						automation.Name, automation.Version, len(automation.Steps))
				}
				return nil
			}

			automation, err := script.LoadFile(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (version %s, %d steps)\n",
				automation.Name, automation.Version, len(automation.Steps))
			return nil
		},
	}
}
