package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chromeflow/chromeflow/internal/checkpoint"
	"github.com/chromeflow/chromeflow/internal/config"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known runs and their checkpoint state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return &exitError{code: 3, msg: fmt.Sprintf("configuration error: %v", err)}
			}

			store, err := checkpoint.Open(cmd.Context(), cfg.StateDir)
			if err != nil {
				return &exitError{code: 3, msg: fmt.Sprintf("failed to open checkpoint store: %v", err)}
			}
			defer store.Close()

			checkpoints, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(checkpoints) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tAUTOMATION\tSTATUS\tLAST STEP\tUPDATED")
			for _, cp := range checkpoints {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					cp.RunID, cp.Automation, cp.Status, cp.LastIndex,
					cp.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}
