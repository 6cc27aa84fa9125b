package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chromeflow/chromeflow/internal/browser"
	"github.com/chromeflow/chromeflow/internal/checkpoint"
	"github.com/chromeflow/chromeflow/internal/config"
	"github.com/chromeflow/chromeflow/internal/engine"
	"github.com/chromeflow/chromeflow/internal/script"
	"github.com/chromeflow/chromeflow/internal/verify"
)

// sessionPool adapts the browser pool to the engine's borrowing surface.
type sessionPool struct {
	pool *browser.Pool
}

func (p sessionPool) Acquire(ctx context.Context, instanceHint string) (engine.Session, error) {
	session, err := p.pool.Acquire(ctx, instanceHint)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (p sessionPool) Release(session engine.Session) {
	if s, ok := session.(*browser.Session); ok {
		p.pool.Release(s)
	}
}

func newRunCommand() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "run <automation>",
		Short: "Execute (or resume) an automation",
		Long: `Execute an automation from the script directory. Passing --run-id
with the identity of an interrupted run resumes it at the step after
the last confirmed one; a fresh identity starts from the beginning.

Interrupting with Ctrl-C pauses the run at the next step boundary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAutomation(ctx, cmd, args[0], runID)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run identity; reuse one to resume an interrupted run")
	return cmd
}

func runAutomation(ctx context.Context, cmd *cobra.Command, automationName, runID string) error {
	cfg, err := config.New()
	if err != nil {
		return &exitError{code: 3, msg: fmt.Sprintf("configuration error: %v", err)}
	}

	scripts := script.NewStore(cfg.ScriptDir)
	if err := scripts.Load(); err != nil {
		return &exitError{code: 3, msg: fmt.Sprintf("failed to load scripts: %v", err)}
	}

	store, err := checkpoint.Open(ctx, cfg.StateDir)
	if err != nil {
		return &exitError{code: 3, msg: fmt.Sprintf("failed to open checkpoint store: %v", err)}
	}
	defer store.Close()

	pool := browser.NewPool(cfg.Pool)
	defer pool.Close()

	eng := engine.New(cfg, sessionPool{pool: pool}, verify.New(cfg.Verify), store, scripts)

	result, err := eng.StartRun(ctx, automationName, runID)
	if err != nil {
		return err
	}
	printResult(cmd, result)

	if code := result.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func printResult(cmd *cobra.Command, result *engine.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %s (last confirmed step %d)\n", result.RunID, result.Status, result.LastIndex)

	if result.SetupErr != nil {
		fmt.Fprintf(out, "setup error: %v\n", result.SetupErr)
	}
	for _, record := range result.Failures {
		fmt.Fprintf(out, "  step %d attempt %d [%s/%s]: %s\n",
			record.StepIndex, record.Attempt, record.Class, record.Kind, record.Cause)
	}
}
