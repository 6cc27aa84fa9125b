package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chromeflow/chromeflow/internal/browser"
	"github.com/chromeflow/chromeflow/internal/checkpoint"
	"github.com/chromeflow/chromeflow/internal/config"
	"github.com/chromeflow/chromeflow/internal/engine"
	"github.com/chromeflow/chromeflow/internal/logger"
	"github.com/chromeflow/chromeflow/internal/script"
	"github.com/chromeflow/chromeflow/internal/server"
	"github.com/chromeflow/chromeflow/internal/verify"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chromeflow daemon (HTTP trigger API + scheduled automations)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
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
	daemon := server.New(ctx, cfg, eng, store, scripts)

	serveErr := make(chan error, 1)
	go func() {
		if err := daemon.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return daemon.Shutdown(shutdownCtx)
}
