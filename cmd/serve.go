// File: cmd/serve.go
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/actions"
	"github.com/xkilldash9x/stagehand/internal/allowlist"
	"github.com/xkilldash9x/stagehand/internal/assetfetch"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/observability"
	"github.com/xkilldash9x/stagehand/internal/render"
	"github.com/xkilldash9x/stagehand/internal/runner"
	"github.com/xkilldash9x/stagehand/internal/server"
	"github.com/xkilldash9x/stagehand/internal/session"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job services.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	store, err := session.NewStore(cfg.Runner.StorageDir, logger)
	if err != nil {
		return err
	}

	fetcher := assetfetch.New(logger)
	jobs := runner.New(cfg.Runner, cfg.Browser, store, fetcher, logger)
	renders := render.New(cfg.Render, cfg.Runner, fetcher, logger)

	valOpts := actions.Options{
		MaxActions:       cfg.Runner.MaxActions,
		DefaultTimeout:   cfg.Runner.DefaultTimeout,
		MaxTimeout:       cfg.Runner.MaxTimeout,
		MaxActionTimeout: cfg.Runner.MaxActionTimeout,
		Allow:            allowlist.New(cfg.Runner.AllowDomains),
	}

	srv := server.New(cfg.Server, cfg.Runner, jobs, renders, valOpts, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutdown signal received, draining requests.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown incomplete.", zap.Error(err))
			return err
		}
		return nil
	}
}
