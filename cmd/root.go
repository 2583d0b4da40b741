// Package cmd defines and implements the CLI commands for the collector executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/prompt-collector/internal/app"
	"github.com/JakeFAU/prompt-collector/internal/collector"
	"github.com/JakeFAU/prompt-collector/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface that commands use.
// Tests replace newApp to inject a fake.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Store() app.Store
	ResolveTargets(ctx context.Context, targets []collector.Target) ([]collector.Target, error)
	Collect(ctx context.Context, batch app.Batch) ([]app.Result, error)
	Serve(ctx context.Context) error
	Close()
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "prompt-collector",
		Short: "Resumable collector for the CivitAI images API.",
		Long: `prompt-collector pages through the images API for one or more models,
storing every prompt exactly once and recording progress after each page so
that interrupted runs pick up where they stopped.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env COLLECTOR_* overrides)")

	cmd.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newStopCmd(),
		newStateCmd(),
		newResetCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
