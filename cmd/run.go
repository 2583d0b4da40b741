package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/prompt-collector/internal/app"
	"github.com/JakeFAU/prompt-collector/internal/stopsignal"
)

func newRunCmd() *cobra.Command {
	var (
		tf       targetFlags
		maxItems int
		reset    bool
	)
	cmd := &cobra.Command{
		Use:   "run [ENTITY[:VERSION]...]",
		Short: "Collect items for one or more targets",
		Long: `Pages through the images API for each target, resuming from the stored
offset. The first interrupt finishes the current page and stops cleanly; a
second interrupt aborts immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			targets, err := tf.targetsFor(cmd.Context(), a, args)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			stop := stopsignal.NewChan()
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go watchSignals(ctx, sigCh, stop, cancel, a.Logger())

			results, runErr := a.Collect(ctx, app.Batch{
				Targets:  targets,
				MaxItems: maxItems,
				Reset:    reset,
				Stop:     stop,
			})
			summaries := make([]any, 0, len(results))
			for _, res := range results {
				summaries = append(summaries, res.Summary)
			}
			if err := printJSON(cmd.OutOrStdout(), summaries); err != nil {
				return err
			}
			return runErr
		},
	}
	tf.register(cmd)
	cmd.Flags().IntVar(&maxItems, "max-items", 0, "items to consume per target this run (0 uses collect.max_items)")
	cmd.Flags().BoolVar(&reset, "reset", false, "discard stored progress before starting")
	return cmd
}

func watchSignals(ctx context.Context, sigCh <-chan os.Signal, stop *stopsignal.Chan, cancel context.CancelFunc, logger *zap.Logger) {
	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		logger.Info("stop requested; finishing current page", zap.String("signal", sig.String()))
		stop.Trigger()
	}
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Warn("second interrupt; aborting", zap.String("signal", sig.String()))
		cancel()
	}
}
