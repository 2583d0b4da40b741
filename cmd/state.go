package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/prompt-collector/internal/collector"
	"github.com/JakeFAU/prompt-collector/internal/stopsignal"
)

func newStateCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "state [ENTITY[:VERSION]...]",
		Short: "Print stored job state; lists every target when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if tf.entity == "" && tf.version == "" && len(tf.targets) == 0 && len(args) == 0 {
				states, err := a.Store().List(cmd.Context())
				if err != nil {
					return fmt.Errorf("list states: %w", err)
				}
				if states == nil {
					states = []collector.JobState{}
				}
				return printJSON(cmd.OutOrStdout(), states)
			}
			targets, err := tf.targetsFor(cmd.Context(), a, args)
			if err != nil {
				return err
			}
			states := make([]collector.JobState, 0, len(targets))
			for _, t := range targets {
				state, err := a.Store().Load(cmd.Context(), t)
				if err != nil {
					return fmt.Errorf("load state %s: %w", t, err)
				}
				states = append(states, state)
			}
			return printJSON(cmd.OutOrStdout(), states)
		},
	}
	tf.register(cmd)
	return cmd
}

func newResetCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "reset ENTITY[:VERSION]...",
		Short: "Delete stored progress so the next run starts from the beginning",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			targets, err := tf.targetsFor(cmd.Context(), a, args)
			if err != nil {
				return err
			}
			for _, t := range targets {
				if err := a.Store().Reset(cmd.Context(), t); err != nil {
					return fmt.Errorf("reset %s: %w", t, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", t)
			}
			return nil
		},
	}
	tf.register(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "stop ENTITY[:VERSION]...",
		Short: "Ask a running collection to stop after its current page",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			targets, err := tf.targetsFor(cmd.Context(), a, args)
			if err != nil {
				return err
			}
			for _, t := range targets {
				path, err := stopsignal.Request(a.Config().Collect.StopDir, t.Key())
				if err != nil {
					return fmt.Errorf("request stop %s: %w", t, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s (%s)\n", t, path)
			}
			return nil
		},
	}
	tf.register(cmd)
	return cmd
}
