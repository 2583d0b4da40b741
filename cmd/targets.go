package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

type targetFlags struct {
	entity  string
	version string
	targets []string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.entity, "entity", "", "model id to collect")
	cmd.Flags().StringVar(&f.version, "version", "", "model version id to collect")
	cmd.Flags().StringArrayVar(&f.targets, "target", nil, "target as ENTITY[:VERSION]; repeatable")
}

// resolve merges --entity/--version, repeated --target flags and positional
// arguments into a de-duplicated target list.
func (f *targetFlags) resolve(args []string) ([]collector.Target, error) {
	var out []collector.Target
	seen := make(map[string]struct{})
	add := func(t collector.Target) {
		if _, ok := seen[t.Key()]; ok {
			return
		}
		seen[t.Key()] = struct{}{}
		out = append(out, t)
	}
	if f.entity != "" || f.version != "" {
		t := collector.Target{EntityID: f.entity, VersionID: f.version}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		add(t)
	}
	for _, raw := range append(append([]string(nil), f.targets...), args...) {
		t, err := collector.ParseTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", raw, err)
		}
		add(t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: use --entity, --version or --target", collector.ErrInvalidTarget)
	}
	return out, nil
}

// targetsFor resolves the flags and asks the app to fill in the model of
// version-only targets.
func (f *targetFlags) targetsFor(ctx context.Context, a App, args []string) ([]collector.Target, error) {
	targets, err := f.resolve(args)
	if err != nil {
		return nil, err
	}
	return a.ResolveTargets(ctx, targets)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
