package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Build every stored pipeline and report construction errors",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(ctx) }()

	pipelines, err := a.store.ListPipelines(ctx)
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}

	out := cmd.OutOrStdout()
	var errs []error
	for _, def := range pipelines {
		if _, err := a.engine.Builder.Build(ctx, def); err != nil {
			errs = append(errs, fmt.Errorf("pipeline %q: %w", def.UUID, err))
			fmt.Fprintf(out, "FAIL %s: %v\n", def.UUID, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d steps, nodes: %s)\n", def.UUID, len(def.Steps), strings.Join(def.NodeIDs(), ", "))
	}
	fmt.Fprintf(out, "%d pipelines, %d invalid\n", len(pipelines), len(errs))
	return errors.Join(errs...)
}
