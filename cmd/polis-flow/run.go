package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/polisai/polis-flow/pkg/api"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/spf13/cobra"
)

// errExecutionFailed marks a run whose result was printed but did not complete.
var errExecutionFailed = errors.New("pipeline execution failed")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a stored pipeline once and print the result",
		Args:  cobra.NoArgs,
		RunE:  runPipeline,
	}
	cmd.Flags().StringP("pipeline", "p", "", "Pipeline id")
	cmd.Flags().StringP("data", "d", "", "Initial data as a JSON file, or - for stdin")
	cmd.Flags().Int("step", -1, "Run steps 0 through this index only")
	cmd.Flags().Bool("trace", false, "Include the execution trace in the output")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(ctx) }()

	pipelineID, _ := cmd.Flags().GetString("pipeline")
	dataPath, _ := cmd.Flags().GetString("data")
	step, _ := cmd.Flags().GetInt("step")
	withTrace, _ := cmd.Flags().GetBool("trace")

	initial, err := readInitialData(cmd.InOrStdin(), dataPath)
	if err != nil {
		return err
	}

	var res *engine.ExecutionResult
	if step >= 0 {
		res, err = a.engine.Executor.ExecutePipelineStep(ctx, pipelineID, step, initial)
	} else {
		res, err = a.engine.Executor.ExecutePipeline(ctx, pipelineID, initial)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(api.NewExecuteResponse(pipelineID, res, err, withTrace)); encErr != nil {
		return fmt.Errorf("write result: %w", encErr)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", errExecutionFailed, err)
	}
	return nil
}

// readInitialData decodes a JSON object from a file, or from in when path is "-".
// An empty path yields no data.
func readInitialData(in io.Reader, path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(in)
	} else {
		//nolint:gosec // Data file path is supplied by the operator
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read data %s: %w", path, err)
	}

	var initial map[string]any
	if err := json.Unmarshal(data, &initial); err != nil {
		return nil, fmt.Errorf("parse data %s: %w", path, err)
	}
	return initial, nil
}
