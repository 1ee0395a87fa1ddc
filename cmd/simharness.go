package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sunupay/sunupay/simulator/harness"
)

// SimHarnessCmd is the entrypoint run inside the sandbox image. It reads
// the scenario file, replays it deterministically, and writes JSON lines
// to stdout with the summary as the final line.
var SimHarnessCmd = &cobra.Command{
	Use:   "simharness [scenario.json]",
	Short: "run the deterministic scenario harness (sandbox entrypoint)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSimHarness,
}

func init() {
	RootCmd.AddCommand(SimHarnessCmd)
}

func runSimHarness(command *cobra.Command, args []string) error {
	path := "/work/scenario.json"
	if len(args) > 0 {
		path = args[0]
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scenario: %w", err)
	}

	var input harness.Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("parse scenario: %w", err)
	}

	// the SEED env wins over the scenario file when both are set
	if env := os.Getenv("SEED"); env != "" {
		seed, err := strconv.ParseInt(env, 10, 64)
		if err != nil {
			return fmt.Errorf("parse SEED: %w", err)
		}
		input.Seed = seed
	}

	summary := harness.New(input.Seed, input.Scenario).Run(os.Stdout)
	if summary.Status == "failed" {
		os.Exit(1)
	}
	return nil
}
