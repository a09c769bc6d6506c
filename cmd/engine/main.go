// ============================================================================
// engine - entrypoint
// ============================================================================
//
// Builds the CLI and runs it. All logic lives in internal/cli.
//
//   go run ./cmd/engine run -c configs/engine.yaml
//   go build -ldflags "-X github.com/advancedcontrol/engine/internal/cli.Version=1.2.0" ./cmd/engine
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/advancedcontrol/engine/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
