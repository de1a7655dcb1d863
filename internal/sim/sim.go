// Package sim provides simulation collaborator adapters for the batch
// executor. The core treats a simulator as a synchronous call producing
// yearly metrics. This package supplies an external command wrapper and an
// in-process synthetic stand, plus the environment factory the CLI uses to
// pick between them.
package sim

import (
	"fmt"
	"os"
	"strings"

	"forestmc/internal/core"
)

// Adapter names accepted by FromEnv and batch spec files.
const (
	DriverSynthetic = "synthetic"
	DriverCommand   = "command"
)

// FromEnv builds the simulator selected by the environment:
//
//	FORESTMC_SIMULATOR: synthetic|command (default synthetic)
//	FORESTMC_SIMULATOR_CMD: simulator binary path when driver=command
//
// An explicit name argument overrides FORESTMC_SIMULATOR; the CLI passes the
// batch spec's simulator field through here.
func FromEnv(name string) (core.Simulator, error) {
	driver := strings.TrimSpace(name)
	if driver == "" {
		driver = os.Getenv("FORESTMC_SIMULATOR")
	}
	switch driver {
	case "", DriverSynthetic:
		return NewSynthetic(), nil
	case DriverCommand:
		path := os.Getenv("FORESTMC_SIMULATOR_CMD")
		if path == "" {
			return nil, fmt.Errorf("simulator driver %q requires FORESTMC_SIMULATOR_CMD", DriverCommand)
		}
		return NewCommand(path), nil
	default:
		return nil, fmt.Errorf("unknown simulator driver %q", driver)
	}
}
