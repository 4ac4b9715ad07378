// Package operations loads named operation definitions: reusable bundles of
// symbol, interval, window-or-lookback and input timezone that the pipeline
// consumes after window resolution.
package operations

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/johnayoung/go-kline-ingest/internal/errs"
)

// Operation types dispatched by the runner.
const (
	TypeFetch       = "fetch"
	TypeVolumeStats = "volume_stats"
	TypeSlice       = "generate_sliced_csv"
)

// Operation is one named entry from the operations file.
type Operation struct {
	Name            string `yaml:"name"`
	Type            string `yaml:"type"`
	Symbol          string `yaml:"symbol"`
	Interval        string `yaml:"interval"`
	Lookback        string `yaml:"lookback"`
	StartTime       string `yaml:"start_time"`
	EndTime         string `yaml:"end_time"`
	InputTimezone   string `yaml:"time_input_timezone"`
	SliceOutputPath string `yaml:"slice_output_path"`
}

type operationsFile struct {
	Defaults   Operation   `yaml:"defaults"`
	Operations []Operation `yaml:"operations"`
}

// Load parses the operations file and returns the named operations with
// defaults merged into unset per-operation fields. Every operation must name
// itself, a symbol and an interval (possibly via defaults).
func Load(path string) (map[string]Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewConfigError("operations", fmt.Sprintf("read %s: %v", path, err))
	}

	var file operationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errs.NewConfigError("operations", fmt.Sprintf("parse %s: %v", path, err))
	}

	ops := make(map[string]Operation, len(file.Operations))
	for _, op := range file.Operations {
		if op.Name == "" {
			return nil, errs.NewConfigError("operations", "operation missing name")
		}
		merged := mergeDefaults(op, file.Defaults)
		if merged.Symbol == "" {
			return nil, errs.NewConfigError("operations",
				fmt.Sprintf("operation %q missing symbol (and no default provided)", op.Name))
		}
		if merged.Interval == "" {
			return nil, errs.NewConfigError("operations",
				fmt.Sprintf("operation %q missing interval (and no default provided)", op.Name))
		}
		ops[merged.Name] = merged
	}
	return ops, nil
}

func mergeDefaults(op, defaults Operation) Operation {
	if op.Symbol == "" {
		op.Symbol = defaults.Symbol
	}
	if op.Interval == "" {
		op.Interval = defaults.Interval
	}
	if op.Lookback == "" {
		op.Lookback = defaults.Lookback
	}
	if op.StartTime == "" {
		op.StartTime = defaults.StartTime
	}
	if op.EndTime == "" {
		op.EndTime = defaults.EndTime
	}
	if op.InputTimezone == "" {
		op.InputTimezone = defaults.InputTimezone
	}
	if op.SliceOutputPath == "" {
		op.SliceOutputPath = defaults.SliceOutputPath
	}
	return op
}
