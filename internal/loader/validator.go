package loader

import (
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/source"
)

// ValidationResult contains the outcome of validating a load's task outputs.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	RowCount int64
	ByteSize int64
}

// ValidateTasks checks task outputs before commit:
// - every split was written exactly once
// - data files are non-empty
// - checksums are present
func ValidateTasks(splits []source.Split, outputs []TaskOutput) ValidationResult {
	result := ValidationResult{
		Passed: true,
	}

	// Check 1: Task count
	if len(outputs) != len(splits) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("task count mismatch: have %d outputs, expected %d", len(outputs), len(splits)))
		result.Passed = false
	}

	// Check 2: Every split reported once
	seen := make(map[string]int, len(outputs))
	for _, out := range outputs {
		seen[out.TaskID]++
	}
	for _, split := range splits {
		switch n := seen[split.TaskID]; {
		case n == 0:
			result.Errors = append(result.Errors, fmt.Sprintf("task %s (%s) has no output", split.TaskID, split.Key))
			result.Passed = false
		case n > 1:
			result.Errors = append(result.Errors, fmt.Sprintf("task %s reported %d times", split.TaskID, n))
			result.Passed = false
		}
	}

	for _, out := range outputs {
		// Check 3: Non-empty data file
		if out.ByteSize == 0 || out.DataKey == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s wrote no data", out.TaskID))
			result.Passed = false
		}

		// Check 4: Index file written
		if out.IndexKey == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s wrote no index file", out.TaskID))
			result.Passed = false
		}

		// Check 5: Checksum presence
		if out.Checksum == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("missing checksum for task %s", out.TaskID))
			result.Passed = false
		} else if !strings.HasPrefix(out.Checksum, "sha256:") {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("checksum for task %s has non-standard format: %s", out.TaskID, out.Checksum[:min(20, len(out.Checksum))]))
		}

		// Check 6: Empty input
		if out.RowCount == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("task %s (%s) produced no rows", out.TaskID, out.Input))
		}

		result.RowCount += out.RowCount
		result.ByteSize += out.ByteSize
	}

	return result
}

// Summary joins the validation errors into one line.
func (r ValidationResult) Summary() string {
	return strings.Join(r.Errors, "; ")
}
