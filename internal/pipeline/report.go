package pipeline

import (
	"bytes"
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/schaermu/packdeploy/internal/fsutil"
)

// SaveReport persists the report as indented JSON
func SaveReport(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(path, bytes.NewReader(append(data, '\n')), 0644)
}

// LoadReport reads a report written by SaveReport
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &report, nil
}
