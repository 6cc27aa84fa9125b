package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromeflow/chromeflow/internal/faults"
)

// StepTiming records how long one confirmed step took, for diagnostics.
type StepTiming struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ns"`
	Attempts int           `json:"attempts"`
}

// Report is the JSON summary written for a finished run.
type Report struct {
	RunID      string          `json:"run_id"`
	Automation string          `json:"automation"`
	Status     Status          `json:"status"`
	LastIndex  int             `json:"last_index"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
	Timings    []StepTiming    `json:"timings,omitempty"`
	Failures   []faults.Record `json:"failures,omitempty"`
}

// WriteReport persists a run report under the state directory's reports
// folder. Reports are diagnostics; a write failure is returned but should
// not change a run's outcome.
func (s *Store) WriteReport(report Report) (string, error) {
	dir := filepath.Join(s.stateDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, fmt.Sprintf("run_%s_%s.json",
		report.RunID, report.EndedAt.UTC().Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}
