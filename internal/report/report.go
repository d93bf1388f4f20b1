// Package report renders the outcome of a conformance run. Policy lives
// with the caller: the engine hands over a structured Report and the
// caller decides how to print it and what exit code it earns.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"nsmcheck/internal/checks"
)

// SchemaVersion is the version of the JSON report layout.
const SchemaVersion = 1

// DeviceSummary is the reported identity of the audited device.
type DeviceSummary struct {
	ModuleID    string `json:"module_id"`
	Version     string `json:"version"`
	MaxPCRs     uint16 `json:"max_pcrs"`
	Digest      string `json:"digest"`
	DigestWidth int    `json:"digest_width"`
}

// ScenarioResult is the outcome of one scenario in run order.
type ScenarioResult struct {
	Name       string        `json:"name"`
	Passed     bool          `json:"passed"`
	DurationMS float64       `json:"duration_ms"`
	Duration   time.Duration `json:"-"`
}

// Report is the full result of one conformance run.
type Report struct {
	SchemaVersion int               `json:"schema_version"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Device        DeviceSummary     `json:"device"`
	Scenarios     []ScenarioResult  `json:"scenarios"`
	Violation     *checks.Violation `json:"violation,omitempty"`
	Pass          bool              `json:"pass"`
}

// AddScenario records one finished scenario.
func (r *Report) AddScenario(name string, passed bool, d time.Duration) {
	r.Scenarios = append(r.Scenarios, ScenarioResult{
		Name:       name,
		Passed:     passed,
		Duration:   d,
		DurationMS: float64(d) / float64(time.Millisecond),
	})
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// WriteText renders a human-readable report.
func (r *Report) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "device: %s (v%s, %d PCRs, %s)\n",
		r.Device.ModuleID, r.Device.Version, r.Device.MaxPCRs, r.Device.Digest)

	for _, s := range r.Scenarios {
		status := "ok"
		if !s.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "  %-20s %-4s %8.1fms\n", s.Name, status, s.DurationMS)
	}

	if r.Violation != nil {
		fmt.Fprintf(w, "\n%s\n", r.Violation.Error())
	}

	verdict := "PASS"
	if !r.Pass {
		verdict = "FAIL"
	}
	_, err := fmt.Fprintf(w, "\nresult: %s (%s)\n", verdict, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	return err
}
