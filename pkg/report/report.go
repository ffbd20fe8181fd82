// Package report assembles per-instance verdicts into the fleet-level output
// record and renders it for machines (JSON, YAML) and humans (text).
//
// Aggregation is a pure function over the verdict list. Serialized output is
// sanitized: IP-bearing fields keep only their first two octets, and no field
// ever carries key material. Human-facing text truncates long diagnostic
// blobs; the machine exports keep them whole under diagnostic_output.
package report

import (
	"time"

	"github.com/markbere/ptp-clock-checker/pkg/runner"
)

// TypeBreakdown counts outcomes for one instance type.
type TypeBreakdown struct {
	Total       int `json:"total" yaml:"total"`
	Supported   int `json:"supported" yaml:"supported"`
	Unsupported int `json:"unsupported" yaml:"unsupported"`
}

// TestSummary is the fleet-level counter block.
type TestSummary struct {
	TotalInstances      int                      `json:"total_instances" yaml:"total_instances"`
	PTPSupported        int                      `json:"ptp_supported" yaml:"ptp_supported"`
	PTPUnsupported      int                      `json:"ptp_unsupported" yaml:"ptp_unsupported"`
	TestDurationSeconds float64                  `json:"test_duration_seconds" yaml:"test_duration_seconds"`
	InstanceTypesTested int                      `json:"instance_types_tested" yaml:"instance_types_tested"`
	PlacementGroup      *string                  `json:"placement_group" yaml:"placement_group"`
	InstanceTypeSummary map[string]TypeBreakdown `json:"instance_type_summary" yaml:"instance_type_summary"`
}

// PTPStatus is the per-instance probe outcome block.
type PTPStatus struct {
	Supported            bool              `json:"supported" yaml:"supported"`
	ENADriverVersion     string            `json:"ena_driver_version" yaml:"ena_driver_version"`
	HardwareClockPresent bool              `json:"hardware_clock_present" yaml:"hardware_clock_present"`
	ChronyUsingPHC       bool              `json:"chrony_using_phc" yaml:"chrony_using_phc"`
	Synchronized         bool              `json:"synchronized" yaml:"synchronized"`
	ClockDevice          string            `json:"clock_device" yaml:"clock_device"`
	TimeOffsetNS         *int64            `json:"time_offset_ns" yaml:"time_offset_ns"`
	ErrorMessage         string            `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	DiagnosticOutput     map[string]string `json:"diagnostic_output,omitempty" yaml:"diagnostic_output,omitempty"`
}

// Result is one verdict in export form.
type Result struct {
	InstanceID           string    `json:"instance_id" yaml:"instance_id"`
	InstanceType         string    `json:"instance_type" yaml:"instance_type"`
	InstanceIndex        int       `json:"instance_index" yaml:"instance_index"`
	TotalInstancesOfType int       `json:"total_instances_of_type" yaml:"total_instances_of_type"`
	Architecture         string    `json:"architecture" yaml:"architecture"`
	AvailabilityZone     string    `json:"availability_zone" yaml:"availability_zone"`
	SubnetID             string    `json:"subnet_id" yaml:"subnet_id"`
	PlacementGroup       string    `json:"placement_group,omitempty" yaml:"placement_group,omitempty"`
	PTPStatus            PTPStatus `json:"ptp_status" yaml:"ptp_status"`
	KeptRunning          bool      `json:"kept_running" yaml:"kept_running"`
	Timestamp            string    `json:"timestamp" yaml:"timestamp"`
}

// FleetReport is the complete output record.
type FleetReport struct {
	TestSummary TestSummary `json:"test_summary" yaml:"test_summary"`
	Results     []Result    `json:"results" yaml:"results"`
}

// Aggregate builds the FleetReport from verdicts in their final (canonical)
// order. duration is the wall-clock span of the whole run; the summary's
// placement group is nil when placementGroup is empty.
func Aggregate(verdicts []runner.Verdict, duration time.Duration, placementGroup string) *FleetReport {
	summary := TestSummary{
		TotalInstances:      len(verdicts),
		TestDurationSeconds: duration.Seconds(),
		InstanceTypeSummary: make(map[string]TypeBreakdown),
	}
	if placementGroup != "" {
		summary.PlacementGroup = &placementGroup
	}

	results := make([]Result, 0, len(verdicts))
	for _, v := range verdicts {
		inst := v.Instance
		b := summary.InstanceTypeSummary[inst.Type]
		b.Total++
		if v.Supported {
			summary.PTPSupported++
			b.Supported++
		} else {
			summary.PTPUnsupported++
			b.Unsupported++
		}
		summary.InstanceTypeSummary[inst.Type] = b

		status := PTPStatus{
			Supported:            v.Supported,
			ENADriverVersion:     v.Driver.Version,
			HardwareClockPresent: v.Evidence.HardwareClockPresent,
			ChronyUsingPHC:       v.Evidence.ChronyUsingPHC,
			Synchronized:         v.Evidence.ChronySynchronized,
			ClockDevice:          v.Evidence.ClockDevice,
			TimeOffsetNS:         v.Evidence.TimeOffsetNS,
			ErrorMessage:         SanitizeText(v.ErrorMessage),
		}
		if v.Evidence.Diagnostics != nil && v.Evidence.Diagnostics.Len() > 0 {
			status.DiagnosticOutput = make(map[string]string, v.Evidence.Diagnostics.Len())
			for k, blob := range v.Evidence.Diagnostics.Map() {
				status.DiagnosticOutput[k] = SanitizeText(blob)
			}
		}

		results = append(results, Result{
			InstanceID:           inst.ID,
			InstanceType:         inst.Type,
			InstanceIndex:        inst.Ordinal,
			TotalInstancesOfType: inst.GroupTotal,
			Architecture:         inst.Architecture,
			AvailabilityZone:     inst.AvailabilityZone,
			SubnetID:             inst.SubnetID,
			PlacementGroup:       inst.PlacementGroup,
			PTPStatus:            status,
			KeptRunning:          v.KeptRunning,
			Timestamp:            v.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	summary.InstanceTypesTested = len(summary.InstanceTypeSummary)

	return &FleetReport{TestSummary: summary, Results: results}
}
