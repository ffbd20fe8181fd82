package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// RenderJSON writes the machine export. Diagnostic blobs are kept whole.
func RenderJSON(w io.Writer, r *FleetReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// RenderYAML writes the structural mirror of the JSON export.
func RenderYAML(w io.Writer, r *FleetReport) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(r)
}

// RenderText writes the human-facing summary with truncated diagnostics.
func RenderText(w io.Writer, r *FleetReport) error {
	s := r.TestSummary
	fmt.Fprintf(w, "PTP hardware timestamping results\n")
	fmt.Fprintf(w, "=================================\n")
	fmt.Fprintf(w, "Instances tested: %d (%d types)\n", s.TotalInstances, s.InstanceTypesTested)
	fmt.Fprintf(w, "Supported:        %d\n", s.PTPSupported)
	fmt.Fprintf(w, "Unsupported:      %d\n", s.PTPUnsupported)
	fmt.Fprintf(w, "Duration:         %.1fs\n", s.TestDurationSeconds)
	if s.PlacementGroup != nil {
		fmt.Fprintf(w, "Placement group:  %s\n", *s.PlacementGroup)
	}

	types := make([]string, 0, len(s.InstanceTypeSummary))
	for t := range s.InstanceTypeSummary {
		types = append(types, t)
	}
	sort.Strings(types)
	fmt.Fprintf(w, "\nPer-type breakdown:\n")
	for _, t := range types {
		b := s.InstanceTypeSummary[t]
		fmt.Fprintf(w, "  %-16s total=%d supported=%d unsupported=%d\n", t, b.Total, b.Supported, b.Unsupported)
	}

	fmt.Fprintf(w, "\nResults:\n")
	for _, res := range r.Results {
		mark := "UNSUPPORTED"
		if res.PTPStatus.Supported {
			mark = "SUPPORTED"
		}
		fmt.Fprintf(w, "\n%s %s (#%d/%d) [%s] %s\n", res.InstanceID, res.InstanceType,
			res.InstanceIndex, res.TotalInstancesOfType, res.Architecture, mark)
		if res.PTPStatus.ENADriverVersion != "" {
			fmt.Fprintf(w, "  driver:  %s\n", res.PTPStatus.ENADriverVersion)
		}
		if res.PTPStatus.ClockDevice != "" {
			fmt.Fprintf(w, "  clock:   %s\n", res.PTPStatus.ClockDevice)
		}
		if res.PTPStatus.TimeOffsetNS != nil {
			fmt.Fprintf(w, "  offset:  %dns\n", *res.PTPStatus.TimeOffsetNS)
		}
		if res.PTPStatus.ErrorMessage != "" {
			fmt.Fprintf(w, "  error:   %s\n", Truncate(res.PTPStatus.ErrorMessage))
		}
		if res.KeptRunning {
			fmt.Fprintf(w, "  kept running\n")
		}
		for _, key := range diagnosticOrder(res.PTPStatus.DiagnosticOutput) {
			fmt.Fprintf(w, "  %s: %s\n", key, Truncate(res.PTPStatus.DiagnosticOutput[key]))
		}
	}
	return nil
}

func diagnosticOrder(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
