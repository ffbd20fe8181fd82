package ptp

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// MinDriverVersion is the first ENA release that can expose a PTP hardware
// clock. Older drivers are a clean unsupported classification, not an error.
const MinDriverVersion = "2.10.0"

// DriverInfo is the parsed ENA kernel module information.
type DriverInfo struct {
	// Version is the semantic version triple, e.g. "2.12.0".
	Version string

	// Compatible is true when Version >= MinDriverVersion.
	Compatible bool

	// Raw is the unparsed modinfo output kept for diagnostics.
	Raw string
}

// parseDriverInfo extracts the version triple from `modinfo ena` output and
// gates it against the minimum. modinfo prints "version:        2.12.0g"
// style lines; trailing vendor suffixes are stripped before comparison.
func parseDriverInfo(modinfoOut string) (DriverInfo, error) {
	info := DriverInfo{Raw: modinfoOut}
	for _, line := range strings.Split(modinfoOut, "\n") {
		fields := strings.SplitN(line, ":", 2)
		if len(fields) != 2 || strings.TrimSpace(fields[0]) != "version" {
			continue
		}
		raw := strings.TrimSpace(fields[1])
		info.Version = trimVersionSuffix(raw)
		break
	}
	if info.Version == "" {
		return info, fmt.Errorf("no version line in modinfo output")
	}
	v, err := goversion.NewVersion(info.Version)
	if err != nil {
		return info, fmt.Errorf("unparsable driver version %q: %w", info.Version, err)
	}
	min := goversion.Must(goversion.NewVersion(MinDriverVersion))
	info.Compatible = v.GreaterThanOrEqual(min)
	return info, nil
}

// trimVersionSuffix keeps the leading dotted-numeric part of a version
// string, dropping vendor suffixes like "2.12.0g" -> "2.12.0".
func trimVersionSuffix(s string) string {
	end := 0
	for end < len(s) {
		c := s[end]
		if (c < '0' || c > '9') && c != '.' {
			break
		}
		end++
	}
	return strings.Trim(s[:end], ".")
}
