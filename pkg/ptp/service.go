package ptp

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Legacy path: some images manage ptp4l/phc2sys as systemd services instead
// of (or alongside) chrony. When such a unit exists we collect its status,
// recent logs, linker dependencies and a dry run, and derive actionable
// recommendations. None of this feeds the supported verdict; it exists so a
// human looking at a failed instance gets told what to fix.

var legacyUnits = []string{"ptp4l", "phc2sys"}

// crashLoopMarker in systemd status output means the unit is dying and being
// restarted continuously.
const crashLoopMarker = "activating (auto-restart)"

var exitStatusRe = regexp.MustCompile(`status=(\d+)`)
var missingLibRe = regexp.MustCompile(`(\S+\.so[^\s]*)\s*=>\s*not found`)

// collectServiceDiagnostics probes for managed PTP daemon units and, for each
// one present, attaches status/log/dependency evidence and recommendation
// strings to the bundle.
func (c *Configurator) collectServiceDiagnostics(ctx context.Context, sess Session, bundle *Bundle) {
	for _, unit := range legacyUnits {
		exists := sess.Run(ctx, fmt.Sprintf("systemctl list-unit-files %s.service --no-legend 2>/dev/null", unit), c.CommandTimeout)
		if !exists.Success() || strings.TrimSpace(exists.Stdout) == "" {
			continue
		}

		status := sess.Run(ctx, fmt.Sprintf("systemctl status %s --no-pager 2>&1", unit), c.CommandTimeout)
		bundle.Append(EvidenceServiceStatus, fmt.Sprintf("--- %s ---\n%s", unit, status.Stdout))

		logs := sess.Run(ctx, fmt.Sprintf("journalctl -u %s -n 50 --no-pager 2>&1", unit), c.CommandTimeout)
		bundle.Append(EvidenceServiceLogs, fmt.Sprintf("--- %s ---\n%s", unit, logs.Stdout))

		deps := sess.Run(ctx, fmt.Sprintf("ldd $(command -v %s) 2>&1", unit), c.CommandTimeout)
		bundle.Append(EvidenceServiceDeps, fmt.Sprintf("--- %s ---\n%s", unit, deps.Stdout))

		dry := sess.Run(ctx, fmt.Sprintf("sudo %s --help >/dev/null 2>&1; echo exit=$?", unit), c.CommandTimeout)

		for _, rec := range DeriveRecommendations(unit, status.Stdout, deps.Stdout, dry.Stdout) {
			bundle.Append(EvidenceRecommendations, rec)
		}
	}
}

// DeriveRecommendations turns raw service evidence into short actionable
// strings.
func DeriveRecommendations(unit, statusOut, lddOut, dryRunOut string) []string {
	var recs []string

	if strings.Contains(statusOut, crashLoopMarker) {
		rec := fmt.Sprintf("%s is crash-looping", unit)
		if m := exitStatusRe.FindStringSubmatch(statusOut); m != nil {
			rec = fmt.Sprintf("%s (last exit status %s)", rec, m[1])
		}
		recs = append(recs, rec)
	}

	for _, m := range missingLibRe.FindAllStringSubmatch(lddOut, -1) {
		recs = append(recs, fmt.Sprintf("missing library %s required by %s", m[1], unit))
	}

	if strings.Contains(dryRunOut, "exit=127") {
		recs = append(recs, fmt.Sprintf("%s binary not found on PATH", unit))
	} else if strings.Contains(statusOut, "failed") && len(recs) == 0 {
		recs = append(recs, fmt.Sprintf("%s failed; inspect service_logs", unit))
	}

	return recs
}
