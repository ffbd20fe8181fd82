package ptp

import (
	"context"
	"math"
	"strconv"
	"strings"
)

// verify is state 8. It runs only diagnostic commands and assembles the
// ClockEvidence. Nothing here mutates the remote host.
func (c *Configurator) verify(ctx context.Context, sess Session, bundle *Bundle) ClockEvidence {
	ev := ClockEvidence{Diagnostics: bundle}

	devices := sess.Run(ctx, "ls -l /dev/ptp* 2>/dev/null", c.CommandTimeout)
	bundle.Add(EvidencePTPDeviceListing, devices.Stdout)
	if devices.Success() && strings.Contains(devices.Stdout, "/dev/ptp") {
		ev.HardwareClockPresent = true
	}

	symlink := sess.Run(ctx, "readlink -e "+DeviceSymlink, c.CommandTimeout)
	if symlink.Success() && strings.TrimSpace(symlink.Stdout) != "" {
		ev.SymlinkPresent = true
		ev.ClockDevice = DeviceSymlink
	} else if ev.HardwareClockPresent {
		// Fall back to the raw device path for the report.
		for _, f := range strings.Fields(devices.Stdout) {
			if strings.HasPrefix(f, "/dev/ptp") {
				ev.ClockDevice = f
				break
			}
		}
	}

	sources := sess.Run(ctx, "chronyc sources 2>&1", c.CommandTimeout)
	bundle.Add(EvidenceChronySources, sources.Stdout)
	ev.ChronyUsingPHC = chronyPrefersPHC(sources.Stdout)

	tracking := sess.Run(ctx, "chronyc tracking 2>&1", c.CommandTimeout)
	bundle.Add(EvidenceChronyTracking, tracking.Stdout)
	if offset, ok := parseTrackingOffsetNS(tracking.Stdout); ok {
		ev.TimeOffsetNS = &offset
	}
	ev.ChronySynchronized = chronySynchronized(tracking.Stdout)

	caps := sess.Run(ctx, hwstampCapsCommand(), c.CommandTimeout)
	bundle.Add(EvidenceHWStampCaps, caps.Stdout)

	// Legacy service-managed PTP daemons: evidence only, never part of the
	// verdict.
	c.collectServiceDiagnostics(ctx, sess, bundle)

	return ev
}

// chronyPrefersPHC parses `chronyc sources` output and reports whether a PHC
// reference clock is the currently preferred source. chrony marks the
// selected source with '*' in the state column, e.g. "#* PHC0".
func chronyPrefersPHC(sourcesOut string) bool {
	for _, line := range strings.Split(sourcesOut, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		// Refclock lines start with '#'; the second column is the selection
		// state.
		if line[0] != '#' {
			continue
		}
		state := line[1]
		rest := strings.Fields(line[2:])
		if len(rest) == 0 {
			continue
		}
		if state == '*' && strings.HasPrefix(rest[0], "PHC") {
			return true
		}
	}
	return false
}

// parseTrackingOffsetNS extracts the current system time offset from
// `chronyc tracking` output and converts it to nanoseconds.
//
//	System time     : 0.000000015 seconds fast of NTP time
func parseTrackingOffsetNS(trackingOut string) (int64, bool) {
	for _, line := range strings.Split(trackingOut, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "System time") {
			continue
		}
		fields := strings.SplitN(line, ":", 2)
		if len(fields) != 2 {
			return 0, false
		}
		parts := strings.Fields(fields[1])
		if len(parts) == 0 {
			return 0, false
		}
		seconds, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return 0, false
		}
		if strings.Contains(fields[1], "slow") {
			seconds = -seconds
		}
		return int64(math.Round(seconds * 1e9)), true
	}
	return 0, false
}

// chronySynchronized reports whether tracking output shows a live sync: a
// reference id other than the unsynchronized sentinel and a leap status other
// than "Not synchronised".
func chronySynchronized(trackingOut string) bool {
	synced := false
	for _, line := range strings.Split(trackingOut, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Reference ID") {
			if strings.Contains(trimmed, "7F7F0101") || strings.Contains(trimmed, "00000000") {
				return false
			}
			synced = true
		}
		if strings.HasPrefix(trimmed, "Leap status") && strings.Contains(trimmed, "Not synchronised") {
			return false
		}
	}
	return synced
}
