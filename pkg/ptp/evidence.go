// Package ptp implements the remote configuration protocol that turns a
// freshly booted probe instance into a verdict about hardware packet
// timestamping support.
//
// The protocol is a linear state machine executed over a remote shell
// session: detect the machine architecture, gate on the installed ENA driver
// version, make sure the driver exposes its PTP hardware clock (possibly by
// rebuilding the module, which drops the session), wire /dev/ptp_ena up via a
// udev rule, point chrony at the clock, and finally collect purely diagnostic
// evidence. Any state may fail; failures short-circuit the machine straight
// to verification so the verdict always carries the best available evidence.
//
// The one architectural discipline that matters: when enabling the hardware
// clock requires a module reload, the protocol reports that fact as a tagged
// outcome and stops. It never reconnects on its own. The per-instance runner
// owns the session and performs the disconnect/wait/reconnect before resuming
// the protocol.
//
// Key Components:
//   - Configurator: executes the state machine over a Session
//   - Prep/Result: the two protocol halves around the reconnect boundary
//   - ClockEvidence: the structured verification record
//   - Bundle: keyed diagnostic blobs for human inspection
package ptp

// Evidence keys the verifier guarantees. The bundle is open for extension but
// these are the keys downstream consumers can rely on.
const (
	EvidenceDriverInfo       = "driver_info"
	EvidencePTPDeviceListing = "ptp_device_listing"
	EvidenceChronySources    = "chrony_sources"
	EvidenceChronyTracking   = "chrony_tracking"
	EvidenceReloadLog        = "reload_log"
	EvidenceHWStampCaps      = "hwstamp_caps"
	EvidenceServiceStatus    = "service_status"
	EvidenceServiceLogs      = "service_logs"
	EvidenceServiceDeps      = "service_deps"
	EvidenceRecommendations  = "recommendations"
	EvidenceArch             = "arch"
	EvidenceUdevRule         = "udev_rule"
	EvidencePackageInstall   = "package_install"
	EvidenceChronyConfig     = "chrony_config"
	EvidencePHCState         = "phc_state"
)

// Bundle is a keyed collection of diagnostic text blobs, ordered by first
// insertion so reports read in protocol order.
type Bundle struct {
	keys  []string
	blobs map[string]string
}

// NewBundle returns an empty bundle.
func NewBundle() *Bundle {
	return &Bundle{blobs: make(map[string]string)}
}

// Add stores blob under key, replacing any previous value but keeping the
// original position.
func (b *Bundle) Add(key, blob string) {
	if _, ok := b.blobs[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.blobs[key] = blob
}

// Append concatenates blob onto any existing value under key.
func (b *Bundle) Append(key, blob string) {
	if existing, ok := b.blobs[key]; ok && existing != "" {
		b.blobs[key] = existing + "\n" + blob
		return
	}
	b.Add(key, blob)
}

// Get returns the blob under key and whether it exists.
func (b *Bundle) Get(key string) (string, bool) {
	v, ok := b.blobs[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (b *Bundle) Keys() []string {
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out
}

// Len returns the number of stored blobs.
func (b *Bundle) Len() int { return len(b.keys) }

// Map returns a copy of the bundle as a plain map for serialization.
func (b *Bundle) Map() map[string]string {
	out := make(map[string]string, len(b.blobs))
	for k, v := range b.blobs {
		out[k] = v
	}
	return out
}

// ClockEvidence is the verification record for one instance.
type ClockEvidence struct {
	// HardwareClockPresent is true when a /dev/ptp* device exists. After a
	// driver reload a failed post-reload verification forces it false; no
	// observation from before the reload feeds it.
	HardwareClockPresent bool

	// SymlinkPresent is true when /dev/ptp_ena resolves.
	SymlinkPresent bool

	// ChronyUsingPHC is true when chrony lists a PHC refclock as the
	// currently preferred source.
	ChronyUsingPHC bool

	// ChronySynchronized is true when chrony tracking reports a live sync.
	ChronySynchronized bool

	// ClockDevice is the device path when known, e.g. "/dev/ptp_ena".
	ClockDevice string

	// TimeOffsetNS is the current offset reported by chrony tracking, in
	// nanoseconds. Nil when tracking output was unavailable or unparsable.
	TimeOffsetNS *int64

	// Diagnostics carries the keyed evidence blobs collected along the way.
	Diagnostics *Bundle
}
