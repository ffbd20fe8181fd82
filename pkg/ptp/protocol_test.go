package ptp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/markbere/ptp-clock-checker/pkg/remote"
)

// cannedResponse pairs a command substring with the outcome to return.
type cannedResponse struct {
	match string
	out   remote.Outcome
}

// fakeSession answers commands from canned rules, first match wins; unmatched
// commands succeed with empty output.
type fakeSession struct {
	rules []cannedResponse
	calls []string
}

func (f *fakeSession) Run(_ context.Context, cmd string, _ time.Duration) remote.Outcome {
	f.calls = append(f.calls, cmd)
	for _, r := range f.rules {
		if strings.Contains(cmd, r.match) {
			out := r.out
			out.Command = cmd
			return out
		}
	}
	return okOut("")
}

func (f *fakeSession) ran(substr string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func okOut(stdout string) remote.Outcome {
	return remote.Outcome{ExitCode: 0, Stdout: stdout, Class: remote.ClassOK}
}

func failOut(code int, stderr string) remote.Outcome {
	return remote.Outcome{ExitCode: code, Stderr: stderr, Class: remote.ClassNonZeroExit}
}

func timeoutOut() remote.Outcome {
	return remote.Outcome{ExitCode: -1, Class: remote.ClassTimeout}
}

func testConfigurator() *Configurator {
	c := NewConfigurator(nil)
	c.sleep = func(time.Duration) {}
	return c
}

// verifyRules are the canned answers for a fully healthy instance.
func verifyRules() []cannedResponse {
	return []cannedResponse{
		{"readlink -e /dev/ptp_ena", okOut("/dev/ptp0")},
		{"command -v chronyd", okOut("/usr/sbin/chronyd")},
		{"grep refclock", okOut(refclockLine)},
		{"ls -l /dev/ptp*", okOut("crw------- 1 root root /dev/ptp0")},
		{"chronyc sources", okOut(sourcesWithPreferredPHC)},
		{"chronyc tracking", okOut(trackingSample)},
		{"ethtool -T", okOut("Capabilities:\n\thardware-transmit\n\thardware-receive")},
		{"systemctl list-unit-files", okOut("")},
	}
}

func TestProtocolHappyPathAlreadyEnabled(t *testing.T) {
	sess := &fakeSession{rules: append([]cannedResponse{
		{"uname -m", okOut("x86_64\n")},
		{"modinfo ena", okOut(modinfoSample)},
		{"ls /dev/ptp* 2>/dev/null", okOut("/dev/ptp0\n")},
	}, verifyRules()...)}

	c := testConfigurator()
	prep := c.Prepare(context.Background(), sess)
	if prep.Failure != nil {
		t.Fatalf("unexpected failure: %v", prep.Failure)
	}
	if prep.PHC != PHCAlreadyEnabled {
		t.Fatalf("PHC outcome = %s, want %s", prep.PHC, PHCAlreadyEnabled)
	}
	if prep.NeedsReconnect() {
		t.Error("already-enabled must not require a reconnect")
	}
	if prep.Architecture != "x86_64" {
		t.Errorf("architecture = %s, want x86_64", prep.Architecture)
	}

	res := c.Finish(context.Background(), sess, prep)
	if !res.ConfigSucceeded {
		t.Errorf("configuration did not succeed: %v", res.Failure)
	}
	if !res.Supported {
		t.Error("expected supported verdict")
	}
	if res.Driver.Version != "2.12.0" {
		t.Errorf("driver version = %s, want 2.12.0", res.Driver.Version)
	}
	if res.Evidence.ClockDevice != DeviceSymlink {
		t.Errorf("clock device = %s, want %s", res.Evidence.ClockDevice, DeviceSymlink)
	}
	if res.Evidence.TimeOffsetNS == nil || *res.Evidence.TimeOffsetNS != 15 {
		t.Errorf("offset = %v, want 15", res.Evidence.TimeOffsetNS)
	}
	if !res.Evidence.ChronySynchronized {
		t.Error("expected synchronized")
	}
}

func TestProtocolIncompatibleDriverSkipsConfiguration(t *testing.T) {
	sess := &fakeSession{rules: []cannedResponse{
		{"uname -m", okOut("x86_64\n")},
		{"modinfo ena", okOut("version:        2.8.0\n")},
		{"chronyc sources", okOut("")},
		{"chronyc tracking", okOut("")},
	}}

	c := testConfigurator()
	prep := c.Prepare(context.Background(), sess)
	if !prep.Incompatible {
		t.Fatal("expected incompatible classification")
	}

	res := c.Finish(context.Background(), sess, prep)
	if res.Supported || res.ConfigSucceeded {
		t.Error("incompatible driver must not be supported or configured")
	}
	if res.Failure == nil || res.Failure.Kind != FailIncompatibleDriver {
		t.Fatalf("failure = %v, want kind %s", res.Failure, FailIncompatibleDriver)
	}
	if res.Driver.Version != "2.8.0" {
		t.Errorf("driver version = %s, want 2.8.0", res.Driver.Version)
	}

	// The clean skip must not touch chrony or the udev rules.
	for _, mutating := range []string{"tee", "dnf install", "yum install", "systemctl restart", "udevadm"} {
		if sess.ran(mutating) {
			t.Errorf("incompatible path ran mutating command containing %q", mutating)
		}
	}
	// Verification still ran.
	if !sess.ran("chronyc sources") {
		t.Error("verification should still collect chrony evidence")
	}
}

func TestProtocolSignalsReconnectAfterReload(t *testing.T) {
	sess := &fakeSession{rules: []cannedResponse{
		{"uname -m", okOut("aarch64\n")},
		{"modinfo ena", okOut(modinfoSample)},
		// No clock yet, and no devlink support either.
		{"ls /dev/ptp* 2>/dev/null", okOut("")},
		{"devlink dev param set", failOut(1, "devlink answers: Operation not supported")},
	}}

	c := testConfigurator()
	prep := c.Prepare(context.Background(), sess)
	if prep.Failure != nil {
		t.Fatalf("unexpected failure: %v", prep.Failure)
	}
	if prep.PHC != PHCNeedsReconnect {
		t.Fatalf("PHC outcome = %s, want %s", prep.PHC, PHCNeedsReconnect)
	}
	if !prep.NeedsReconnect() {
		t.Error("NeedsReconnect should be true")
	}
	if !sess.ran(ReloadScriptPath) {
		t.Error("reload script was never staged")
	}
	if !sess.ran("nohup") {
		t.Error("reload was not kicked off as a disowned background process")
	}
	if prep.Architecture != "arm64" {
		t.Errorf("architecture = %s, want arm64", prep.Architecture)
	}
}

const reloadLogSample = `=== ena phc reload 2026-07-30T15:00:00Z ===
--- reload ---
modprobe exit: 0
=== reload complete ===`

// freshPostReloadSession simulates the instance after a successful reload and
// reconnect.
func freshPostReloadSession() *fakeSession {
	return &fakeSession{rules: append([]cannedResponse{
		{ReloadLogPath, okOut(reloadLogSample)},
		{"ls /dev/ptp* 2>/dev/null | head -1", okOut("/dev/ptp0\n")},
		{"clock_name", okOut("ena-ptp-0\n")},
		{"parameters/phc_enable", okOut("1\n")},
	}, verifyRules()...)}
}

func TestProtocolResumeAfterReconnect(t *testing.T) {
	c := testConfigurator()
	prep := &Prep{
		Architecture: "x86_64",
		Driver:       DriverInfo{Version: "2.12.0", Compatible: true},
		PHC:          PHCNeedsReconnect,
		Bundle:       NewBundle(),
	}

	fresh := freshPostReloadSession()
	res := c.Finish(context.Background(), fresh, prep)
	if !res.Supported {
		t.Fatalf("expected supported after successful reload, failure: %v", res.Failure)
	}
	log, ok := res.Evidence.Diagnostics.Get(EvidenceReloadLog)
	if !ok {
		t.Fatal("reload log missing from diagnostics")
	}
	if log != reloadLogSample {
		t.Error("reload log was not attached verbatim")
	}
	// Observationally indistinguishable from the no-reload run: same schema,
	// same verification evidence keys present.
	for _, key := range []string{EvidencePTPDeviceListing, EvidenceChronySources, EvidenceChronyTracking, EvidenceHWStampCaps} {
		if _, ok := res.Evidence.Diagnostics.Get(key); !ok {
			t.Errorf("evidence key %s missing after reconnect resume", key)
		}
	}
}

func TestProtocolReloadFailure(t *testing.T) {
	c := testConfigurator()
	prep := &Prep{
		Driver: DriverInfo{Version: "2.12.0", Compatible: true},
		PHC:    PHCNeedsReconnect,
		Bundle: NewBundle(),
	}

	// Post-reload host still has no clock: every check comes back empty.
	fresh := &fakeSession{rules: []cannedResponse{
		{ReloadLogPath, okOut("modprobe exit: 1")},
		{"head -1", okOut("")},
		{"clock_name", okOut("")},
		{"parameters/phc_enable", okOut("0\n")},
		{"ethtool -T", okOut("Capabilities: none")},
	}}
	res := c.Finish(context.Background(), fresh, prep)
	if res.Supported {
		t.Error("reload failure must not be supported")
	}
	if res.Failure == nil || res.Failure.Kind != FailReload {
		t.Fatalf("failure = %v, want kind %s", res.Failure, FailReload)
	}
	if _, ok := res.Evidence.Diagnostics.Get(EvidenceReloadLog); !ok {
		t.Error("reload log should be attached even on failure")
	}
}

func TestProtocolCommandTimeoutShortCircuitsToVerify(t *testing.T) {
	sess := &fakeSession{rules: []cannedResponse{
		{"uname -m", okOut("x86_64\n")},
		{"modinfo ena", timeoutOut()},
		{"chronyc sources", okOut("")},
	}}

	c := testConfigurator()
	prep := c.Prepare(context.Background(), sess)
	if prep.Failure == nil || prep.Failure.Kind != FailTimeout {
		t.Fatalf("failure = %v, want kind %s", prep.Failure, FailTimeout)
	}

	res := c.Finish(context.Background(), sess, prep)
	if res.Supported || res.ConfigSucceeded {
		t.Error("timeout must not produce a supported verdict")
	}
	// Best-available evidence was still collected.
	if !sess.ran("chronyc sources") {
		t.Error("verification should run after a short-circuit")
	}
}

func TestProtocolPackageInstallFailure(t *testing.T) {
	sess := &fakeSession{rules: append([]cannedResponse{
		{"uname -m", okOut("x86_64\n")},
		{"modinfo ena", okOut(modinfoSample)},
		{"ls /dev/ptp* 2>/dev/null", okOut("/dev/ptp0\n")},
		{"readlink -e /dev/ptp_ena", okOut("/dev/ptp0")},
		{"command -v chronyd", failOut(1, "")},
		{"install -y chrony", failOut(1, "No match for argument: chrony")},
	}, verifyRules()...)}

	c := testConfigurator()
	prep := c.Prepare(context.Background(), sess)
	res := c.Finish(context.Background(), sess, prep)
	if res.Supported || res.ConfigSucceeded {
		t.Error("package install failure must not be supported")
	}
	if res.Failure == nil || res.Failure.Kind != FailPackageInstall {
		t.Fatalf("failure = %v, want kind %s", res.Failure, FailPackageInstall)
	}
	transcript, ok := res.Evidence.Diagnostics.Get(EvidencePackageInstall)
	if !ok || !strings.Contains(transcript, "No match for argument") {
		t.Error("package manager transcript missing from diagnostics")
	}
}

func TestBundleOrderAndOverwrite(t *testing.T) {
	b := NewBundle()
	b.Add("a", "1")
	b.Add("b", "2")
	b.Add("a", "3")
	b.Append("b", "4")

	keys := b.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("keys = %v, want [a b]", keys)
	}
	if v, _ := b.Get("a"); v != "3" {
		t.Errorf("a = %q, want 3", v)
	}
	if v, _ := b.Get("b"); v != "2\n4" {
		t.Errorf("b = %q, want 2\\n4", v)
	}
}
