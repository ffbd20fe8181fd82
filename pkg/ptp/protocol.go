package ptp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/markbere/ptp-clock-checker/pkg/remote"
)

// Session is the command channel the protocol runs over. *remote.Session
// satisfies it; tests supply scripted fakes.
type Session interface {
	Run(ctx context.Context, command string, timeout time.Duration) remote.Outcome
}

// State names one step of the configuration machine.
type State string

const (
	StateDetectArch      State = "detect-arch"
	StateCheckDriver     State = "check-driver-version"
	StateEnsurePHC       State = "ensure-phc-enabled"
	StateEnsureSymlink   State = "ensure-device-symlink"
	StateInstallChrony   State = "install-chrony"
	StateConfigureChrony State = "configure-chrony"
	StateStabilize       State = "stabilize"
	StateVerify          State = "verify"
)

// Failure is a classified short-circuit out of a protocol state.
type Failure struct {
	State   State
	Kind    string
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.State, f.Kind, f.Message)
}

// Failure kinds the protocol distinguishes.
const (
	FailIncompatibleDriver = "ptp-incompatible-driver"
	FailReload             = "ptp-reload-failed"
	FailCommand            = "remote-command-nonzero"
	FailTimeout            = "remote-command-timeout"
	FailTransport          = "ssh-transport"
	FailPackageInstall     = "package-install-failed"
)

// PHCOutcome tags the result of the ensure-phc-enabled state.
type PHCOutcome string

const (
	// PHCAlreadyEnabled: a hardware clock device was already present.
	PHCAlreadyEnabled PHCOutcome = "already-enabled"
	// PHCEnabledLive: enabled without dropping the session.
	PHCEnabledLive PHCOutcome = "enabled-live"
	// PHCNeedsReconnect: a module reload was triggered; the current session
	// is invalid and the caller must reconnect before resuming.
	PHCNeedsReconnect PHCOutcome = "enabled-needs-reconnect"
)

// Prep is the protocol state at the reconnect boundary: everything learned up
// to and including ensure-phc-enabled.
type Prep struct {
	Architecture string
	Driver       DriverInfo
	PHC          PHCOutcome
	Bundle       *Bundle

	// Incompatible marks the clean skip for pre-2.10.0 drivers.
	Incompatible bool

	// Failure is non-nil when a state short-circuited.
	Failure *Failure
}

// NeedsReconnect reports whether the caller must reopen the session before
// calling Finish.
func (p *Prep) NeedsReconnect() bool {
	return p.Failure == nil && !p.Incompatible && p.PHC == PHCNeedsReconnect
}

// Result is the protocol's final product.
type Result struct {
	Driver          DriverInfo
	Evidence        ClockEvidence
	ConfigSucceeded bool
	Supported       bool

	// Failure carries the classified short-circuit, if any.
	Failure *Failure
}

// ErrorMessage renders the failure for the verdict, empty on success.
func (r *Result) ErrorMessage() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Error()
}

// Configurator drives the protocol. One configurator serves one instance; it
// holds no session so the runner can thread a fresh session through Finish
// after a reconnect.
type Configurator struct {
	log logrus.FieldLogger

	// CommandTimeout bounds ordinary diagnostic and configuration commands.
	CommandTimeout time.Duration

	// InstallTimeout bounds package manager operations.
	InstallTimeout time.Duration

	// SettleInterval is how long chrony gets to poll the PHC before
	// verification.
	SettleInterval time.Duration

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewConfigurator returns a configurator with production timeouts.
func NewConfigurator(log logrus.FieldLogger) *Configurator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Configurator{
		log:            log,
		CommandTimeout: 30 * time.Second,
		InstallTimeout: 3 * time.Minute,
		SettleInterval: 5 * time.Second,
		sleep:          time.Sleep,
	}
}

// Prepare runs states 1-3: detect-arch, check-driver-version, and
// ensure-phc-enabled. It stops at the reconnect boundary; callers inspect
// Prep.NeedsReconnect and then hand the (possibly fresh) session to Finish.
func (c *Configurator) Prepare(ctx context.Context, sess Session) *Prep {
	prep := &Prep{Bundle: NewBundle()}

	// State 1: detect-arch. The kernel is authoritative over the launch-time
	// family inference.
	out := sess.Run(ctx, "uname -m", c.CommandTimeout)
	if fail := classifyOutcome(StateDetectArch, out); fail != nil {
		prep.Failure = fail
		return prep
	}
	prep.Architecture = normalizeArch(strings.TrimSpace(out.Stdout))
	prep.Bundle.Add(EvidenceArch, strings.TrimSpace(out.Stdout))
	c.log.WithField("arch", prep.Architecture).Debug("architecture detected")

	// State 2: check-driver-version.
	out = sess.Run(ctx, "modinfo ena", c.CommandTimeout)
	prep.Bundle.Add(EvidenceDriverInfo, out.Stdout)
	if fail := classifyOutcome(StateCheckDriver, out); fail != nil {
		prep.Failure = fail
		return prep
	}
	driver, err := parseDriverInfo(out.Stdout)
	prep.Driver = driver
	if err != nil {
		prep.Failure = &Failure{State: StateCheckDriver, Kind: FailCommand, Message: err.Error()}
		return prep
	}
	if !driver.Compatible {
		// Clean skip: unsupported but expected. No configuration attempted.
		prep.Incompatible = true
		prep.Bundle.Add(EvidencePHCState,
			fmt.Sprintf("driver %s predates PHC support (minimum %s); configuration skipped", driver.Version, MinDriverVersion))
		c.log.WithField("driver", driver.Version).Info("ENA driver too old for PTP hardware clock")
		return prep
	}

	// State 3: ensure-phc-enabled.
	outcome, fail := c.ensurePHCEnabled(ctx, sess, prep.Bundle)
	if fail != nil {
		prep.Failure = fail
		return prep
	}
	prep.PHC = outcome
	return prep
}

// Finish runs states 4-8 over sess, which must be a fresh session when
// Prepare signalled enabled-needs-reconnect. Verification always runs, even
// after a short-circuit, so the verdict carries evidence either way.
func (c *Configurator) Finish(ctx context.Context, sess Session, prep *Prep) *Result {
	res := &Result{Driver: prep.Driver, Failure: prep.Failure}
	bundle := prep.Bundle
	if bundle == nil {
		bundle = NewBundle()
	}

	configured := false
	switch {
	case prep.Failure != nil:
		// Short-circuit straight to verify.
	case prep.Incompatible:
		res.Failure = &Failure{
			State:   StateCheckDriver,
			Kind:    FailIncompatibleDriver,
			Message: fmt.Sprintf("ENA driver %s < %s", prep.Driver.Version, MinDriverVersion),
		}
	default:
		configured = c.configure(ctx, sess, prep, bundle, res)
	}

	// State 8: verify. Purely diagnostic; runs regardless of what happened
	// above.
	ev := c.verify(ctx, sess, bundle)

	// A failed post-reload verification means no hardware clock, whatever the
	// listing above shows.
	if prep.PHC == PHCNeedsReconnect && res.Failure != nil && res.Failure.Kind == FailReload {
		ev.HardwareClockPresent = false
	}

	// After a reload, only the post-reload verification decides presence; the
	// live listing below confirms but a stale absence never overrides it.
	if prep.PHC == PHCNeedsReconnect && res.Failure == nil && !ev.HardwareClockPresent {
		res.Failure = &Failure{State: StateEnsurePHC, Kind: FailReload,
			Message: "hardware clock absent after driver reload"}
		configured = false
	}

	res.Evidence = ev
	res.ConfigSucceeded = configured
	res.Supported = configured && ev.HardwareClockPresent && ev.ChronyUsingPHC
	return res
}

// configure runs states 3(b)-7 after any reconnect: reload-log retrieval and
// post-reload verification, then symlink, chrony install/config, stabilize.
// Returns whether configuration completed; on failure res.Failure is set.
func (c *Configurator) configure(ctx context.Context, sess Session, prep *Prep, bundle *Bundle, res *Result) bool {
	if prep.PHC == PHCNeedsReconnect {
		c.retrieveReloadLog(ctx, sess, bundle)
		ok, fail := c.postReloadVerify(ctx, sess, bundle)
		if fail != nil {
			res.Failure = fail
			return false
		}
		if !ok {
			res.Failure = &Failure{State: StateEnsurePHC, Kind: FailReload,
				Message: "post-reload verification failed; see reload_log"}
			return false
		}
	}

	// State 4: ensure-device-symlink.
	if fail := c.ensureDeviceSymlink(ctx, sess, bundle); fail != nil {
		res.Failure = fail
		return false
	}
	// State 5: install-chrony.
	if fail := c.installChrony(ctx, sess, bundle); fail != nil {
		res.Failure = fail
		return false
	}
	// State 6: configure-chrony.
	if fail := c.configureChrony(ctx, sess, bundle); fail != nil {
		res.Failure = fail
		return false
	}
	// State 7: stabilize. Give chrony a few poll cycles on the PHC.
	c.sleep(c.SettleInterval)
	return true
}

// classifyOutcome converts a failed command outcome into a protocol failure,
// or nil when the command succeeded. Non-zero exits are classified here for
// states where any non-zero exit is fatal; states that interpret exit codes
// themselves do not use it.
func classifyOutcome(state State, out remote.Outcome) *Failure {
	switch out.Class {
	case remote.ClassOK:
		return nil
	case remote.ClassTimeout:
		return &Failure{State: state, Kind: FailTimeout,
			Message: fmt.Sprintf("%q timed out", out.Command)}
	case remote.ClassTransport:
		return &Failure{State: state, Kind: FailTransport,
			Message: fmt.Sprintf("%q: %s", out.Command, firstLine(out.Stderr))}
	default:
		return &Failure{State: state, Kind: FailCommand,
			Message: fmt.Sprintf("%q exited %d: %s", out.Command, out.ExitCode, firstLine(out.Stderr))}
	}
}

func normalizeArch(unameOut string) string {
	switch unameOut {
	case "aarch64", "arm64":
		return "arm64"
	case "x86_64", "amd64":
		return "x86_64"
	case "":
		return "unknown"
	default:
		return unameOut
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
