package ptp

import (
	"context"
	"fmt"
	"strings"
)

// Persisted remote state, by design: one udev rule, one refclock line, one
// config backup.
const (
	DeviceSymlink    = "/dev/ptp_ena"
	udevRulePath     = "/etc/udev/rules.d/99-ena-ptp.rules"
	udevRule         = `SUBSYSTEM=="ptp", ATTR{clock_name}=="ena-ptp-*", SYMLINK += "ptp_ena"`
	chronyConfPath   = "/etc/chrony.conf"
	chronyConfBackup = "/etc/chrony.conf.backup"
	refclockLine     = "refclock PHC /dev/ptp_ena poll 0 delay 0.000010 prefer"
)

// ensureDeviceSymlink is state 4: guarantee /dev/ptp_ena resolves to the ENA
// PTP device via a vendor-pattern udev rule.
func (c *Configurator) ensureDeviceSymlink(ctx context.Context, sess Session, bundle *Bundle) *Failure {
	check := sess.Run(ctx, fmt.Sprintf("readlink -e %s", DeviceSymlink), c.CommandTimeout)
	if check.TimedOut() {
		return &Failure{State: StateEnsureSymlink, Kind: FailTimeout, Message: "symlink check timed out"}
	}
	if check.Success() && strings.TrimSpace(check.Stdout) != "" {
		bundle.Add(EvidenceUdevRule, "symlink already present: "+firstLine(check.Stdout))
		return nil
	}

	install := sess.Run(ctx, fmt.Sprintf(
		"echo '%s' | sudo tee %s >/dev/null && sudo udevadm control --reload-rules && sudo udevadm trigger --subsystem-match=ptp",
		udevRule, udevRulePath), c.CommandTimeout)
	bundle.Add(EvidenceUdevRule, install.Stdout+install.Stderr)
	if fail := classifyOutcome(StateEnsureSymlink, install); fail != nil {
		return fail
	}

	verify := sess.Run(ctx, fmt.Sprintf("readlink -e %s", DeviceSymlink), c.CommandTimeout)
	if !verify.Success() || strings.TrimSpace(verify.Stdout) == "" {
		return &Failure{State: StateEnsureSymlink, Kind: FailCommand,
			Message: fmt.Sprintf("%s still unresolved after udev trigger", DeviceSymlink)}
	}
	bundle.Append(EvidenceUdevRule, "symlink resolved: "+firstLine(verify.Stdout))
	return nil
}

// installChrony is state 5: make sure chrony is installed. Idempotent; the
// package manager transcript lands in the bundle either way.
func (c *Configurator) installChrony(ctx context.Context, sess Session, bundle *Bundle) *Failure {
	probe := sess.Run(ctx, "command -v chronyd", c.CommandTimeout)
	if probe.Success() {
		bundle.Add(EvidencePackageInstall, "chrony already installed: "+firstLine(probe.Stdout))
		return nil
	}

	install := sess.Run(ctx,
		"sudo dnf install -y chrony 2>&1 || sudo yum install -y chrony 2>&1",
		c.InstallTimeout)
	bundle.Add(EvidencePackageInstall, install.Stdout+install.Stderr)
	if install.TimedOut() {
		return &Failure{State: StateInstallChrony, Kind: FailTimeout, Message: "package install timed out"}
	}
	if !install.Success() {
		return &Failure{State: StateInstallChrony, Kind: FailPackageInstall,
			Message: "package manager failed; see package_install"}
	}
	return nil
}

// configureChrony is state 6: back up the config, append exactly one refclock
// line when absent, then restart and enable the service.
func (c *Configurator) configureChrony(ctx context.Context, sess Session, bundle *Bundle) *Failure {
	// grep -q exits 1 when the line is absent; that drives the append.
	cmd := fmt.Sprintf(
		"sudo cp -n %s %s; grep -qF 'refclock PHC %s' %s || echo '%s' | sudo tee -a %s >/dev/null",
		chronyConfPath, chronyConfBackup, DeviceSymlink, chronyConfPath, refclockLine, chronyConfPath)
	edit := sess.Run(ctx, cmd, c.CommandTimeout)
	if fail := classifyOutcome(StateConfigureChrony, edit); fail != nil {
		return fail
	}

	restart := sess.Run(ctx, "sudo systemctl restart chronyd && sudo systemctl enable chronyd", c.CommandTimeout)
	if fail := classifyOutcome(StateConfigureChrony, restart); fail != nil {
		return fail
	}

	conf := sess.Run(ctx, fmt.Sprintf("grep refclock %s", chronyConfPath), c.CommandTimeout)
	bundle.Add(EvidenceChronyConfig, strings.TrimSpace(conf.Stdout))
	return nil
}
