// Package cleanup applies the retention policy to a verdict set and
// reconciles actual terminations against it.
//
// Policy: every unsupported instance is terminated unconditionally; supported
// instances are presented interactively and the operator picks which to keep.
// Terminations are issued and then confirmed by re-describing until the
// lifecycle state reads terminated; instances whose termination could not be
// confirmed land in the failed set for manual follow-up.
//
// The reconciler is idempotent on retry: an instance already terminated (or
// gone) is counted as terminated without another termination request.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/markbere/ptp-clock-checker/pkg/awsctl"
	"github.com/markbere/ptp-clock-checker/pkg/interaction"
	"github.com/markbere/ptp-clock-checker/pkg/runner"
)

// Cloud is the control-plane surface the reconciler needs. *awsctl.Adapter
// satisfies it.
type Cloud interface {
	Describe(ctx context.Context, inst *awsctl.Instance) (*awsctl.Instance, error)
	Terminate(ctx context.Context, inst *awsctl.Instance) error
	ConfirmTerminated(ctx context.Context, inst *awsctl.Instance, deadline time.Duration) awsctl.ConfirmResult
}

// Report partitions the instance set into three disjoint groups whose union
// is the full set.
type Report struct {
	Terminated []string
	Kept       []string
	Failed     []string // termination issued but not confirmed in time
}

// Reconciler applies retention policy and drives terminations.
type Reconciler struct {
	Cloud   Cloud
	Chooser interaction.Chooser
	Log     logrus.FieldLogger

	// ConfirmDeadline bounds each termination confirmation. Zero applies the
	// adapter default (two minutes).
	ConfirmDeadline time.Duration
}

// Reconcile partitions the verdicts, prompts for supported-instance
// retention, terminates everything not kept, and verifies completion. Kept
// instances are flagged on their verdicts via KeptRunning.
func (r *Reconciler) Reconcile(ctx context.Context, verdicts []runner.Verdict) (*Report, error) {
	report := &Report{}
	log := r.logger()

	var supported []*runner.Verdict
	var doomed []*runner.Verdict
	for i := range verdicts {
		v := &verdicts[i]
		if v.Instance == nil || v.Instance.ID == "" {
			// Launch never happened; nothing to release.
			continue
		}
		if v.Supported {
			supported = append(supported, v)
		} else {
			doomed = append(doomed, v)
		}
	}

	keep, err := r.chooseKept(supported)
	if err != nil {
		return nil, err
	}
	for i, v := range supported {
		if keep.Contains(i + 1) {
			v.KeptRunning = true
			report.Kept = append(report.Kept, v.Instance.ID)
			log.WithField("instance", v.Instance.ID).Info("keeping instance running")
		} else {
			doomed = append(doomed, v)
		}
	}

	for _, v := range doomed {
		r.terminateOne(ctx, v.Instance, report)
	}
	return report, nil
}

// chooseKept presents the supported instances and returns the retention
// selection. With no supported instances there is nothing to ask.
func (r *Reconciler) chooseKept(supported []*runner.Verdict) (interaction.Selection, error) {
	if len(supported) == 0 {
		return interaction.Selection{None: true}, nil
	}
	items := make([]string, len(supported))
	for i, v := range supported {
		inst := v.Instance
		items[i] = fmt.Sprintf("%s  %s  %s  subnet=%s  clock=%s  (#%d/%d)",
			inst.ID, inst.Type, inst.AvailabilityZone, inst.SubnetID,
			v.Evidence.ClockDevice, inst.Ordinal, inst.GroupTotal)
	}
	sel, err := r.Chooser.Select(items)
	if err != nil {
		return interaction.Selection{}, errors.Wrap(err, "retention selection")
	}
	return sel, nil
}

// terminateOne releases one instance, skipping the termination request when
// the instance is already gone so a reconcile retry never double-terminates.
func (r *Reconciler) terminateOne(ctx context.Context, inst *awsctl.Instance, report *Report) {
	log := r.logger().WithField("instance", inst.ID)

	cur, err := r.Cloud.Describe(ctx, inst)
	if err == nil && (cur.State == "terminated" || cur.State == "shutting-down") {
		log.Debug("already terminated")
		if cur.State == "terminated" {
			report.Terminated = append(report.Terminated, inst.ID)
			return
		}
	} else if err != nil && errors.Is(err, awsctl.ErrInstanceNotFound) {
		report.Terminated = append(report.Terminated, inst.ID)
		return
	} else if err == nil {
		if terr := r.Cloud.Terminate(ctx, inst); terr != nil {
			log.WithError(terr).Warn("termination request failed")
			report.Failed = append(report.Failed, inst.ID)
			return
		}
	} else {
		// Describe failed for an unknown reason; issue termination anyway.
		if terr := r.Cloud.Terminate(ctx, inst); terr != nil {
			log.WithError(terr).Warn("termination request failed")
			report.Failed = append(report.Failed, inst.ID)
			return
		}
	}

	switch r.Cloud.ConfirmTerminated(ctx, inst, r.ConfirmDeadline) {
	case awsctl.ConfirmOK:
		report.Terminated = append(report.Terminated, inst.ID)
	default:
		log.Warn("termination not confirmed within deadline; follow up manually")
		report.Failed = append(report.Failed, inst.ID)
	}
}

func (r *Reconciler) logger() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}
