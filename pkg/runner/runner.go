// Package runner drives one probe instance through its full lifecycle:
// launch, reach running, connect, run the PTP configuration protocol, and
// emit exactly one Verdict.
//
// The runner owns both the instance handle and the shell session. When the
// protocol's ensure-phc-enabled state signals enabled-needs-reconnect, it is
// the runner - not the protocol - that closes the dead session, waits for the
// interface to re-initialize, reconnects, and resumes the protocol with a
// fresh session.
//
// Failures never propagate out of Run as errors; every failure mode
// materializes as a failed Verdict carrying the attempted type and ordinal,
// so one instance's trouble can never abort its siblings.
package runner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/markbere/ptp-clock-checker/pkg/awsctl"
	"github.com/markbere/ptp-clock-checker/pkg/ptp"
	"github.com/markbere/ptp-clock-checker/pkg/remote"
)

// Cloud is the control-plane surface the runner needs. *awsctl.Adapter
// satisfies it.
type Cloud interface {
	Launch(ctx context.Context, spec awsctl.LaunchSpec) (*awsctl.Instance, error)
	WaitRunning(ctx context.Context, inst *awsctl.Instance, deadline time.Duration) (*awsctl.Instance, error)
	Terminate(ctx context.Context, inst *awsctl.Instance) error
}

// Session is a closeable protocol session.
type Session interface {
	ptp.Session
	Close() error
}

// Connector opens sessions to probe hosts.
type Connector interface {
	Connect(ctx context.Context, host string) (Session, error)
}

// SSHConnector adapts *remote.Connector to the Connector interface.
type SSHConnector struct {
	Inner *remote.Connector
}

func (c SSHConnector) Connect(ctx context.Context, host string) (Session, error) {
	s, err := c.Inner.Connect(ctx, host)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Job is one per-instance unit of work.
type Job struct {
	Spec awsctl.LaunchSpec
}

// Verdict is the result of one per-instance test.
type Verdict struct {
	Instance        *awsctl.Instance
	Driver          ptp.DriverInfo
	Evidence        ptp.ClockEvidence
	Supported       bool
	ConfigSucceeded bool
	Timestamp       time.Time
	ElapsedSeconds  float64
	ErrorMessage    string

	// KeptRunning is set by the cleanup reconciler after retention decisions.
	KeptRunning bool
}

// Runner executes jobs. Safe for reuse across sequential jobs; parallel
// schedulers give each worker its own connector-produced session but may
// share the runner and cloud adapter.
type Runner struct {
	Cloud     Cloud
	Connector Connector
	Config    *ptp.Configurator
	Log       logrus.FieldLogger

	// RunningDeadline bounds launch-to-running. Zero means the adapter
	// default (five minutes).
	RunningDeadline time.Duration

	// ReconnectWait is how long the interface gets to re-initialize after a
	// driver reload before the first reconnect attempt.
	ReconnectWait time.Duration

	// Sleep is swapped out in tests.
	Sleep func(time.Duration)
}

const defaultReconnectWait = 10 * time.Second

// Run drives one job to a Verdict. It never returns an error; consult
// Verdict.ErrorMessage.
func (r *Runner) Run(ctx context.Context, job Job) Verdict {
	log := r.logger().WithFields(logrus.Fields{
		"type":    job.Spec.InstanceType,
		"ordinal": job.Spec.Ordinal,
	})
	start := time.Now()
	v := Verdict{
		Timestamp: start.UTC(),
		Instance: &awsctl.Instance{
			Type:       job.Spec.InstanceType,
			Ordinal:    job.Spec.Ordinal,
			GroupTotal: job.Spec.GroupTotal,
		},
	}
	finish := func() Verdict {
		v.ElapsedSeconds = time.Since(start).Seconds()
		return v
	}

	// requested -> launched
	inst, err := r.Cloud.Launch(ctx, job.Spec)
	if err != nil {
		v.ErrorMessage = err.Error()
		log.WithError(err).Warn("launch failed")
		return finish()
	}
	v.Instance = inst

	// launched -> running
	inst, err = r.Cloud.WaitRunning(ctx, inst, r.RunningDeadline)
	v.Instance = inst
	if err != nil {
		r.release(ctx, inst, log)
		v.ErrorMessage = err.Error()
		return finish()
	}

	// running -> connected
	host := inst.PublicIP
	if host == "" {
		host = inst.PrivateIP
	}
	sess, err := r.Connector.Connect(ctx, host)
	if err != nil {
		r.release(ctx, inst, log)
		v.ErrorMessage = err.Error()
		log.WithError(err).Warn("session setup failed")
		return finish()
	}
	defer func() {
		if sess != nil {
			_ = sess.Close()
		}
	}()

	// connected -> configured-or-skipped
	prep := r.Config.Prepare(ctx, sess)

	if prep.NeedsReconnect() {
		// The reload killed the interface under the session. Close, wait for
		// the NIC to come back, reconnect, and resume at state 4.
		_ = sess.Close()
		sess = nil
		wait := r.ReconnectWait
		if wait <= 0 {
			wait = defaultReconnectWait
		}
		log.Infof("driver reload in flight; reconnecting in %s", wait)
		r.sleepFn()(wait)

		fresh, err := r.Connector.Connect(ctx, host)
		if err != nil {
			r.release(ctx, inst, log)
			v.ErrorMessage = "reconnect after driver reload failed: " + err.Error()
			v.Evidence = ptp.ClockEvidence{Diagnostics: prep.Bundle}
			v.Driver = prep.Driver
			return finish()
		}
		sess = fresh
	}

	result := r.Config.Finish(ctx, sess, prep)

	// configured-or-skipped -> verdict-emitted
	v.Driver = result.Driver
	v.Evidence = result.Evidence
	v.ConfigSucceeded = result.ConfigSucceeded
	v.Supported = result.Supported
	v.ErrorMessage = result.ErrorMessage()
	if v.Supported {
		log.WithField("instance", inst.ID).Info("PTP hardware timestamping supported")
	} else {
		log.WithField("instance", inst.ID).Info("PTP hardware timestamping not supported")
	}
	return finish()
}

// release terminates an instance after a mid-pipeline failure. Termination
// errors are logged, not propagated; cleanup reconciliation catches strays.
func (r *Runner) release(ctx context.Context, inst *awsctl.Instance, log logrus.FieldLogger) {
	if inst == nil || inst.ID == "" {
		return
	}
	if err := r.Cloud.Terminate(ctx, inst); err != nil {
		log.WithError(err).WithField("instance", inst.ID).Warn("termination after failure did not complete")
	}
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}

func (r *Runner) sleepFn() func(time.Duration) {
	if r.Sleep != nil {
		return r.Sleep
	}
	return time.Sleep
}
