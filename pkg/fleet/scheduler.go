// Package fleet expands a fleet request into per-instance jobs and schedules
// their execution.
//
// The default schedule is strictly sequential: one instance from launch to
// verdict before the next begins. That is the semantics the interactive
// confirmation and cleanup prompts assume. An opt-in parallel mode runs up to
// K jobs concurrently; workers share nothing mutable except the cloud adapter
// and the audit sink, and the verdict list is re-sorted to its canonical
// (type-order, ordinal) order before reporting.
//
// One job's failure never aborts its siblings; failures are ordinary failed
// verdicts.
package fleet

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/markbere/ptp-clock-checker/pkg/awsctl"
	"github.com/markbere/ptp-clock-checker/pkg/interaction"
	"github.com/markbere/ptp-clock-checker/pkg/runner"
)

// Confirmation thresholds: a fleet this large prompts before launching.
const (
	confirmTypeThreshold     = 3
	confirmInstanceThreshold = 5
)

// ErrDeclined is returned when the operator declines the size confirmation.
var ErrDeclined = errors.New("fleet confirmation declined")

// TypeSpec is one (instance type, quantity) request entry.
type TypeSpec struct {
	InstanceType string
	Quantity     int
}

// Request is the fleet intake: ordered type specs plus the launch context
// shared by every job.
type Request struct {
	Specs          []TypeSpec
	SubnetID       string
	KeyPairName    string
	ImageID        string
	SecurityGroup  string
	PlacementGroup string
	RunID          string
}

// TotalInstances sums the spec quantities.
func (r Request) TotalInstances() int {
	total := 0
	for _, s := range r.Specs {
		total += s.Quantity
	}
	return total
}

// Expand flattens the request into the job list, preserving type order and
// assigning per-type ordinals 1..N.
func Expand(req Request) []runner.Job {
	var jobs []runner.Job
	for _, spec := range req.Specs {
		for i := 1; i <= spec.Quantity; i++ {
			jobs = append(jobs, runner.Job{Spec: awsctl.LaunchSpec{
				InstanceType:   spec.InstanceType,
				SubnetID:       req.SubnetID,
				KeyPairName:    req.KeyPairName,
				ImageID:        req.ImageID,
				SecurityGroup:  req.SecurityGroup,
				PlacementGroup: req.PlacementGroup,
				RunID:          req.RunID,
				Ordinal:        i,
				GroupTotal:     spec.Quantity,
			}})
		}
	}
	return jobs
}

// JobRunner executes one job to a verdict. *runner.Runner satisfies it.
type JobRunner interface {
	Run(ctx context.Context, job runner.Job) runner.Verdict
}

// Scheduler fans jobs out over the runner.
type Scheduler struct {
	Runner  JobRunner
	Chooser interaction.Chooser
	Log     logrus.FieldLogger

	// Concurrency is the worker count; values below 2 mean the sequential
	// default.
	Concurrency int

	// Progress, when set, is called before each job starts. Sequential mode
	// only; parallel workers skip it.
	Progress func(job runner.Job, index, total int)
}

// Run executes the request and returns verdicts in canonical order. A user
// interrupt via ctx stops new jobs from starting; in-flight jobs run to their
// verdict so cleanup sees every launched instance.
func (s *Scheduler) Run(ctx context.Context, req Request) ([]runner.Verdict, error) {
	jobs := Expand(req)
	if len(jobs) == 0 {
		return nil, errors.New("no instance types requested")
	}

	if len(req.Specs) >= confirmTypeThreshold || len(jobs) >= confirmInstanceThreshold {
		msg := fmt.Sprintf("About to launch %d instances across %d types. Continue?", len(jobs), len(req.Specs))
		ok, err := s.Chooser.Confirm(msg)
		if err != nil {
			return nil, errors.Wrap(err, "fleet confirmation")
		}
		if !ok {
			return nil, ErrDeclined
		}
	}

	if s.Concurrency > 1 {
		return s.runParallel(ctx, jobs)
	}
	return s.runSequential(ctx, jobs)
}

func (s *Scheduler) runSequential(ctx context.Context, jobs []runner.Job) ([]runner.Verdict, error) {
	verdicts := make([]runner.Verdict, 0, len(jobs))
	for i, job := range jobs {
		if ctx.Err() != nil {
			s.logger().Warn("interrupt received; not starting further jobs")
			break
		}
		if s.Progress != nil {
			s.Progress(job, i, len(jobs))
		}
		verdicts = append(verdicts, s.Runner.Run(ctx, job))
	}
	return verdicts, nil
}

func (s *Scheduler) runParallel(ctx context.Context, jobs []runner.Job) ([]runner.Verdict, error) {
	verdicts := make([]runner.Verdict, len(jobs))
	done := make([]bool, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Concurrency)
	for i, job := range jobs {
		i, job := i, job
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Job failures are verdicts, never errors, so the group only
			// ever aborts on cancellation.
			verdicts[i] = s.Runner.Run(gctx, job)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]runner.Verdict, 0, len(jobs))
	for i := range verdicts {
		if done[i] {
			out = append(out, verdicts[i])
		}
	}
	sortCanonical(out, jobs)
	return out, nil
}

// sortCanonical restores (type-order, ordinal) order after parallel
// completion. Type order is the order types first appear in the job list.
func sortCanonical(verdicts []runner.Verdict, jobs []runner.Job) {
	rank := make(map[string]int)
	for _, j := range jobs {
		if _, ok := rank[j.Spec.InstanceType]; !ok {
			rank[j.Spec.InstanceType] = len(rank)
		}
	}
	sort.SliceStable(verdicts, func(a, b int) bool {
		va, vb := verdicts[a], verdicts[b]
		ra, rb := rank[va.Instance.Type], rank[vb.Instance.Type]
		if ra != rb {
			return ra < rb
		}
		return va.Instance.Ordinal < vb.Instance.Ordinal
	})
}

func (s *Scheduler) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}
