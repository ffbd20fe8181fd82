package cleanup

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/markbere/ptp-clock-checker/pkg/awsctl"
	"github.com/markbere/ptp-clock-checker/pkg/interaction"
	"github.com/markbere/ptp-clock-checker/pkg/runner"
)

// mockCloud tracks termination traffic and serves canned instance states.
type mockCloud struct {
	states         map[string]string // id -> lifecycle state served by Describe
	confirm        map[string]awsctl.ConfirmResult
	terminateCalls []string
}

func (m *mockCloud) Describe(_ context.Context, inst *awsctl.Instance) (*awsctl.Instance, error) {
	state, ok := m.states[inst.ID]
	if !ok {
		return inst, &awsctl.Error{Op: "describe", Kind: awsctl.KindUnknown, Err: awsctl.ErrInstanceNotFound}
	}
	out := *inst
	out.State = state
	return &out, nil
}

func (m *mockCloud) Terminate(_ context.Context, inst *awsctl.Instance) error {
	m.terminateCalls = append(m.terminateCalls, inst.ID)
	return nil
}

func (m *mockCloud) ConfirmTerminated(_ context.Context, inst *awsctl.Instance, _ time.Duration) awsctl.ConfirmResult {
	if r, ok := m.confirm[inst.ID]; ok {
		return r
	}
	return awsctl.ConfirmOK
}

func verdict(id string, supported bool) runner.Verdict {
	return runner.Verdict{
		Instance: &awsctl.Instance{
			ID: id, Type: "c7i.large", AvailabilityZone: "us-east-1a",
			SubnetID: "subnet-1", Ordinal: 1, GroupTotal: 1,
		},
		Supported: supported,
	}
}

func ids(vs []string) []string {
	out := append([]string(nil), vs...)
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestUnsupportedAlwaysTerminated(t *testing.T) {
	cloud := &mockCloud{states: map[string]string{"i-1": "running", "i-2": "running"}}
	r := &Reconciler{Cloud: cloud, Chooser: interaction.StaticChooser{Keep: "none"}}

	verdicts := []runner.Verdict{verdict("i-1", false), verdict("i-2", false)}
	report, err := r.Reconcile(context.Background(), verdicts)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !equal(ids(report.Terminated), []string{"i-1", "i-2"}) {
		t.Errorf("terminated = %v", report.Terminated)
	}
	if len(report.Kept) != 0 || len(report.Failed) != 0 {
		t.Errorf("kept=%v failed=%v, want empty", report.Kept, report.Failed)
	}
}

func TestSelectiveRetention(t *testing.T) {
	cloud := &mockCloud{states: map[string]string{"i-1": "running", "i-2": "running", "i-3": "running"}}
	r := &Reconciler{Cloud: cloud, Chooser: interaction.StaticChooser{Keep: "1,3"}}

	verdicts := []runner.Verdict{verdict("i-1", true), verdict("i-2", true), verdict("i-3", true)}
	report, err := r.Reconcile(context.Background(), verdicts)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !equal(ids(report.Kept), []string{"i-1", "i-3"}) {
		t.Errorf("kept = %v, want [i-1 i-3]", report.Kept)
	}
	if !equal(ids(report.Terminated), []string{"i-2"}) {
		t.Errorf("terminated = %v, want [i-2]", report.Terminated)
	}
	if !verdicts[0].KeptRunning || verdicts[1].KeptRunning || !verdicts[2].KeptRunning {
		t.Error("KeptRunning flags wrong")
	}
}

func TestPartitionIsDisjointAndComplete(t *testing.T) {
	cloud := &mockCloud{
		states:  map[string]string{"i-1": "running", "i-2": "running", "i-3": "running"},
		confirm: map[string]awsctl.ConfirmResult{"i-3": awsctl.ConfirmStillPresent},
	}
	r := &Reconciler{Cloud: cloud, Chooser: interaction.StaticChooser{Keep: "1"}}

	verdicts := []runner.Verdict{verdict("i-1", true), verdict("i-2", false), verdict("i-3", false)}
	report, err := r.Reconcile(context.Background(), verdicts)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	seen := map[string]int{}
	for _, id := range report.Terminated {
		seen[id]++
	}
	for _, id := range report.Kept {
		seen[id]++
	}
	for _, id := range report.Failed {
		seen[id]++
	}
	for _, id := range []string{"i-1", "i-2", "i-3"} {
		if seen[id] != 1 {
			t.Errorf("instance %s appears %d times across the partition, want exactly 1", id, seen[id])
		}
	}
	if !equal(ids(report.Failed), []string{"i-3"}) {
		t.Errorf("failed = %v, want [i-3]", report.Failed)
	}
}

func TestReconcileIdempotentOnRetry(t *testing.T) {
	cloud := &mockCloud{states: map[string]string{"i-1": "terminated", "i-2": "running"}}
	r := &Reconciler{Cloud: cloud, Chooser: interaction.StaticChooser{Keep: "none"}}

	verdicts := []runner.Verdict{verdict("i-1", false), verdict("i-2", false)}
	report, err := r.Reconcile(context.Background(), verdicts)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !equal(ids(report.Terminated), []string{"i-1", "i-2"}) {
		t.Errorf("terminated = %v", report.Terminated)
	}
	// i-1 was already gone; only i-2 gets a termination request.
	if !equal(ids(cloud.terminateCalls), []string{"i-2"}) {
		t.Errorf("terminate calls = %v, want only i-2", cloud.terminateCalls)
	}
}

func TestInstanceGoneCountsAsTerminated(t *testing.T) {
	cloud := &mockCloud{states: map[string]string{}}
	r := &Reconciler{Cloud: cloud, Chooser: interaction.StaticChooser{Keep: "none"}}

	report, err := r.Reconcile(context.Background(), []runner.Verdict{verdict("i-gone", false)})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !equal(ids(report.Terminated), []string{"i-gone"}) {
		t.Errorf("terminated = %v", report.Terminated)
	}
	if len(cloud.terminateCalls) != 0 {
		t.Error("no termination request expected for a vanished instance")
	}
}

func TestFailedLaunchVerdictsAreSkipped(t *testing.T) {
	cloud := &mockCloud{states: map[string]string{}}
	r := &Reconciler{Cloud: cloud, Chooser: interaction.StaticChooser{Keep: "none"}}

	v := runner.Verdict{Instance: &awsctl.Instance{Type: "c7i.large", Ordinal: 1, GroupTotal: 1}}
	report, err := r.Reconcile(context.Background(), []runner.Verdict{v})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(report.Terminated)+len(report.Kept)+len(report.Failed) != 0 {
		t.Errorf("never-launched verdict leaked into the cleanup report: %+v", report)
	}
}
