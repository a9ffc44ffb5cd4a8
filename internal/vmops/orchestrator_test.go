package vmops

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/pkg/api"
)

func newTestOps(f *fakeClient, opts Options) *Ops {
	opts.Log = zerolog.Nop()
	return NewOps(f, opts)
}

func newTestRunner(f *fakeClient) *Runner {
	return &Runner{Client: f, Log: zerolog.Nop(), TickInterval: -1, MaxTicks: 500}
}

func TestRunOnInstancesEmpty(t *testing.T) {
	f := newFakeClient()
	r := newTestRunner(f)

	results, err := r.RunOnInstances(context.Background(), nil, func(*api.Instance) Workflow {
		t.Fatal("factory called for an empty batch")
		return nil
	})
	if err != nil {
		t.Fatalf("RunOnInstances: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v", results)
	}
	if f.calls["RefreshMany"] != 0 || f.mutations() != 0 {
		t.Errorf("calls made for an empty batch: %v", f.calls)
	}
}

func TestRunOnInstancesPreservesIDs(t *testing.T) {
	f := newFakeClient()
	f.addVM("web-01", vim.PoweredOff, 0)
	f.addVM("web-02", vim.PoweredOff, 0)
	ops := newTestOps(f, Options{})

	instances := map[string]*api.Instance{
		"id-a": {VMName: "web-01"},
		"id-b": {VMName: "web-02"},
	}
	results, err := newTestRunner(f).RunOnInstances(context.Background(), instances, func(inst *api.Instance) Workflow {
		return ops.PowerWorkflow(inst, vim.PoweredOn)
	})
	if err != nil {
		t.Fatalf("RunOnInstances: %v", err)
	}
	if len(results) != 2 || results["id-a"] == nil || results["id-b"] == nil {
		t.Fatalf("results = %v", results)
	}
	for id, inst := range results {
		if inst.Failed() {
			t.Errorf("%s failed: %s", id, inst.Error)
		}
	}
	// Caller's instances are untouched; results are copies.
	if instances["id-a"].Power != "" {
		t.Errorf("input instance mutated: %+v", instances["id-a"])
	}
	if results["id-a"] == instances["id-a"] {
		t.Error("result aliases the input instance")
	}
}

func TestRunOnInstancesFailureIsolation(t *testing.T) {
	f := newFakeClient()
	f.addVM("ok-vm", vim.PoweredOff, 0)
	ops := newTestOps(f, Options{})

	instances := map[string]*api.Instance{
		"good": {VMName: "ok-vm"},
		"bad":  {VMName: "missing-vm"},
	}
	results, err := newTestRunner(f).RunOnInstances(context.Background(), instances, func(inst *api.Instance) Workflow {
		return ops.PowerWorkflow(inst, vim.PoweredOn)
	})
	if err != nil {
		t.Fatalf("RunOnInstances: %v", err)
	}
	if results["good"].Failed() {
		t.Errorf("good failed: %s", results["good"].Error)
	}
	if results["good"].Power != string(vim.PoweredOn) {
		t.Errorf("good power = %q", results["good"].Power)
	}
	if !results["bad"].Failed() || !containsMsg(results["bad"].Error, "not found") {
		t.Errorf("bad error = %q", results["bad"].Error)
	}
}

func TestRunOnInstancesPanicIsolation(t *testing.T) {
	f := newFakeClient()
	f.addVM("ok-vm", vim.PoweredOff, 0)
	ops := newTestOps(f, Options{})

	instances := map[string]*api.Instance{
		"good":     {VMName: "ok-vm"},
		"panicker": {VMName: "whatever"},
	}
	results, err := newTestRunner(f).RunOnInstances(context.Background(), instances, func(inst *api.Instance) Workflow {
		if inst.VMName == "whatever" {
			return panicWorkflow{}
		}
		return ops.PowerWorkflow(inst, vim.PoweredOn)
	})
	if err != nil {
		t.Fatalf("RunOnInstances: %v", err)
	}
	if results["good"].Failed() {
		t.Errorf("good failed: %s", results["good"].Error)
	}
	if !containsMsg(results["panicker"].Error, "panicked") {
		t.Errorf("panicker error = %q", results["panicker"].Error)
	}
}

type panicWorkflow struct{}

func (panicWorkflow) Resume(context.Context, vim.Handle) Outcome { panic("boom") }

func TestRunOnInstancesPowerOffBatch(t *testing.T) {
	f := newFakeClient()
	f.addVM("a", vim.PoweredOn, 0)
	f.addVM("b", vim.PoweredOff, 0)
	f.addVM("c", vim.PoweredOn, 0)
	ops := newTestOps(f, Options{})

	instances := map[string]*api.Instance{
		"a": {VMName: "a"},
		"b": {VMName: "b"},
		"c": {VMName: "c"},
	}
	results, err := newTestRunner(f).RunOnInstances(context.Background(), instances, func(inst *api.Instance) Workflow {
		return ops.PowerWorkflow(inst, vim.PoweredOff)
	})
	if err != nil {
		t.Fatalf("RunOnInstances: %v", err)
	}
	// Only the two powered-on VMs get a power-off call; all three report off.
	if f.calls["PowerOffVM"] != 2 {
		t.Errorf("PowerOffVM calls = %d", f.calls["PowerOffVM"])
	}
	for id, inst := range results {
		if inst.Failed() {
			t.Errorf("%s failed: %s", id, inst.Error)
		}
		if inst.Power != string(vim.PoweredOff) {
			t.Errorf("%s power = %q", id, inst.Power)
		}
	}
}

func TestRunOnInstancesRefreshSoftFailure(t *testing.T) {
	f := newFakeClient()
	f.addVM("a", vim.PoweredOn, 0)
	f.refreshFailures = 3
	ops := newTestOps(f, Options{})

	results, err := newTestRunner(f).RunOnInstances(context.Background(),
		map[string]*api.Instance{"a": {VMName: "a"}},
		func(inst *api.Instance) Workflow { return ops.PowerWorkflow(inst, vim.PoweredOff) })
	if err != nil {
		t.Fatalf("RunOnInstances: %v", err)
	}
	if results["a"].Failed() {
		t.Errorf("a failed: %s", results["a"].Error)
	}
	// The workflow issues its single power-off once and simply waits out
	// the failed refreshes.
	if f.calls["PowerOffVM"] != 1 {
		t.Errorf("PowerOffVM calls = %d", f.calls["PowerOffVM"])
	}
	if f.calls["RefreshMany"] < 4 {
		t.Errorf("RefreshMany calls = %d", f.calls["RefreshMany"])
	}
}

func TestRunOnInstancesMaxTicks(t *testing.T) {
	f := newFakeClient()
	f.addVM("a", vim.PoweredOn, 0)
	f.taskTicks = 1000
	ops := newTestOps(f, Options{})

	r := newTestRunner(f)
	r.MaxTicks = 5
	results, err := r.RunOnInstances(context.Background(),
		map[string]*api.Instance{"a": {VMName: "a"}},
		func(inst *api.Instance) Workflow { return ops.PowerWorkflow(inst, vim.PoweredOff) })
	if err != nil {
		t.Fatalf("RunOnInstances: %v", err)
	}
	if !results["a"].Failed() || !containsMsg(results["a"].Error, "still active") {
		t.Errorf("a error = %q", results["a"].Error)
	}
}

func TestRunOnInstancesCancelled(t *testing.T) {
	f := newFakeClient()
	f.addVM("a", vim.PoweredOn, 0)
	f.taskTicks = 1000
	ops := newTestOps(f, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	r := &Runner{Client: f, Log: zerolog.Nop(), TickInterval: time.Millisecond}
	_, err := r.RunOnInstances(ctx,
		map[string]*api.Instance{"a": {VMName: "a"}},
		func(inst *api.Instance) Workflow { return ops.PowerWorkflow(inst, vim.PoweredOff) })
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
}
