package vmops

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mkosonen/vmherd/internal/vim"
)

// fakeClock advances a fixed step on every reading, making wait deadlines
// deterministic without sleeping.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// fakeGuest records script executions.
type fakeGuest struct {
	runs []string
	err  error
}

func (g *fakeGuest) RunScript(_ context.Context, addr, scriptPath string) (string, error) {
	g.runs = append(g.runs, addr+" "+scriptPath)
	return "ok", g.err
}

// fakeVM is the server-side truth behind one VM name.
type fakeVM struct {
	state *vim.VirtualMachine
	// toolsAfter/addrAfter are refresh counts after which the guest reports
	// tooling and an address; negative means never.
	toolsAfter int
	addrAfter  int
	addr       string
	refreshes  int
	snapshots  []*vim.Snapshot
}

func (fv *fakeVM) render() *vim.VirtualMachine {
	cp := *fv.state
	if fv.toolsAfter >= 0 && fv.refreshes >= fv.toolsAfter {
		cp.ToolsRunning = true
	}
	if fv.addrAfter >= 0 && fv.refreshes >= fv.addrAfter {
		cp.Address = fv.addr
	}
	return &cp
}

type fakeTask struct {
	remaining int
	fail      bool
	msg       string
}

// fakeClient is an in-memory vim.Client. Mutations apply their server-side
// effect immediately and hand back a task that turns successful after
// taskTicks refreshes; RefreshMany can be made to soft-fail.
type fakeClient struct {
	mu sync.Mutex

	vms       map[string]*fakeVM
	refs      map[string]string // VM ref -> name
	stores    []*vim.Datastore
	clusterDS map[string][]*vim.Datastore

	tasks     map[string]*fakeTask
	taskTicks int
	taskSeq   int

	calls        map[string]int
	cloneTargets []string
	failCalls    map[string]string // method -> error message
	failTasks    map[string]string // method -> task fault message

	refreshFailures int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		vms:       map[string]*fakeVM{},
		refs:      map[string]string{},
		clusterDS: map[string][]*vim.Datastore{},
		tasks:     map[string]*fakeTask{},
		taskTicks: 1,
		calls:     map[string]int{},
		failCalls: map[string]string{},
		failTasks: map[string]string{},
	}
}

// addVM registers a VM that exists before the run.
func (f *fakeClient) addVM(name string, state vim.PowerState, committed int64) *fakeVM {
	fv := &fakeVM{
		state: &vim.VirtualMachine{
			Ref:            "vm-" + name,
			Name:           name,
			PowerState:     state,
			CommittedBytes: committed,
		},
		toolsAfter: -1,
		addrAfter:  -1,
	}
	f.vms[name] = fv
	f.refs["vm-"+name] = name
	return fv
}

func (f *fakeClient) addDatastore(name string, free int64) *vim.Datastore {
	ds := &vim.Datastore{Ref: "ds-" + name, Name: name, FreeBytes: free, CapacityBytes: free * 2}
	f.stores = append(f.stores, ds)
	return ds
}

func (f *fakeClient) newTask(method string) (*vim.Task, error) {
	if msg, bad := f.failCalls[method]; bad {
		return nil, errors.New(msg)
	}
	f.taskSeq++
	ref := fmt.Sprintf("task-%d", f.taskSeq)
	t := &fakeTask{remaining: f.taskTicks}
	if msg, bad := f.failTasks[method]; bad {
		t.fail = true
		t.msg = msg
	}
	f.tasks[ref] = t
	return &vim.Task{Ref: ref, Status: vim.TaskPending}, nil
}

func (f *fakeClient) FindVM(_ context.Context, name string) (*vim.VirtualMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["FindVM"]++
	fv, ok := f.vms[name]
	if !ok {
		return nil, nil
	}
	return fv.render(), nil
}

func (f *fakeClient) Datastores(context.Context) ([]*vim.Datastore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Datastores"]++
	return f.stores, nil
}

func (f *fakeClient) ClusterDatastores(_ context.Context, cluster string) ([]*vim.Datastore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ClusterDatastores"]++
	dss, ok := f.clusterDS[cluster]
	if !ok {
		return nil, errors.Errorf("cluster %q not found", cluster)
	}
	return dss, nil
}

func (f *fakeClient) SnapshotsByName(_ context.Context, vmObj *vim.VirtualMachine, name string) ([]*vim.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SnapshotsByName"]++
	fv, ok := f.vms[vmObj.Name]
	if !ok {
		return nil, errors.Errorf("VM %q gone", vmObj.Name)
	}
	var out []*vim.Snapshot
	for _, s := range fv.snapshots {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeClient) CloneVM(_ context.Context, base *vim.VirtualMachine, spec vim.CloneSpec) (*vim.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CloneVM"]++
	f.cloneTargets = append(f.cloneTargets, spec.Datastore.Name)
	task, err := f.newTask("CloneVM")
	if err != nil {
		return nil, err
	}
	fv := &fakeVM{
		state: &vim.VirtualMachine{
			Ref:        "vm-" + spec.Name,
			Name:       spec.Name,
			PowerState: vim.PoweredOff,
		},
		toolsAfter: -1,
		addrAfter:  -1,
	}
	if tmpl, ok := f.vms[base.Name]; ok {
		fv.toolsAfter = tmpl.toolsAfter
		fv.addrAfter = tmpl.addrAfter
		fv.addr = tmpl.addr
	}
	f.vms[spec.Name] = fv
	f.refs["vm-"+spec.Name] = spec.Name
	return task, nil
}

func (f *fakeClient) ReconfigureVM(_ context.Context, vmObj *vim.VirtualMachine, _ vim.HardwareSpec) (*vim.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ReconfigureVM"]++
	return f.newTask("ReconfigureVM")
}

func (f *fakeClient) PowerOnVM(_ context.Context, vmObj *vim.VirtualMachine) (*vim.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PowerOnVM"]++
	task, err := f.newTask("PowerOnVM")
	if err != nil {
		return nil, err
	}
	if fv, ok := f.vms[vmObj.Name]; ok {
		fv.state.PowerState = vim.PoweredOn
	}
	return task, nil
}

func (f *fakeClient) PowerOffVM(_ context.Context, vmObj *vim.VirtualMachine) (*vim.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PowerOffVM"]++
	task, err := f.newTask("PowerOffVM")
	if err != nil {
		return nil, err
	}
	if fv, ok := f.vms[vmObj.Name]; ok {
		fv.state.PowerState = vim.PoweredOff
	}
	return task, nil
}

func (f *fakeClient) DestroyVM(_ context.Context, vmObj *vim.VirtualMachine) (*vim.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DestroyVM"]++
	task, err := f.newTask("DestroyVM")
	if err != nil {
		return nil, err
	}
	delete(f.vms, vmObj.Name)
	delete(f.refs, vmObj.Ref)
	return task, nil
}

func (f *fakeClient) CreateSnapshot(_ context.Context, vmObj *vim.VirtualMachine, name string, _ bool) (*vim.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateSnapshot"]++
	task, err := f.newTask("CreateSnapshot")
	if err != nil {
		return nil, err
	}
	if fv, ok := f.vms[vmObj.Name]; ok {
		fv.snapshots = append(fv.snapshots, &vim.Snapshot{
			Ref:  fmt.Sprintf("snap-%s-%d", vmObj.Name, len(fv.snapshots)),
			Name: name,
		})
	}
	return task, nil
}

func (f *fakeClient) RemoveSnapshot(_ context.Context, vmObj *vim.VirtualMachine, snap *vim.Snapshot) (*vim.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["RemoveSnapshot"]++
	task, err := f.newTask("RemoveSnapshot")
	if err != nil {
		return nil, err
	}
	if fv, ok := f.vms[vmObj.Name]; ok {
		kept := fv.snapshots[:0]
		for _, s := range fv.snapshots {
			if s.Ref != snap.Ref {
				kept = append(kept, s)
			}
		}
		fv.snapshots = kept
	}
	return task, nil
}

func (f *fakeClient) RevertToSnapshot(_ context.Context, vmObj *vim.VirtualMachine, _ *vim.Snapshot) (*vim.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["RevertToSnapshot"]++
	return f.newTask("RevertToSnapshot")
}

func (f *fakeClient) RefreshMany(_ context.Context, handles map[string]vim.Handle) (bool, map[string]vim.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["RefreshMany"]++
	if f.refreshFailures > 0 {
		f.refreshFailures--
		return false, handles, nil
	}
	out := make(map[string]vim.Handle, len(handles))
	for id, h := range handles {
		switch v := h.(type) {
		case *vim.Task:
			t, ok := f.tasks[v.Ref]
			if !ok {
				out[id] = h
				continue
			}
			t.remaining--
			switch {
			case t.remaining > 0:
				out[id] = &vim.Task{Ref: v.Ref, Status: vim.TaskRunning}
			case t.fail:
				out[id] = &vim.Task{Ref: v.Ref, Status: vim.TaskError, Message: t.msg}
			default:
				out[id] = &vim.Task{Ref: v.Ref, Status: vim.TaskSuccess}
			}
		case *vim.VirtualMachine:
			fv, ok := f.vms[v.Name]
			if !ok {
				out[id] = h
				continue
			}
			fv.refreshes++
			out[id] = fv.render()
		default:
			out[id] = nil
		}
	}
	return true, out, nil
}

// mutations counts every call that changes remote state.
func (f *fakeClient) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, method := range []string{
		"CloneVM", "ReconfigureVM", "PowerOnVM", "PowerOffVM",
		"DestroyVM", "CreateSnapshot", "RemoveSnapshot", "RevertToSnapshot",
	} {
		n += f.calls[method]
	}
	return n
}

func containsMsg(err string, sub string) bool { return strings.Contains(err, sub) }
