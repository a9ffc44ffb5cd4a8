package vmops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/pkg/api"
)

type snapshotWorkflow struct {
	o      *Ops
	inst   *api.Instance
	name   string
	memory bool
	skip   bool

	vm   *vim.VirtualMachine
	snap *vim.Snapshot
}

// SnapshotCreateWorkflow takes a named snapshot of a VM. The skip override
// (per call or per instance) turns the whole workflow into a no-op.
func (o *Ops) SnapshotCreateWorkflow(inst *api.Instance, name string, memory, skip bool) Workflow {
	w := &snapshotWorkflow{o: o, inst: inst, name: name, memory: memory, skip: skip || inst.SkipSnapshot}
	if w.name == "" {
		w.name = inst.Snapshot
	}
	return NewMachine("snapshot("+inst.VMName+")", o.log, o.clock, o.taskTimeout, []Phase{
		{Name: "resolve", Run: w.resolve},
		{Name: "create", Run: w.create},
	})
}

// SnapshotRemoveWorkflow removes the uniquely named snapshot of a VM,
// honoring the same skip override.
func (o *Ops) SnapshotRemoveWorkflow(inst *api.Instance, name string, skip bool) Workflow {
	w := &snapshotWorkflow{o: o, inst: inst, name: name, skip: skip || inst.SkipSnapshot}
	if w.name == "" {
		w.name = inst.Snapshot
	}
	return NewMachine("snapshot-remove("+inst.VMName+")", o.log, o.clock, o.taskTimeout, []Phase{
		{Name: "resolve-snapshot", Run: w.resolveSnapshot},
		{Name: "remove", Run: w.remove},
	})
}

func (w *snapshotWorkflow) resolve(ctx context.Context) (vim.Handle, error) {
	if w.skip {
		return nil, nil
	}
	vmObj, err := w.o.mustFindVM(ctx, w.inst.VMName)
	if err != nil {
		return nil, err
	}
	w.vm = vmObj
	return nil, nil
}

func (w *snapshotWorkflow) create(ctx context.Context) (vim.Handle, error) {
	if w.skip {
		return nil, nil
	}
	name := w.name
	if name == "" {
		name = "pristine"
	}
	return w.o.client.CreateSnapshot(ctx, w.vm, name, w.memory)
}

func (w *snapshotWorkflow) resolveSnapshot(ctx context.Context) (vim.Handle, error) {
	if w.skip {
		return nil, nil
	}
	if w.name == "" {
		return nil, errors.Errorf("snapshot name required to remove a snapshot from %q", w.inst.VMName)
	}
	if _, err := w.resolve(ctx); err != nil {
		return nil, err
	}
	snap, err := resolveNamedSnapshot(ctx, w.o.client, w.vm, w.name)
	if err != nil {
		return nil, err
	}
	w.snap = snap
	return nil, nil
}

func (w *snapshotWorkflow) remove(ctx context.Context) (vim.Handle, error) {
	if w.skip {
		return nil, nil
	}
	return w.o.client.RemoveSnapshot(ctx, w.vm, w.snap)
}
