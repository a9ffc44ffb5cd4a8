package vmops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/pkg/api"
)

type revertWorkflow struct {
	o           *Ops
	inst        *api.Instance
	waitAddress bool

	vm   *vim.VirtualMachine
	snap *vim.Snapshot
}

// RevertWorkflow reverts a VM to its current snapshot, or to the named one
// when the instance specifies it. With waitAddress set the workflow also
// waits for the guest to report an address afterwards.
func (o *Ops) RevertWorkflow(inst *api.Instance, waitAddress bool) Workflow {
	w := &revertWorkflow{o: o, inst: inst, waitAddress: waitAddress}
	return NewMachine("revert("+inst.VMName+")", o.log, o.clock, o.taskTimeout, []Phase{
		{Name: "resolve", Run: w.resolve},
		{Name: "revert", Run: w.revert},
		{Name: "await-address", Run: w.awaitAddress, Poll: pollHasAddress, OnDone: w.captureAddress},
	})
}

func (w *revertWorkflow) resolve(ctx context.Context) (vim.Handle, error) {
	vmObj, err := w.o.mustFindVM(ctx, w.inst.VMName)
	if err != nil {
		return nil, err
	}
	w.vm = vmObj
	if w.inst.Snapshot == "" {
		return nil, nil
	}
	snap, err := resolveNamedSnapshot(ctx, w.o.client, vmObj, w.inst.Snapshot)
	if err != nil {
		return nil, err
	}
	w.snap = snap
	return nil, nil
}

func (w *revertWorkflow) revert(ctx context.Context) (vim.Handle, error) {
	return w.o.client.RevertToSnapshot(ctx, w.vm, w.snap)
}

func (w *revertWorkflow) awaitAddress(context.Context) (vim.Handle, error) {
	if !w.waitAddress {
		return nil, nil
	}
	return w.vm, nil
}

func (w *revertWorkflow) captureAddress(_ context.Context, latest vim.Handle) error {
	vmObj, err := asVM(latest)
	if err != nil {
		return err
	}
	w.inst.Address = vmObj.Address
	return nil
}

// resolveNamedSnapshot requires exactly one snapshot with the given name.
func resolveNamedSnapshot(ctx context.Context, client vim.Client, vmObj *vim.VirtualMachine, name string) (*vim.Snapshot, error) {
	snaps, err := client.SnapshotsByName(ctx, vmObj, name)
	if err != nil {
		return nil, err
	}
	switch len(snaps) {
	case 0:
		return nil, errors.Errorf("snapshot %q not found on %s", name, vmObj.Name)
	case 1:
		return snaps[0], nil
	}
	return nil, errors.Errorf("snapshot name %q matches %d snapshots on %s", name, len(snaps), vmObj.Name)
}
