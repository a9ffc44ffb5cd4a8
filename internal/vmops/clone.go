package vmops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/pkg/api"
)

// cloneWorkflow carries the state threaded through the clone phases.
type cloneWorkflow struct {
	o       *Ops
	inst    *api.Instance
	nukeOld bool

	base     *baseImage
	hw       *vim.HardwareSpec
	strategy Strategy
	old      *vim.VirtualMachine
	clone    *vim.VirtualMachine
}

// CloneWorkflow performs the full clone-reconfigure-poweron-snapshot cycle
// for one instance. With nukeOld set, a pre-existing VM with the target
// name is powered off and deleted first.
func (o *Ops) CloneWorkflow(inst *api.Instance, nukeOld bool) Workflow {
	w := &cloneWorkflow{o: o, inst: inst, nukeOld: nukeOld}
	return NewMachine("clone("+inst.VMName+")", o.log, o.clock, o.taskTimeout, []Phase{
		{Name: "prepare", Run: w.prepare},
		{Name: "poweroff-old", Run: w.powerOffOld},
		{Name: "delete-old", Run: w.deleteOld},
		{Name: "clone", Run: w.issueClone},
		{Name: "locate-clone", Run: w.locateClone},
		{Name: "reconfigure", Run: w.reconfigure},
		{Name: "power-on", Run: w.powerOn, OnDone: w.verifyPoweredOn},
		{Name: "guest-tools", Run: w.waitTools, Poll: pollToolsRunning, Timeout: o.toolsTimeout},
		{Name: "await-address", Run: w.waitAddress, Poll: pollHasAddress, OnDone: w.captureAddress},
		{Name: "guest-setup", Run: w.guestSetup},
		{Name: "snapshot", Run: w.baselineSnapshot},
	})
}

// prepare validates everything that can fail before the first remote
// mutation: placement strategy, hardware request, guest runner presence
// and the base image itself.
func (w *cloneWorkflow) prepare(ctx context.Context) (vim.Handle, error) {
	if w.inst.BaseVM == "" {
		return nil, errors.Errorf("no base VM configured for %q", w.inst.VMName)
	}
	strategy, err := ParseStrategy(w.inst.Placement)
	if err != nil {
		return nil, err
	}
	w.strategy = strategy
	hw, err := buildHardwareSpec(w.inst.Hardware)
	if err != nil {
		return nil, err
	}
	w.hw = hw
	if w.inst.GuestScript != "" && w.o.guest == nil {
		return nil, errors.Errorf("guest script %q configured but no guest runner available", w.inst.GuestScript)
	}
	base, err := w.o.baseFor(ctx, w.inst.BaseVM, w.inst.Cluster, w.inst.DatastoreFilter)
	if err != nil {
		return nil, err
	}
	w.base = base
	return nil, nil
}

func (w *cloneWorkflow) powerOffOld(ctx context.Context) (vim.Handle, error) {
	if !w.nukeOld {
		return nil, nil
	}
	old, err := w.o.client.FindVM(ctx, w.inst.VMName)
	if err != nil {
		return nil, err
	}
	w.old = old
	if old == nil || old.PowerState != vim.PoweredOn {
		return nil, nil
	}
	return w.o.client.PowerOffVM(ctx, old)
}

func (w *cloneWorkflow) deleteOld(ctx context.Context) (vim.Handle, error) {
	if w.old == nil {
		return nil, nil
	}
	return w.o.client.DestroyVM(ctx, w.old)
}

func (w *cloneWorkflow) issueClone(ctx context.Context) (vim.Handle, error) {
	target, err := w.targetDatastore(ctx)
	if err != nil {
		return nil, err
	}
	w.o.log.Debug().Str("vm", w.inst.VMName).Str("datastore", target.Name).Msg("placing clone")
	return w.o.client.CloneVM(ctx, w.base.vm, vim.CloneSpec{
		Name:         w.inst.VMName,
		Datastore:    target,
		ResourcePool: w.inst.ResourcePool,
		Folder:       w.inst.Folder,
		Linked:       w.inst.LinkedClone,
	})
}

// targetDatastore honors an explicit datastore name, otherwise picks one
// via the placement strategy.
func (w *cloneWorkflow) targetDatastore(ctx context.Context) (*vim.Datastore, error) {
	if w.inst.Datastore == "" {
		return w.o.placeFor(w.base, w.strategy)
	}
	for _, ds := range w.base.datastores {
		if ds.Name == w.inst.Datastore {
			return ds, nil
		}
	}
	all, err := w.o.client.Datastores(ctx)
	if err != nil {
		return nil, err
	}
	for _, ds := range all {
		if ds.Name == w.inst.Datastore {
			return ds, nil
		}
	}
	return nil, errors.Errorf("datastore %q not found", w.inst.Datastore)
}

func (w *cloneWorkflow) locateClone(ctx context.Context) (vim.Handle, error) {
	clone, err := w.o.mustFindVM(ctx, w.inst.VMName)
	if err != nil {
		return nil, errors.Wrap(err, "clone finished but")
	}
	w.clone = clone
	return nil, nil
}

func (w *cloneWorkflow) reconfigure(ctx context.Context) (vim.Handle, error) {
	if w.hw == nil {
		return nil, nil
	}
	return w.o.client.ReconfigureVM(ctx, w.clone, *w.hw)
}

func (w *cloneWorkflow) powerOn(ctx context.Context) (vim.Handle, error) {
	return w.o.client.PowerOnVM(ctx, w.clone)
}

func (w *cloneWorkflow) verifyPoweredOn(ctx context.Context, _ vim.Handle) error {
	vmNow, err := w.o.mustFindVM(ctx, w.inst.VMName)
	if err != nil {
		return err
	}
	if vmNow.PowerState != vim.PoweredOn {
		return errors.Errorf("%s was not successfully powered on", w.inst.VMName)
	}
	w.clone = vmNow
	return nil
}

func (w *cloneWorkflow) waitTools(context.Context) (vim.Handle, error) {
	if w.inst.GuestScript == "" {
		return nil, nil
	}
	return w.clone, nil
}

func pollToolsRunning(latest vim.Handle) (bool, error) {
	vmObj, err := asVM(latest)
	if err != nil {
		return false, err
	}
	return vmObj.ToolsRunning, nil
}

func (w *cloneWorkflow) waitAddress(context.Context) (vim.Handle, error) {
	return w.clone, nil
}

func pollHasAddress(latest vim.Handle) (bool, error) {
	vmObj, err := asVM(latest)
	if err != nil {
		return false, err
	}
	return vmObj.Address != "", nil
}

func (w *cloneWorkflow) captureAddress(_ context.Context, latest vim.Handle) error {
	vmObj, err := asVM(latest)
	if err != nil {
		return err
	}
	w.clone = vmObj
	w.inst.Address = vmObj.Address
	w.o.log.Debug().Str("vm", w.inst.VMName).Str("address", vmObj.Address).Msg("got address")
	return nil
}

// guestSetup runs the configuration script inside the guest. The tooling
// gate has already passed and the address wait guarantees a reachable
// target for the SSH channel.
func (w *cloneWorkflow) guestSetup(ctx context.Context) (vim.Handle, error) {
	if w.inst.GuestScript == "" {
		return nil, nil
	}
	out, err := w.o.guest.RunScript(ctx, w.clone.Address, w.inst.GuestScript)
	if err != nil {
		return nil, errors.Wrapf(err, "guest setup on %s", w.inst.VMName)
	}
	w.o.log.Debug().Str("vm", w.inst.VMName).Str("output", out).Msg("guest setup complete")
	return nil, nil
}

func (w *cloneWorkflow) baselineSnapshot(ctx context.Context) (vim.Handle, error) {
	if w.inst.SkipSnapshot {
		return nil, nil
	}
	name := w.inst.Snapshot
	if name == "" {
		name = "pristine"
	}
	return w.o.client.CreateSnapshot(ctx, w.clone, name, true)
}
