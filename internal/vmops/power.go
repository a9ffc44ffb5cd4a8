package vmops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/pkg/api"
)

type powerWorkflow struct {
	o       *Ops
	inst    *api.Instance
	desired vim.PowerState

	vm *vim.VirtualMachine
}

// PowerWorkflow drives a VM to the desired power state. Already being in
// that state is a no-op; otherwise the toggle is issued and the resulting
// state verified after a refresh. The final state is recorded in the
// instance either way.
func (o *Ops) PowerWorkflow(inst *api.Instance, desired vim.PowerState) Workflow {
	w := &powerWorkflow{o: o, inst: inst, desired: desired}
	return NewMachine("power("+inst.VMName+")", o.log, o.clock, o.taskTimeout, []Phase{
		{Name: "resolve", Run: w.resolve},
		{Name: "toggle", Run: w.toggle, OnDone: w.verify},
		{Name: "record", Run: w.record},
	})
}

func (w *powerWorkflow) resolve(ctx context.Context) (vim.Handle, error) {
	switch w.desired {
	case vim.PoweredOn, vim.PoweredOff:
	default:
		return nil, errors.Errorf("cannot drive VM to power state %q", w.desired)
	}
	vmObj, err := w.o.mustFindVM(ctx, w.inst.VMName)
	if err != nil {
		return nil, err
	}
	w.vm = vmObj
	return nil, nil
}

func (w *powerWorkflow) toggle(ctx context.Context) (vim.Handle, error) {
	if w.vm.PowerState == w.desired {
		return nil, nil
	}
	if w.desired == vim.PoweredOn {
		return w.o.client.PowerOnVM(ctx, w.vm)
	}
	return w.o.client.PowerOffVM(ctx, w.vm)
}

func (w *powerWorkflow) verify(ctx context.Context, _ vim.Handle) error {
	vmNow, err := w.o.mustFindVM(ctx, w.inst.VMName)
	if err != nil {
		return err
	}
	if vmNow.PowerState != w.desired {
		return errors.Errorf("%s did not reach power state %s", w.inst.VMName, w.desired)
	}
	w.vm = vmNow
	return nil
}

func (w *powerWorkflow) record(context.Context) (vim.Handle, error) {
	w.inst.Power = string(w.vm.PowerState)
	return nil, nil
}
