package vmops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/pkg/api"
)

type deleteWorkflow struct {
	o    *Ops
	inst *api.Instance

	vm *vim.VirtualMachine
}

// DeleteWorkflow powers a VM off if needed, verifies the resulting state
// and destroys it.
func (o *Ops) DeleteWorkflow(inst *api.Instance) Workflow {
	w := &deleteWorkflow{o: o, inst: inst}
	return NewMachine("delete("+inst.VMName+")", o.log, o.clock, o.taskTimeout, []Phase{
		{Name: "resolve", Run: w.resolve},
		{Name: "power-off", Run: w.powerOff, OnDone: w.verifyPoweredOff},
		{Name: "destroy", Run: w.destroy},
	})
}

func (w *deleteWorkflow) resolve(ctx context.Context) (vim.Handle, error) {
	vmObj, err := w.o.mustFindVM(ctx, w.inst.VMName)
	if err != nil {
		return nil, err
	}
	w.vm = vmObj
	return nil, nil
}

func (w *deleteWorkflow) powerOff(ctx context.Context) (vim.Handle, error) {
	if w.vm.PowerState != vim.PoweredOn {
		return nil, nil
	}
	return w.o.client.PowerOffVM(ctx, w.vm)
}

func (w *deleteWorkflow) verifyPoweredOff(ctx context.Context, _ vim.Handle) error {
	vmNow, err := w.o.mustFindVM(ctx, w.inst.VMName)
	if err != nil {
		return err
	}
	if vmNow.PowerState != vim.PoweredOff {
		return errors.Errorf("%s was not successfully powered off", w.inst.VMName)
	}
	w.vm = vmNow
	return nil
}

func (w *deleteWorkflow) destroy(ctx context.Context) (vim.Handle, error) {
	return w.o.client.DestroyVM(ctx, w.vm)
}
