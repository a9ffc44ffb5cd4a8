package vmops

import (
	"context"
	"time"

	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/pkg/api"
)

type awaitWorkflow struct {
	o    *Ops
	inst *api.Instance

	vm *vim.VirtualMachine
}

// AwaitAddressWorkflow waits until the guest reports a network address and
// records it, issuing no mutating call at all. A zero timeout waits
// indefinitely.
func (o *Ops) AwaitAddressWorkflow(inst *api.Instance, timeout time.Duration) Workflow {
	w := &awaitWorkflow{o: o, inst: inst}
	return NewMachine("await-address("+inst.VMName+")", o.log, o.clock, o.taskTimeout, []Phase{
		{Name: "resolve", Run: w.resolve},
		{Name: "await-address", Run: w.wait, Poll: pollHasAddress, Timeout: timeout, OnDone: w.capture},
	})
}

func (w *awaitWorkflow) resolve(ctx context.Context) (vim.Handle, error) {
	vmObj, err := w.o.mustFindVM(ctx, w.inst.VMName)
	if err != nil {
		return nil, err
	}
	w.vm = vmObj
	return nil, nil
}

func (w *awaitWorkflow) wait(context.Context) (vim.Handle, error) {
	if w.vm.Address != "" {
		w.inst.Address = w.vm.Address
		return nil, nil
	}
	return w.vm, nil
}

func (w *awaitWorkflow) capture(_ context.Context, latest vim.Handle) error {
	vmObj, err := asVM(latest)
	if err != nil {
		return err
	}
	w.inst.Address = vmObj.Address
	return nil
}
