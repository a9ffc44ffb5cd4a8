package vsphere

import (
	"context"

	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/mkosonen/vmherd/internal/vim"
)

// RefreshMany updates every non-nil handle in a single RetrieveProperties
// round trip. Tasks and VM snapshots are mixed in one filter spec so a
// whole scheduler tick costs exactly one remote call. When the server
// returns fewer entities than requested the refresh is treated as a soft
// failure: ok is false and the caller keeps its old handles.
func (c *Client) RefreshMany(ctx context.Context, handles map[string]vim.Handle) (bool, map[string]vim.Handle, error) {
	ids := make(map[string][]string)
	var objects []types.ObjectSpec
	for id, h := range handles {
		ref, okRef := handleRef(h)
		if !okRef {
			continue
		}
		if _, seen := ids[ref.Value]; !seen {
			objects = append(objects, types.ObjectSpec{Obj: ref})
		}
		ids[ref.Value] = append(ids[ref.Value], id)
	}
	if len(objects) == 0 {
		return true, handles, nil
	}

	req := types.RetrieveProperties{
		This: c.pc.Reference(),
		SpecSet: []types.PropertyFilterSpec{{
			PropSet: []types.PropertySpec{
				{Type: "Task", PathSet: []string{"info"}},
				{Type: "VirtualMachine", PathSet: []string{"name", "summary", "guest"}},
			},
			ObjectSet: objects,
		}},
	}
	res, err := methods.RetrieveProperties(ctx, c.vc, &req)
	if err != nil {
		return false, handles, err
	}
	if len(res.Returnval) != len(objects) {
		c.log.Debug().
			Int("requested", len(objects)).
			Int("returned", len(res.Returnval)).
			Msg("partial property refresh")
		return false, handles, nil
	}

	refreshed := make(map[string]vim.Handle, len(handles))
	for id, h := range handles {
		refreshed[id] = h
	}
	for _, oc := range res.Returnval {
		var fresh vim.Handle
		switch oc.Obj.Type {
		case "Task":
			fresh = taskFromContent(oc)
		case "VirtualMachine":
			fresh = vmFromContent(oc)
		default:
			continue
		}
		if fresh == nil {
			continue
		}
		for _, id := range ids[oc.Obj.Value] {
			if prev, okPrev := handles[id].(*vim.VirtualMachine); okPrev {
				if v, okFresh := fresh.(*vim.VirtualMachine); okFresh {
					// The refresh property set excludes storage; carry the
					// last known committed size forward.
					cp := *v
					cp.CommittedBytes = prev.CommittedBytes
					refreshed[id] = &cp
					continue
				}
			}
			refreshed[id] = fresh
		}
	}
	return true, refreshed, nil
}

func handleRef(h vim.Handle) (types.ManagedObjectReference, bool) {
	switch v := h.(type) {
	case *vim.Task:
		return types.ManagedObjectReference{Type: "Task", Value: v.Ref}, true
	case *vim.VirtualMachine:
		return types.ManagedObjectReference{Type: "VirtualMachine", Value: v.Ref}, true
	}
	return types.ManagedObjectReference{}, false
}

func taskFromContent(oc types.ObjectContent) *vim.Task {
	t := &vim.Task{Ref: oc.Obj.Value, Status: vim.TaskPending}
	for _, p := range oc.PropSet {
		info, okInfo := p.Val.(types.TaskInfo)
		if p.Name != "info" || !okInfo {
			continue
		}
		switch info.State {
		case types.TaskInfoStateQueued:
			t.Status = vim.TaskPending
		case types.TaskInfoStateRunning:
			t.Status = vim.TaskRunning
		case types.TaskInfoStateSuccess:
			t.Status = vim.TaskSuccess
		case types.TaskInfoStateError:
			t.Status = vim.TaskError
			t.Message = "task failed"
			if info.Error != nil {
				t.Message = info.Error.LocalizedMessage
			}
		}
	}
	return t
}

func vmFromContent(oc types.ObjectContent) *vim.VirtualMachine {
	v := &vim.VirtualMachine{Ref: oc.Obj.Value}
	for _, p := range oc.PropSet {
		switch p.Name {
		case "name":
			if s, okStr := p.Val.(string); okStr {
				v.Name = s
			}
		case "summary":
			if s, okSum := p.Val.(types.VirtualMachineSummary); okSum {
				v.PowerState = vim.PowerState(s.Runtime.PowerState)
				if s.Guest != nil {
					v.Address = s.Guest.IpAddress
				}
			}
		case "guest":
			if g, okGuest := p.Val.(types.GuestInfo); okGuest {
				v.ToolsRunning = g.ToolsRunningStatus == string(types.VirtualMachineToolsRunningStatusGuestToolsRunning)
			}
		}
	}
	return v
}
