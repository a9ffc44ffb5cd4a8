// Package vsphere implements the vim.Client boundary on top of govmomi.
// It is pure attribute mapping: every method translates between the
// orchestration core's snapshot types and the SOAP object model, and all
// long-running calls surface as vim.Task handles.
package vsphere

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/mkosonen/vmherd/internal/vim"
)

// Client adapts a vSphere connection to the vim.Client interface.
type Client struct {
	vc     *vim25.Client
	finder *find.Finder
	pc     *property.Collector
	log    zerolog.Logger
}

// Connect logs in to a vSphere endpoint and binds the default datacenter.
func Connect(ctx context.Context, rawURL, username, password string, insecure bool, log zerolog.Logger) (*Client, error) {
	u, err := soap.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse vSphere URL")
	}
	u.User = url.UserPassword(username, password)
	gc, err := govmomi.NewClient(ctx, u, insecure)
	if err != nil {
		return nil, errors.Wrap(err, "connect to vSphere")
	}
	return Wrap(ctx, gc.Client, log)
}

// Wrap builds a Client over an established vim25 connection.
func Wrap(ctx context.Context, vc *vim25.Client, log zerolog.Logger) (*Client, error) {
	finder := find.NewFinder(vc, true)
	dc, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve datacenter")
	}
	finder.SetDatacenter(dc)
	return &Client{
		vc:     vc,
		finder: finder,
		pc:     property.DefaultCollector(vc),
		log:    log,
	}, nil
}

var vmProps = []string{"name", "summary", "storage", "guest"}

// FindVM looks a VM up by name; absence is (nil, nil), not an error.
func (c *Client) FindVM(ctx context.Context, name string) (*vim.VirtualMachine, error) {
	ovm, err := c.finder.VirtualMachine(ctx, name)
	if err != nil {
		if _, notFound := err.(*find.NotFoundError); notFound {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "find VM %q", name)
	}
	var m mo.VirtualMachine
	if err := c.pc.RetrieveOne(ctx, ovm.Reference(), vmProps, &m); err != nil {
		return nil, errors.Wrapf(err, "fetch properties of %q", name)
	}
	return vmFromMo(ovm.Reference(), m), nil
}

func vmFromMo(ref types.ManagedObjectReference, m mo.VirtualMachine) *vim.VirtualMachine {
	v := &vim.VirtualMachine{
		Ref:        ref.Value,
		Name:       m.Name,
		PowerState: vim.PowerState(m.Summary.Runtime.PowerState),
	}
	if m.Summary.Guest != nil {
		v.Address = m.Summary.Guest.IpAddress
	}
	if m.Guest != nil {
		v.ToolsRunning = m.Guest.ToolsRunningStatus == string(types.VirtualMachineToolsRunningStatusGuestToolsRunning)
	}
	if m.Storage != nil {
		for _, usage := range m.Storage.PerDatastoreUsage {
			v.CommittedBytes += usage.Committed
		}
	}
	return v
}

// Datastores lists every datastore of the datacenter with capacity data.
func (c *Client) Datastores(ctx context.Context) ([]*vim.Datastore, error) {
	list, err := c.finder.DatastoreList(ctx, "*")
	if err != nil {
		if _, notFound := err.(*find.NotFoundError); notFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list datastores")
	}
	refs := make([]types.ManagedObjectReference, 0, len(list))
	for _, ds := range list {
		refs = append(refs, ds.Reference())
	}
	return c.datastoreSummaries(ctx, refs)
}

// ClusterDatastores lists the datastores attached to a named cluster.
func (c *Client) ClusterDatastores(ctx context.Context, cluster string) ([]*vim.Datastore, error) {
	ccr, err := c.finder.ClusterComputeResource(ctx, cluster)
	if err != nil {
		return nil, errors.Wrapf(err, "cluster %q", cluster)
	}
	var m mo.ClusterComputeResource
	if err := c.pc.RetrieveOne(ctx, ccr.Reference(), []string{"datastore"}, &m); err != nil {
		return nil, errors.Wrapf(err, "fetch datastores of cluster %q", cluster)
	}
	return c.datastoreSummaries(ctx, m.Datastore)
}

func (c *Client) datastoreSummaries(ctx context.Context, refs []types.ManagedObjectReference) ([]*vim.Datastore, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	var mds []mo.Datastore
	if err := c.pc.Retrieve(ctx, refs, []string{"summary"}, &mds); err != nil {
		return nil, errors.Wrap(err, "fetch datastore summaries")
	}
	out := make([]*vim.Datastore, 0, len(mds))
	for _, m := range mds {
		out = append(out, &vim.Datastore{
			Ref:           m.Self.Value,
			Name:          m.Summary.Name,
			FreeBytes:     m.Summary.FreeSpace,
			CapacityBytes: m.Summary.Capacity,
		})
	}
	return out, nil
}

// SnapshotsByName walks the snapshot tree and returns all snapshots with
// the given name.
func (c *Client) SnapshotsByName(ctx context.Context, vmObj *vim.VirtualMachine, name string) ([]*vim.Snapshot, error) {
	var m mo.VirtualMachine
	if err := c.pc.RetrieveOne(ctx, vmRef(vmObj), []string{"snapshot"}, &m); err != nil {
		return nil, errors.Wrapf(err, "fetch snapshots of %q", vmObj.Name)
	}
	if m.Snapshot == nil {
		return nil, nil
	}
	var out []*vim.Snapshot
	var walk func(trees []types.VirtualMachineSnapshotTree)
	walk = func(trees []types.VirtualMachineSnapshotTree) {
		for _, tree := range trees {
			if tree.Name == name {
				out = append(out, &vim.Snapshot{Ref: tree.Snapshot.Value, Name: tree.Name})
			}
			walk(tree.ChildSnapshotList)
		}
	}
	walk(m.Snapshot.RootSnapshotList)
	return out, nil
}

// CloneVM issues the clone task. The relocate spec pins the chosen
// datastore; resource pool and folder default to the base VM's
// surroundings when unset.
func (c *Client) CloneVM(ctx context.Context, base *vim.VirtualMachine, spec vim.CloneSpec) (*vim.Task, error) {
	dsRef := types.ManagedObjectReference{Type: "Datastore", Value: spec.Datastore.Ref}
	relocate := types.VirtualMachineRelocateSpec{Datastore: &dsRef}
	if spec.ResourcePool != "" {
		pool, err := c.finder.ResourcePool(ctx, spec.ResourcePool)
		if err != nil {
			if _, multiple := err.(*find.MultipleFoundError); multiple {
				return nil, errors.Errorf("resource pool name %q is ambiguous", spec.ResourcePool)
			}
			return nil, errors.Wrapf(err, "resource pool %q", spec.ResourcePool)
		}
		poolRef := pool.Reference()
		relocate.Pool = &poolRef
	}
	if spec.Linked {
		relocate.DiskMoveType = string(types.VirtualMachineRelocateDiskMoveOptionsMoveChildMostDiskBacking)
	}
	folder, err := c.finder.FolderOrDefault(ctx, spec.Folder)
	if err != nil {
		return nil, errors.Wrapf(err, "folder %q", spec.Folder)
	}
	cloneSpec := types.VirtualMachineCloneSpec{
		Location: relocate,
		PowerOn:  false,
		Template: false,
	}
	task, err := c.vm(base).Clone(ctx, folder, spec.Name, cloneSpec)
	if err != nil {
		return nil, errors.Wrapf(err, "clone %q", spec.Name)
	}
	return taskHandle(task), nil
}

// ReconfigureVM applies a validated hardware spec as one reconfigure task.
func (c *Client) ReconfigureVM(ctx context.Context, vmObj *vim.VirtualMachine, spec vim.HardwareSpec) (*vim.Task, error) {
	cfg, err := c.configSpec(ctx, vmObj, spec)
	if err != nil {
		return nil, err
	}
	task, err := c.vm(vmObj).Reconfigure(ctx, *cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "reconfigure %q", vmObj.Name)
	}
	return taskHandle(task), nil
}

func (c *Client) PowerOnVM(ctx context.Context, vmObj *vim.VirtualMachine) (*vim.Task, error) {
	task, err := c.vm(vmObj).PowerOn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "power on %q", vmObj.Name)
	}
	return taskHandle(task), nil
}

func (c *Client) PowerOffVM(ctx context.Context, vmObj *vim.VirtualMachine) (*vim.Task, error) {
	task, err := c.vm(vmObj).PowerOff(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "power off %q", vmObj.Name)
	}
	return taskHandle(task), nil
}

func (c *Client) DestroyVM(ctx context.Context, vmObj *vim.VirtualMachine) (*vim.Task, error) {
	task, err := c.vm(vmObj).Destroy(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "destroy %q", vmObj.Name)
	}
	return taskHandle(task), nil
}

func (c *Client) CreateSnapshot(ctx context.Context, vmObj *vim.VirtualMachine, name string, memory bool) (*vim.Task, error) {
	task, err := c.vm(vmObj).CreateSnapshot(ctx, name, "", memory, false)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot %q of %q", name, vmObj.Name)
	}
	return taskHandle(task), nil
}

func (c *Client) RemoveSnapshot(ctx context.Context, vmObj *vim.VirtualMachine, snap *vim.Snapshot) (*vim.Task, error) {
	req := types.RemoveSnapshot_Task{
		This:           types.ManagedObjectReference{Type: "VirtualMachineSnapshot", Value: snap.Ref},
		RemoveChildren: false,
	}
	res, err := methods.RemoveSnapshot_Task(ctx, c.vc, &req)
	if err != nil {
		return nil, errors.Wrapf(err, "remove snapshot %q of %q", snap.Name, vmObj.Name)
	}
	return &vim.Task{Ref: res.Returnval.Value, Status: vim.TaskPending}, nil
}

// RevertToSnapshot reverts to the named snapshot, or to the current one
// when snap is nil.
func (c *Client) RevertToSnapshot(ctx context.Context, vmObj *vim.VirtualMachine, snap *vim.Snapshot) (*vim.Task, error) {
	if snap == nil {
		task, err := c.vm(vmObj).RevertToCurrentSnapshot(ctx, false)
		if err != nil {
			return nil, errors.Wrapf(err, "revert %q", vmObj.Name)
		}
		return taskHandle(task), nil
	}
	req := types.RevertToSnapshot_Task{
		This: types.ManagedObjectReference{Type: "VirtualMachineSnapshot", Value: snap.Ref},
	}
	res, err := methods.RevertToSnapshot_Task(ctx, c.vc, &req)
	if err != nil {
		return nil, errors.Wrapf(err, "revert %q to %q", vmObj.Name, snap.Name)
	}
	return &vim.Task{Ref: res.Returnval.Value, Status: vim.TaskPending}, nil
}

func (c *Client) vm(vmObj *vim.VirtualMachine) *object.VirtualMachine {
	return object.NewVirtualMachine(c.vc, vmRef(vmObj))
}

func vmRef(vmObj *vim.VirtualMachine) types.ManagedObjectReference {
	return types.ManagedObjectReference{Type: "VirtualMachine", Value: vmObj.Ref}
}

func taskHandle(t *object.Task) *vim.Task {
	return &vim.Task{Ref: t.Reference().Value, Status: vim.TaskPending}
}
