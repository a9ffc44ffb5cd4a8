package vim

import "context"

// CloneSpec describes one clone call.
type CloneSpec struct {
	Name string
	// Datastore is the placement target. Required; chosen by the caller
	// either explicitly or through a placement strategy.
	Datastore *Datastore
	// ResourcePool and Folder are optional names/inventory paths. Empty
	// values inherit from the base VM's surroundings.
	ResourcePool string
	Folder       string
	Linked       bool
}

// DiskSpec describes one virtual disk to add during reconfiguration.
type DiskSpec struct {
	SizeMB int64
	Thin   bool
	Mode   string
}

// NICSpec describes one network adapter to add during reconfiguration.
type NICSpec struct {
	Network string
	Type    string
}

// HardwareSpec is a validated hardware reconfiguration request.
type HardwareSpec struct {
	MemoryMB int64
	NumCPUs  int32
	Disks    []DiskSpec
	NICs     []NICSpec
}

// Client is the narrow interface the orchestration core requires of the
// remote infrastructure service. Mutating calls begin long-running
// server-side operations and return a Task; queries are synchronous.
//
// RefreshMany refreshes every non-nil handle in one remote round trip.
// Nil entries are returned unchanged. If the service returns fewer
// entities than requested the call is a soft failure: ok is false and the
// original handles are returned untouched so the caller can retry on its
// next tick.
type Client interface {
	// FindVM returns (nil, nil) when no VM has the given name.
	FindVM(ctx context.Context, name string) (*VirtualMachine, error)
	Datastores(ctx context.Context) ([]*Datastore, error)
	ClusterDatastores(ctx context.Context, cluster string) ([]*Datastore, error)
	SnapshotsByName(ctx context.Context, vm *VirtualMachine, name string) ([]*Snapshot, error)

	CloneVM(ctx context.Context, base *VirtualMachine, spec CloneSpec) (*Task, error)
	ReconfigureVM(ctx context.Context, vm *VirtualMachine, spec HardwareSpec) (*Task, error)
	PowerOnVM(ctx context.Context, vm *VirtualMachine) (*Task, error)
	PowerOffVM(ctx context.Context, vm *VirtualMachine) (*Task, error)
	DestroyVM(ctx context.Context, vm *VirtualMachine) (*Task, error)
	CreateSnapshot(ctx context.Context, vm *VirtualMachine, name string, memory bool) (*Task, error)
	RemoveSnapshot(ctx context.Context, vm *VirtualMachine, snap *Snapshot) (*Task, error)
	// RevertToSnapshot reverts to the given snapshot, or to the current
	// snapshot when snap is nil.
	RevertToSnapshot(ctx context.Context, vm *VirtualMachine, snap *Snapshot) (*Task, error)

	RefreshMany(ctx context.Context, handles map[string]Handle) (ok bool, refreshed map[string]Handle, err error)
}
