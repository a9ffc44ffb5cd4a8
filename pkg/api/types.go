package api

// Public types for describing bulk VM operations. An Instance is both the
// input to a run (the desired VM parameters) and its output (the same
// struct with result fields filled in).

// Disk describes one additional virtual disk to attach after cloning.
type Disk struct {
	SizeMB       int64  `json:"size_mb" yaml:"size_mb"`
	Provisioning string `json:"provisioning,omitempty" yaml:"provisioning,omitempty"` // thin (default) or thick
	Mode         string `json:"mode,omitempty" yaml:"mode,omitempty"`                 // persistent (default), independent_persistent, ...
}

// NIC describes one additional network adapter to attach after cloning.
type NIC struct {
	Network string `json:"network" yaml:"network"`
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // e1000, pcnet32, vmxnet2, vmxnet3 (default)
}

// Hardware holds the optional post-clone reconfiguration of a VM.
type Hardware struct {
	MemoryMB int64  `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUs     int32  `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	Disks    []Disk `json:"disks,omitempty" yaml:"disks,omitempty"`
	NICs     []NIC  `json:"nics,omitempty" yaml:"nics,omitempty"`
}

// Instance is the per-VM workflow context: caller-supplied parameters plus
// the fields a workflow accumulates while running. Result fields are only
// read by the caller after the run has finished.
type Instance struct {
	VMName          string    `json:"vm_name" yaml:"vm_name"`
	BaseVM          string    `json:"base_vm,omitempty" yaml:"base_vm,omitempty"`
	Cluster         string    `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	DatastoreFilter string    `json:"datastore_filter,omitempty" yaml:"datastore_filter,omitempty"`
	Datastore       string    `json:"datastore,omitempty" yaml:"datastore,omitempty"` // explicit target, skips placement
	Placement       string    `json:"placement,omitempty" yaml:"placement,omitempty"` // random (default) or most-space
	ResourcePool    string    `json:"resource_pool,omitempty" yaml:"resource_pool,omitempty"`
	Folder          string    `json:"folder,omitempty" yaml:"folder,omitempty"`
	LinkedClone     bool      `json:"linked_clone,omitempty" yaml:"linked_clone,omitempty"`
	Hardware        *Hardware `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	GuestScript     string    `json:"guest_script,omitempty" yaml:"guest_script,omitempty"`
	Snapshot        string    `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	SkipSnapshot    bool      `json:"skip_snapshot,omitempty" yaml:"skip_snapshot,omitempty"`

	// Result fields, populated by the orchestrator.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	Power   string `json:"power,omitempty" yaml:"power,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Clone returns a deep copy of the instance. The orchestrator copies every
// instance on entry so a failing workflow cannot corrupt caller state.
func (in *Instance) Clone() *Instance {
	cp := *in
	if in.Hardware != nil {
		hw := *in.Hardware
		hw.Disks = append([]Disk(nil), in.Hardware.Disks...)
		hw.NICs = append([]NIC(nil), in.Hardware.NICs...)
		cp.Hardware = &hw
	}
	return &cp
}

// Failed reports whether the instance ended its workflow with an error.
func (in *Instance) Failed() bool { return in.Error != "" }
