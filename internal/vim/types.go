package vim

// TaskStatus is the explicit terminal/non-terminal state of a remote task.
// The client boundary decides the status once per refresh; workflows never
// infer completion from anything else.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskError   TaskStatus = "error"
)

// Task is a handle to one outstanding asynchronous server-side operation.
// It is created when a mutating call is issued and refreshed only through
// Client.RefreshMany.
type Task struct {
	Ref     string
	Status  TaskStatus
	Message string // server-reported fault detail when Status is TaskError
}

// Terminal reports whether the task has reached success or error.
func (t *Task) Terminal() bool {
	return t.Status == TaskSuccess || t.Status == TaskError
}

// PowerState mirrors the remote service's VM power states.
type PowerState string

const (
	PoweredOn  PowerState = "poweredOn"
	PoweredOff PowerState = "poweredOff"
	Suspended  PowerState = "suspended"
)

// VirtualMachine is a refreshable local snapshot of a remote VM. Fields
// reflect the last refresh, not live server state.
type VirtualMachine struct {
	Ref          string
	Name         string
	PowerState   PowerState
	Address      string // guest address, empty until the guest reports one
	ToolsRunning bool
	// CommittedBytes is the disk space committed by the VM summed over all
	// datastores; populated for base images, used for placement.
	CommittedBytes int64
}

// Datastore is a snapshot of a capacity-bearing placement target.
type Datastore struct {
	Ref           string
	Name          string
	FreeBytes     int64
	CapacityBytes int64
}

// Snapshot identifies a named VM snapshot.
type Snapshot struct {
	Ref  string
	Name string
}

// Handle is what a workflow can be suspended on between scheduler ticks:
// either a task awaiting a terminal status or a VM snapshot awaiting a
// polled condition.
type Handle interface {
	handle()
}

func (*Task) handle()           {}
func (*VirtualMachine) handle() {}
