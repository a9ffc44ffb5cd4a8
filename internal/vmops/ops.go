package vmops

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mkosonen/vmherd/internal/vim"
)

const (
	// DefaultTaskTimeout bounds every task wait. The remote service keeps
	// tasks around well past completion, so ten minutes of no terminal
	// status means something is stuck.
	DefaultTaskTimeout = 10 * time.Minute
	// DefaultToolsTimeout bounds the guest-tooling wait in the clone
	// workflow.
	DefaultToolsTimeout = 60 * time.Second

	cacheSize = 64
)

// GuestRunner applies an in-guest configuration script to a VM that has
// reported an address.
type GuestRunner interface {
	RunScript(ctx context.Context, addr, scriptPath string) (string, error)
}

// Options configures an Ops. Zero values pick the defaults above.
type Options struct {
	Log          zerolog.Logger
	Guest        GuestRunner
	Clock        Clock
	TaskTimeout  time.Duration
	ToolsTimeout time.Duration
	// Intn overrides the random source for the random placement strategy.
	Intn func(n int) int
}

// baseImage is the run-scoped cached view of a clone source: the VM, its
// committed size and the candidate datastores for placement.
type baseImage struct {
	vm         *vim.VirtualMachine
	size       int64
	datastores []*vim.Datastore
}

// Ops builds workflows over one client connection. The base-image and
// cluster-datastore caches are shared by all workflows of a run, populated
// lazily under a single lock and never invalidated: staleness across runs
// is accepted, the caches die with the Ops.
type Ops struct {
	client       vim.Client
	guest        GuestRunner
	log          zerolog.Logger
	clock        Clock
	taskTimeout  time.Duration
	toolsTimeout time.Duration
	intn         func(n int) int

	mu        sync.Mutex
	bases     *lru.Cache[string, *baseImage]
	clusterDS *lru.Cache[string, []*vim.Datastore]
}

// NewOps creates a workflow builder over the given client.
func NewOps(client vim.Client, opts Options) *Ops {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.TaskTimeout == 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.ToolsTimeout == 0 {
		opts.ToolsTimeout = DefaultToolsTimeout
	}
	if opts.Intn == nil {
		opts.Intn = rand.Intn
	}
	bases, _ := lru.New[string, *baseImage](cacheSize)
	clusterDS, _ := lru.New[string, []*vim.Datastore](cacheSize)
	return &Ops{
		client:       client,
		guest:        opts.Guest,
		log:          opts.Log,
		clock:        opts.Clock,
		taskTimeout:  opts.TaskTimeout,
		toolsTimeout: opts.ToolsTimeout,
		intn:         opts.Intn,
		bases:        bases,
		clusterDS:    clusterDS,
	}
}

// baseFor resolves the clone source for an instance, cached by name.
func (o *Ops) baseFor(ctx context.Context, name, cluster, filter string) (*baseImage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if base, ok := o.bases.Get(name); ok {
		return base, nil
	}
	vmObj, err := o.client.FindVM(ctx, name)
	if err != nil {
		return nil, err
	}
	if vmObj == nil {
		return nil, errors.Errorf("base VM %q not found", name)
	}
	if vmObj.CommittedBytes <= 0 {
		return nil, errors.Errorf("base VM %q reports zero committed size", name)
	}
	var datastores []*vim.Datastore
	if cluster != "" {
		datastores, err = o.clusterDatastoresLocked(ctx, cluster)
	} else {
		datastores, err = o.client.Datastores(ctx)
	}
	if err != nil {
		return nil, err
	}
	var candidates []*vim.Datastore
	names := make([]string, 0, len(datastores))
	for _, ds := range datastores {
		if strings.Contains(ds.Name, filter) {
			candidates = append(candidates, ds)
			names = append(names, ds.Name)
		}
	}
	o.log.Debug().Str("base", name).Strs("datastores", names).Msg("base image resolved")
	base := &baseImage{vm: vmObj, size: vmObj.CommittedBytes, datastores: candidates}
	o.bases.Add(name, base)
	return base, nil
}

func (o *Ops) clusterDatastoresLocked(ctx context.Context, cluster string) ([]*vim.Datastore, error) {
	if dss, ok := o.clusterDS.Get(cluster); ok {
		return dss, nil
	}
	dss, err := o.client.ClusterDatastores(ctx, cluster)
	if err != nil {
		return nil, err
	}
	o.clusterDS.Add(cluster, dss)
	return dss, nil
}

// mustFindVM resolves a VM that the workflow requires to exist.
func (o *Ops) mustFindVM(ctx context.Context, name string) (*vim.VirtualMachine, error) {
	vmObj, err := o.client.FindVM(ctx, name)
	if err != nil {
		return nil, err
	}
	if vmObj == nil {
		return nil, errors.Errorf("VM %q not found", name)
	}
	return vmObj, nil
}

// asVM narrows a refreshed handle for predicate polls.
func asVM(h vim.Handle) (*vim.VirtualMachine, error) {
	vmObj, ok := h.(*vim.VirtualMachine)
	if !ok {
		return nil, errors.Errorf("expected VM snapshot handle, got %T", h)
	}
	return vmObj, nil
}
