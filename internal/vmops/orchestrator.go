package vmops

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/pkg/api"
)

const (
	// DefaultTickInterval paces the scheduler loop between batched
	// refreshes.
	DefaultTickInterval = 2 * time.Second
	// DefaultProgressEvery is how often the count of still-active
	// workflows is logged.
	DefaultProgressEvery = 10 * time.Second
)

// Factory builds the workflow for one instance context.
type Factory func(inst *api.Instance) Workflow

// Runner drives many independent workflows forward in lockstep ticks. All
// blocking I/O between ticks is the single batched refresh; workflows
// themselves only issue calls while being resumed. A failure in one
// workflow is captured into its instance and never affects a sibling.
type Runner struct {
	Client vim.Client
	Log    zerolog.Logger
	// TickInterval defaults to DefaultTickInterval; negative disables
	// pacing entirely (used by tests).
	TickInterval  time.Duration
	ProgressEvery time.Duration
	// MaxTicks bounds the loop; 0 means run until every workflow is
	// terminal. When exceeded, remaining workflows are failed in-band.
	MaxTicks int
}

// RunOnInstances runs one workflow per instance until all are terminal.
// The returned map holds every input id exactly once, each with either its
// success fields or Error populated. The only error returned is context
// cancellation; per-workflow failures stay in-band.
func (r *Runner) RunOnInstances(ctx context.Context, instances map[string]*api.Instance, factory Factory) (map[string]*api.Instance, error) {
	tick := r.TickInterval
	if tick == 0 {
		tick = DefaultTickInterval
	}
	progressEvery := r.ProgressEvery
	if progressEvery == 0 {
		progressEvery = DefaultProgressEvery
	}

	updated := make(map[string]*api.Instance, len(instances))
	active := make(map[string]Workflow, len(instances))
	handles := make(map[string]vim.Handle, len(instances))
	for id, inst := range instances {
		cp := inst.Clone()
		updated[id] = cp
		active[id] = factory(cp)
		handles[id] = nil
	}

	nextReport := time.Now().Add(progressEvery)
	ticks := 0
	for len(active) > 0 {
		if err := ctx.Err(); err != nil {
			return updated, err
		}

		if outstanding(handles) {
			ok, refreshed, err := r.Client.RefreshMany(ctx, handles)
			if err != nil || !ok {
				// Transient refresh failure: keep the old handles and try
				// again next tick.
				r.Log.Debug().Err(err).Msg("batched refresh failed, retrying next tick")
			} else {
				handles = refreshed
			}
		}

		for id, wf := range active {
			out := r.resume(ctx, wf, handles[id])
			switch {
			case out.Err != nil:
				updated[id].Error = fmt.Sprintf("%+v", out.Err)
				r.Log.Error().Str("id", id).Err(out.Err).Msg("workflow failed")
				delete(active, id)
				delete(handles, id)
			case out.Done:
				delete(active, id)
				delete(handles, id)
			default:
				handles[id] = out.Wait
			}
		}
		if len(active) == 0 {
			break
		}

		if time.Now().After(nextReport) {
			r.Log.Info().Int("active", len(active)).Msg("workflows still waiting")
			nextReport = time.Now().Add(progressEvery)
		}

		ticks++
		if r.MaxTicks > 0 && ticks >= r.MaxTicks {
			for id := range active {
				updated[id].Error = fmt.Sprintf("workflow still active after %d ticks", ticks)
				delete(active, id)
			}
			break
		}

		if tick > 0 {
			select {
			case <-ctx.Done():
				return updated, ctx.Err()
			case <-time.After(tick):
			}
		}
	}
	return updated, nil
}

// resume isolates one workflow step: a panic inside a workflow is
// converted into a captured failure instead of taking the batch down.
func (r *Runner) resume(ctx context.Context, wf Workflow, h vim.Handle) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Outcome{Err: errors.Errorf("workflow panicked: %v", p)}
		}
	}()
	return wf.Resume(ctx, h)
}

func outstanding(handles map[string]vim.Handle) bool {
	for _, h := range handles {
		if h != nil {
			return true
		}
	}
	return false
}
