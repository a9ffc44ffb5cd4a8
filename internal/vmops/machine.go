package vmops

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mkosonen/vmherd/internal/vim"
)

// Clock abstracts wall time so wait timeouts are deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Outcome is the scheduler-visible result of resuming a workflow once.
// Exactly one of the three conditions holds: still waiting on Wait, Done,
// or failed with Err.
type Outcome struct {
	Wait vim.Handle
	Done bool
	Err  error
}

// Workflow is one resumable multi-phase procedure operating on one VM.
// The orchestrator resumes it once per tick with the latest refreshed
// handle; between ticks the workflow holds no connection to the service.
type Workflow interface {
	Resume(ctx context.Context, latest vim.Handle) Outcome
}

// Phase is one stage of a workflow. Run issues at most one remote mutating
// call and returns the handle to suspend on, or nil to complete inline.
// When Poll is set the phase is a predicate wait: Run supplies the entity
// handle and Poll is evaluated against the refreshed snapshot every tick.
// Task waits (Poll nil) complete when the task reaches a terminal status.
type Phase struct {
	Name string
	Run  func(ctx context.Context) (vim.Handle, error)
	Poll func(latest vim.Handle) (bool, error)
	// Timeout bounds a predicate wait; zero means unbounded. Task waits
	// are bounded by the machine-wide task timeout instead.
	Timeout time.Duration
	// OnDone runs with the final refreshed handle once the wait completes.
	// It may issue synchronous queries but never a mutating call.
	OnDone func(ctx context.Context, latest vim.Handle) error
}

// Machine drives a fixed phase sequence as an explicit state machine. It
// suspends only at task and predicate waits; consecutive inline phases run
// within a single Resume, like the generator it replaces.
type Machine struct {
	name        string
	log         zerolog.Logger
	clock       Clock
	taskTimeout time.Duration
	phases      []Phase

	idx      int
	waiting  bool
	deadline time.Time
}

// NewMachine builds a machine over the given phases. A zero taskTimeout
// disables the per-task bound.
func NewMachine(name string, log zerolog.Logger, clock Clock, taskTimeout time.Duration, phases []Phase) *Machine {
	if clock == nil {
		clock = systemClock{}
	}
	return &Machine{
		name:        name,
		log:         log.With().Str("workflow", name).Logger(),
		clock:       clock,
		taskTimeout: taskTimeout,
		phases:      phases,
	}
}

// Resume advances the machine with the latest refreshed handle. It never
// issues a second mutating call while a previous task is outstanding: a
// new phase only runs once the previous wait has completed.
func (m *Machine) Resume(ctx context.Context, latest vim.Handle) Outcome {
	for m.idx < len(m.phases) {
		ph := &m.phases[m.idx]

		if !m.waiting {
			h, err := ph.Run(ctx)
			if err != nil {
				return Outcome{Err: errors.WithStack(err)}
			}
			if h == nil {
				m.idx++
				continue
			}
			m.waiting = true
			m.deadline = time.Time{}
			if ph.Poll != nil {
				if ph.Timeout > 0 {
					m.deadline = m.clock.Now().Add(ph.Timeout)
				}
			} else if m.taskTimeout > 0 {
				m.deadline = m.clock.Now().Add(m.taskTimeout)
			}
			m.log.Debug().Str("phase", ph.Name).Msg("waiting")
			return Outcome{Wait: h}
		}

		if ph.Poll != nil {
			ok, err := ph.Poll(latest)
			if err != nil {
				return Outcome{Err: errors.WithStack(err)}
			}
			if !ok {
				if m.expired() {
					return Outcome{Err: errors.Errorf("%s: %s timed out after %s", m.name, ph.Name, ph.Timeout)}
				}
				return Outcome{Wait: latest}
			}
		} else {
			task, ok := latest.(*vim.Task)
			if !ok {
				return Outcome{Err: errors.Errorf("%s: %s resumed with a non-task handle", m.name, ph.Name)}
			}
			switch task.Status {
			case vim.TaskSuccess:
			case vim.TaskError:
				return Outcome{Err: errors.Errorf("%s: %s failed: %s", m.name, ph.Name, task.Message)}
			default:
				if m.expired() {
					return Outcome{Err: errors.Errorf("%s: %s task timed out after %s", m.name, ph.Name, m.taskTimeout)}
				}
				return Outcome{Wait: latest}
			}
		}

		if ph.OnDone != nil {
			if err := ph.OnDone(ctx, latest); err != nil {
				return Outcome{Err: errors.WithStack(err)}
			}
		}
		m.log.Debug().Str("phase", ph.Name).Msg("done")
		m.waiting = false
		m.idx++
	}
	return Outcome{Done: true}
}

func (m *Machine) expired() bool {
	return !m.deadline.IsZero() && m.clock.Now().After(m.deadline)
}
