package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/itohio/gotasknode/pkg/sensor"
	"github.com/itohio/gotasknode/pkg/taskspec"
)

// ErrRegistryFull is returned when all registry slots are taken.
var ErrRegistryFull = errors.New("task registry full")

// State is the phase of a polling routine's cycle.
type State int32

const (
	Sleeping State = iota
	Polling
	Formatting
	Reporting
	Stopped
)

func (s State) String() string {
	switch s {
	case Sleeping:
		return "sleeping"
	case Polling:
		return "polling"
	case Formatting:
		return "formatting"
	case Reporting:
		return "reporting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handle tracks one running polling routine. The spec it holds is owned by
// the routine and never mutated.
type Handle struct {
	id     uuid.UUID
	spec   taskspec.Spec
	state  atomic.Int32
	cycles atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func newHandle(spec taskspec.Spec, cancel context.CancelFunc) *Handle {
	// Detach from the caller's slice
	spec.Sensors = append([]sensor.Kind(nil), spec.Sensors...)
	return &Handle{
		id:     uuid.New(),
		spec:   spec,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the unique routine identifier.
func (h *Handle) ID() uuid.UUID { return h.id }

// Name returns the task name.
func (h *Handle) Name() string { return h.spec.Name }

// Priority returns the declared task priority. The Go scheduler has no
// goroutine priorities, so it is informational.
func (h *Handle) Priority() int { return h.spec.Priority }

// Spec returns a copy of the task spec.
func (h *Handle) Spec() taskspec.Spec {
	s := h.spec
	s.Sensors = append([]sensor.Kind(nil), h.spec.Sensors...)
	return s
}

// State returns the current cycle phase.
func (h *Handle) State() State { return State(h.state.Load()) }

// Cycles returns the number of completed report cycles.
func (h *Handle) Cycles() uint64 { return h.cycles.Load() }

// Done is closed once the routine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) setState(s State) { h.state.Store(int32(s)) }

// Registry is a fixed-capacity ordered set of running routines.
type Registry struct {
	handles [taskspec.MaxTasks]*Handle
	active  int
}

// Full reports whether no slot is left.
func (r *Registry) Full() bool {
	return r.active >= len(r.handles)
}

// Add appends h, failing with ErrRegistryFull when no slot is left.
func (r *Registry) Add(h *Handle) error {
	if r.Full() {
		return ErrRegistryFull
	}
	r.handles[r.active] = h
	r.active++
	return nil
}

// Len returns the number of active entries.
func (r *Registry) Len() int {
	return r.active
}

// Handles returns the active handles in registration order.
func (r *Registry) Handles() []*Handle {
	return append([]*Handle(nil), r.handles[:r.active]...)
}

// Reset clears the registry and returns the handles it held.
func (r *Registry) Reset() []*Handle {
	hs := r.Handles()
	for i := range r.handles {
		r.handles[i] = nil
	}
	r.active = 0
	return hs
}
