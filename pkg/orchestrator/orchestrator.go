// Package orchestrator runs one fixed-rate polling routine per task spec
// and tracks them in a bounded registry.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itohio/gotasknode/pkg/report"
	"github.com/itohio/gotasknode/pkg/sample"
	"github.com/itohio/gotasknode/pkg/sensor"
	"github.com/itohio/gotasknode/pkg/taskspec"
)

// Sampler produces one averaged sample per sensor kind.
type Sampler interface {
	Sample(ctx context.Context, kind sensor.Kind, count int) (sensor.RawSample, error)
	Plan(kind sensor.Kind) sample.Plan
}

// Sink receives the formatted outcome of every cycle.
type Sink interface {
	WriteLine(l report.Line) error
}

// Orchestrator owns the registry of running routines. SpawnAll and StopAll
// are meant to be called from the entry point only and must not race with
// each other.
type Orchestrator struct {
	sampler Sampler
	sink    Sink

	mu       sync.Mutex // guards registry snapshots
	registry Registry

	// launch starts a routine; replaced in tests to simulate refusal.
	launch func(run func()) error
}

// New creates an orchestrator whose routines sample through sampler and
// report to sink.
func New(sampler Sampler, sink Sink) *Orchestrator {
	return &Orchestrator{
		sampler: sampler,
		sink:    sink,
		launch: func(run func()) error {
			go run()
			return nil
		},
	}
}

// SpawnAll starts one routine per spec, in order. Specs that cannot be
// started are logged and skipped. It returns the number of active routines.
func (o *Orchestrator) SpawnAll(ctx context.Context, specs []taskspec.Spec) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, spec := range specs {
		if o.registry.Full() {
			log.Printf("Failed to create task %s: %v", spec.Name, ErrRegistryFull)
			continue
		}

		rctx, cancel := context.WithCancel(ctx)
		h := newHandle(spec, cancel)
		if err := o.launch(func() { o.run(rctx, h) }); err != nil {
			cancel()
			log.Printf("Failed to create task %s: %v", spec.Name, err)
			continue
		}

		// Cannot fail, fullness was checked above
		_ = o.registry.Add(h)
		log.Printf("Created task: %s (priority=%d, period=%v, sensors=%d)",
			spec.Name, spec.Priority, spec.Period, len(spec.Sensors))
	}

	return o.registry.Len()
}

// StopAll cancels every routine and waits for each to exit. Routines stop
// at a cycle boundary, so no bus or log lock is held when they exit.
// No routine writes to the sink after StopAll returns.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	defer o.mu.Unlock()

	handles := o.registry.Reset()
	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}

	log.Printf("All tasks stopped (%d)", len(handles))
}

// Active returns the number of registered routines.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.Len()
}

// Handles returns a snapshot of the registered routines.
func (o *Orchestrator) Handles() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.Handles()
}

// run is the fixed-rate loop of one routine:
// Sleeping -> Polling -> Formatting -> Reporting -> Sleeping.
func (o *Orchestrator) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer h.setState(Stopped)

	next := time.Now()
	for {
		// Sleeping is the only point where cancellation is honored
		h.setState(Sleeping)
		if !waitUntil(ctx, next) {
			return
		}

		line, ok := o.poll(ctx, h)
		if !ok {
			return
		}

		h.setState(Reporting)
		if err := o.sink.WriteLine(line); err != nil {
			log.Printf("Task %s: %v", h.spec.Name, err)
		}
		h.cycles.Add(1)

		// Fixed rate from the planned wake time. An overrun cycle is followed
		// immediately by the next one, which re-anchors the schedule instead
		// of bursting to catch up.
		next = next.Add(h.spec.Period)
		if now := time.Now(); next.Before(now) {
			next = now
		}
	}
}

// poll samples every sensor of the task and formats the cycle outcome.
// It reports false when the routine was cancelled mid-cycle.
func (o *Orchestrator) poll(ctx context.Context, h *Handle) (report.Line, bool) {
	h.setState(Polling)

	var reading sensor.Reading
	failed := false
	for _, kind := range h.spec.Sensors {
		if kind == sensor.None {
			continue
		}
		s, err := o.sampler.Sample(ctx, kind, o.sampler.Plan(kind).Samples)
		if err != nil {
			if ctx.Err() != nil {
				return report.Line{}, false
			}
			log.Printf("Task %s: %v", h.spec.Name, err)
			failed = true
			continue
		}
		reading.Apply(kind, s)
	}

	h.setState(Formatting)
	if failed {
		return report.Failure(h.spec.Name), true
	}
	return report.Success(h.spec.Name, reading), true
}

// waitUntil sleeps until t. It returns false if ctx is done first.
func waitUntil(ctx context.Context, t time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
