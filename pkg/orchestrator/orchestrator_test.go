package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itohio/gotasknode/pkg/report"
	"github.com/itohio/gotasknode/pkg/sample"
	"github.com/itohio/gotasknode/pkg/sensor"
	"github.com/itohio/gotasknode/pkg/taskspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSampler returns fixed values and fails the kinds listed in fail.
type fakeSampler struct {
	mu    sync.Mutex
	fail  map[sensor.Kind]bool
	calls map[sensor.Kind]int
	delay time.Duration
}

func newFakeSampler(fail ...sensor.Kind) *fakeSampler {
	f := &fakeSampler{fail: map[sensor.Kind]bool{}, calls: map[sensor.Kind]int{}}
	for _, k := range fail {
		f.fail[k] = true
	}
	return f
}

func (f *fakeSampler) Sample(ctx context.Context, kind sensor.Kind, count int) (sensor.RawSample, error) {
	f.mu.Lock()
	f.calls[kind]++
	failing := f.fail[kind]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return sensor.RawSample{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if failing {
		return sensor.RawSample{}, sample.ErrNoValidSamples
	}
	return sensor.RawSample{
		Humidity:    45,
		Temperature: 22.5,
		Distance:    120,
		Accel:       sensor.Vector{X: 0.001, Y: -0.002, Z: 1},
	}, nil
}

func (f *fakeSampler) Plan(kind sensor.Kind) sample.Plan {
	return sample.Plan{Samples: 3}
}

func (f *fakeSampler) Calls(kind sensor.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// recordingSink collects every written line.
type recordingSink struct {
	mu    sync.Mutex
	lines []report.Line
	times []time.Time
}

func (s *recordingSink) WriteLine(l report.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, l)
	s.times = append(s.times, time.Now())
	return nil
}

func (s *recordingSink) Lines() []report.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]report.Line(nil), s.lines...)
}

func (s *recordingSink) Times() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.times...)
}

func (s *recordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

func spec(name string, period time.Duration, kinds ...sensor.Kind) taskspec.Spec {
	return taskspec.Spec{Name: name, Priority: 5, Period: period, Sensors: kinds}
}

func TestSpawnAll_StartsEverySpec(t *testing.T) {
	sink := &recordingSink{}
	o := New(newFakeSampler(), sink)
	defer o.StopAll()

	n := o.SpawnAll(context.Background(), []taskspec.Spec{
		spec("A", 10*time.Millisecond, sensor.DHT11),
		spec("B", 10*time.Millisecond, sensor.Ultrasonic),
		spec("C", 10*time.Millisecond, sensor.MPU6050),
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, o.Active())

	names := []string{}
	for _, h := range o.Handles() {
		names = append(names, h.Name())
		assert.Equal(t, 5, h.Priority())
	}
	assert.Equal(t, []string{"A", "B", "C"}, names)

	require.Eventually(t, func() bool {
		seen := map[string]bool{}
		for _, l := range sink.Lines() {
			seen[l.Task] = true
		}
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestSpawnAll_RegistryCapacity(t *testing.T) {
	o := New(newFakeSampler(), &recordingSink{})
	defer o.StopAll()

	specs := make([]taskspec.Spec, taskspec.MaxTasks+5)
	for i := range specs {
		specs[i] = spec(fmt.Sprintf("t%d", i), time.Hour)
	}

	assert.Equal(t, taskspec.MaxTasks, o.SpawnAll(context.Background(), specs))
	assert.Equal(t, taskspec.MaxTasks, o.Active())

	// A second batch finds the registry full
	assert.Equal(t, taskspec.MaxTasks, o.SpawnAll(context.Background(), specs[:1]))
}

func TestSpawnAll_LaunchFailureSkipsSpec(t *testing.T) {
	o := New(newFakeSampler(), &recordingSink{})
	defer o.StopAll()

	calls := 0
	o.launch = func(run func()) error {
		calls++
		if calls == 2 {
			return errors.New("out of memory")
		}
		go run()
		return nil
	}

	n := o.SpawnAll(context.Background(), []taskspec.Spec{
		spec("A", time.Hour),
		spec("B", time.Hour),
		spec("C", time.Hour),
	})
	assert.Equal(t, 2, n)

	var names []string
	for _, h := range o.Handles() {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{"A", "C"}, names)
}

func TestRoutine_SuccessfulCycleLine(t *testing.T) {
	sink := &recordingSink{}
	o := New(newFakeSampler(), sink)
	defer o.StopAll()

	o.SpawnAll(context.Background(), []taskspec.Spec{spec("T1", time.Hour, sensor.DHT11)})

	require.Eventually(t, func() bool { return sink.Count() == 1 }, time.Second, time.Millisecond)
	l := sink.Lines()[0]
	assert.True(t, l.OK)
	assert.Equal(t, "[T1] H:45.0% T:22.5C Dist:0cm AccX:0.000g AccY:0.000g AccZ:0.000g\n", l.String())
}

func TestRoutine_FailureIsPerCycleAndIndependent(t *testing.T) {
	sampler := newFakeSampler(sensor.DHT11)
	sink := &recordingSink{}
	o := New(sampler, sink)

	o.SpawnAll(context.Background(), []taskspec.Spec{
		spec("mixed", 5*time.Millisecond, sensor.DHT11, sensor.Ultrasonic, sensor.MPU6050),
	})

	require.Eventually(t, func() bool { return sink.Count() >= 3 }, time.Second, time.Millisecond)
	o.StopAll()

	for _, l := range sink.Lines() {
		assert.False(t, l.OK)
		assert.Equal(t, "[mixed] Read error\n", l.String())
	}
	// Remaining sensors are still attempted after a failure; the last cycle
	// may have been cut short by StopAll
	dht := float64(sampler.Calls(sensor.DHT11))
	assert.GreaterOrEqual(t, dht, float64(3))
	assert.InDelta(t, dht, float64(sampler.Calls(sensor.Ultrasonic)), 1)
	assert.InDelta(t, dht, float64(sampler.Calls(sensor.MPU6050)), 1)
}

func TestRoutine_NoneSlotIsNoOp(t *testing.T) {
	sampler := newFakeSampler()
	sink := &recordingSink{}
	o := New(sampler, sink)
	defer o.StopAll()

	o.SpawnAll(context.Background(), []taskspec.Spec{
		spec("odd", time.Hour, sensor.None, sensor.Ultrasonic, sensor.None),
	})

	require.Eventually(t, func() bool { return sink.Count() == 1 }, time.Second, time.Millisecond)
	l := sink.Lines()[0]
	assert.True(t, l.OK)
	assert.Equal(t, 120, l.Reading.Distance)
	assert.Equal(t, float32(0), l.Reading.Humidity)
	assert.Equal(t, 0, sampler.Calls(sensor.None))
}

func TestRoutine_OnlyNoneSlotsStillSucceed(t *testing.T) {
	sink := &recordingSink{}
	o := New(newFakeSampler(), sink)
	defer o.StopAll()

	o.SpawnAll(context.Background(), []taskspec.Spec{spec("idle", time.Hour, sensor.None)})

	require.Eventually(t, func() bool { return sink.Count() == 1 }, time.Second, time.Millisecond)
	assert.True(t, sink.Lines()[0].OK)
}

func TestRoutine_FixedRate(t *testing.T) {
	sampler := newFakeSampler()
	sampler.delay = 8 * time.Millisecond // work inside the cycle
	sink := &recordingSink{}
	o := New(sampler, sink)

	period := 25 * time.Millisecond
	o.SpawnAll(context.Background(), []taskspec.Spec{spec("rate", period, sensor.DHT11)})

	require.Eventually(t, func() bool { return sink.Count() >= 6 }, 2*time.Second, time.Millisecond)
	o.StopAll()

	times := sink.Times()
	// Cycle work does not accumulate: the average interval stays at the period
	avg := times[len(times)-1].Sub(times[0]) / time.Duration(len(times)-1)
	assert.InDelta(t, float64(period), float64(avg), float64(6*time.Millisecond))
}

func TestRoutine_TimerLatenessDoesNotAccumulate(t *testing.T) {
	o := New(newFakeSampler(), &recordingSink{})

	period := 5 * time.Millisecond
	window := 1002 * time.Millisecond
	require.Equal(t, 1, o.SpawnAll(context.Background(), []taskspec.Spec{spec("tick", period, sensor.None)}))
	h := o.Handles()[0]

	time.Sleep(window)
	o.StopAll()

	// One cycle at start, then one per elapsed period
	want := uint64(window/period) + 1
	assert.GreaterOrEqual(t, h.Cycles(), want-2)
	assert.LessOrEqual(t, h.Cycles(), want+1)
}

func TestRoutine_OverrunRunsImmediately(t *testing.T) {
	sampler := newFakeSampler()
	sampler.delay = 30 * time.Millisecond
	sink := &recordingSink{}
	o := New(sampler, sink)

	o.SpawnAll(context.Background(), []taskspec.Spec{spec("slow", 10*time.Millisecond, sensor.DHT11)})

	require.Eventually(t, func() bool { return sink.Count() >= 4 }, 2*time.Second, time.Millisecond)
	o.StopAll()

	times := sink.Times()
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		// No idle wait was added, and no catch-up burst happened
		assert.Less(t, gap, 50*time.Millisecond)
		assert.GreaterOrEqual(t, gap, 25*time.Millisecond)
	}
}

func TestStopAll_ResetsRegistryAndSilencesRoutines(t *testing.T) {
	sink := &recordingSink{}
	o := New(newFakeSampler(), sink)

	specs := []taskspec.Spec{
		spec("A", 2*time.Millisecond, sensor.DHT11),
		spec("B", 3*time.Millisecond, sensor.Ultrasonic),
		spec("C", 4*time.Millisecond, sensor.MPU6050, sensor.DHT11),
	}
	require.Equal(t, 3, o.SpawnAll(context.Background(), specs))
	handles := o.Handles()

	require.Eventually(t, func() bool { return sink.Count() >= 10 }, time.Second, time.Millisecond)
	o.StopAll()

	assert.Equal(t, 0, o.Active())
	assert.Empty(t, o.Handles())
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatalf("routine %s still running", h.Name())
		}
		assert.Equal(t, Stopped, h.State())
	}

	after := sink.Count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, sink.Count(), "no lines after StopAll")

	// The registry can be filled again
	assert.Equal(t, 1, o.SpawnAll(context.Background(), specs[:1]))
	o.StopAll()
}

func TestStopAll_CancelsMidSampleWithoutReport(t *testing.T) {
	sampler := newFakeSampler()
	sampler.delay = time.Hour
	sink := &recordingSink{}
	o := New(sampler, sink)

	o.SpawnAll(context.Background(), []taskspec.Spec{spec("stuck", time.Millisecond, sensor.DHT11)})
	require.Eventually(t, func() bool { return sampler.Calls(sensor.DHT11) == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		o.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StopAll did not return")
	}
	assert.Equal(t, 0, sink.Count())
}

func TestStopAll_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := New(newFakeSampler(), &recordingSink{})

	o.SpawnAll(ctx, []taskspec.Spec{spec("A", time.Hour)})
	h := o.Handles()[0]
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("routine ignored parent cancellation")
	}
	o.StopAll()
	assert.Equal(t, 0, o.Active())
}

func TestHandle_SpecIsDetached(t *testing.T) {
	o := New(newFakeSampler(), &recordingSink{})
	defer o.StopAll()

	kinds := []sensor.Kind{sensor.DHT11}
	o.SpawnAll(context.Background(), []taskspec.Spec{spec("A", time.Hour, kinds...)})
	kinds[0] = sensor.MPU6050

	h := o.Handles()[0]
	assert.Equal(t, []sensor.Kind{sensor.DHT11}, h.Spec().Sensors)
	assert.NotEqual(t, h.ID().String(), "")
}

func TestRoutine_CyclesCounted(t *testing.T) {
	var writes atomic.Int32
	sink := sinkFunc(func(report.Line) error {
		writes.Add(1)
		return errors.New("tx busy")
	})
	o := New(newFakeSampler(), sink)

	o.SpawnAll(context.Background(), []taskspec.Spec{spec("A", time.Millisecond, sensor.DHT11)})
	h := o.Handles()[0]
	require.Eventually(t, func() bool { return h.Cycles() >= 3 }, time.Second, time.Millisecond)
	o.StopAll()

	// Sink errors do not stop the routine
	assert.GreaterOrEqual(t, writes.Load(), int32(3))
}

type sinkFunc func(report.Line) error

func (f sinkFunc) WriteLine(l report.Line) error { return f(l) }

func TestState_String(t *testing.T) {
	assert.Equal(t, "sleeping", Sleeping.String())
	assert.Equal(t, "polling", Polling.String())
	assert.Equal(t, "formatting", Formatting.String())
	assert.Equal(t, "reporting", Reporting.String())
	assert.Equal(t, "stopped", Stopped.String())
}
