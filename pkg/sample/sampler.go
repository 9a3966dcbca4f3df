package sample

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/gotasknode/pkg/arbiter"
	"github.com/itohio/gotasknode/pkg/config"
	"github.com/itohio/gotasknode/pkg/sensor"
)

var (
	// ErrNoValidSamples is returned when every repetition of a run failed.
	ErrNoValidSamples = errors.New("no valid samples")
	// ErrNoSensor is returned when no driver is registered for a kind.
	ErrNoSensor = errors.New("no sensor for kind")
)

// Plan is the averaging plan of one sensor kind, tuned to its settling time.
type Plan struct {
	Samples int
	Delay   time.Duration // Delay between repetitions, not after the last
}

// Plans maps sensor kinds to their averaging plans.
type Plans map[sensor.Kind]Plan

// PlansFromConfig builds the per kind plans from configuration.
func PlansFromConfig(cfg config.SamplingConfig) Plans {
	return Plans{
		sensor.DHT11:      Plan{Samples: cfg.DHT11.Samples, Delay: cfg.DHT11.Delay},
		sensor.Ultrasonic: Plan{Samples: cfg.Ultrasonic.Samples, Delay: cfg.Ultrasonic.Delay},
		sensor.MPU6050:    Plan{Samples: cfg.MPU6050.Samples, Delay: cfg.MPU6050.Delay},
	}
}

// Sampler reduces repeated single-shot reads to one averaged sample.
type Sampler struct {
	locks   *arbiter.Locks
	sensors map[sensor.Kind]sensor.Sensor
	plans   Plans
}

// New creates a sampler over the given drivers. Access to each driver is
// serialized through locks.
func New(locks *arbiter.Locks, sensors map[sensor.Kind]sensor.Sensor, plans Plans) *Sampler {
	if plans == nil {
		plans = PlansFromConfig(config.Default().Sampling)
	}
	return &Sampler{
		locks:   locks,
		sensors: sensors,
		plans:   plans,
	}
}

// Plan returns the averaging plan for kind.
func (s *Sampler) Plan(kind sensor.Kind) Plan {
	return s.plans[kind]
}

// Init brings up every driver that needs it, under its bus lock, then waits
// for warmup so the sensors settle. Failures are logged; reads of such a
// sensor keep failing.
func (s *Sampler) Init(ctx context.Context, warmup time.Duration) error {
	for _, kind := range sensor.Kinds {
		dev, ok := s.sensors[kind].(sensor.Initializer)
		if !ok {
			continue
		}
		var err error
		s.locks.Do(kind, func() { err = dev.Init() })
		if err != nil {
			log.Printf("Failed to initialize %s: %v", kind, err)
			continue
		}
		log.Printf("Initialized %s", kind)
	}

	return sleep(ctx, warmup)
}

// Sample performs count single-shot reads of kind and returns the mean of
// the valid ones. The bus lock is held only for the read itself.
func (s *Sampler) Sample(ctx context.Context, kind sensor.Kind, count int) (sensor.RawSample, error) {
	dev, ok := s.sensors[kind]
	if !ok || dev == nil {
		return sensor.RawSample{}, fmt.Errorf("%s: %w", kind, ErrNoSensor)
	}
	if count <= 0 {
		return sensor.RawSample{}, fmt.Errorf("%s: %w", kind, ErrNoValidSamples)
	}

	delay := s.plans[kind].Delay

	var acc accumulator
	for i := 0; i < count; i++ {
		var raw sensor.RawSample
		var err error
		s.locks.Do(kind, func() { raw, err = readOnce(dev) })

		if err == nil && valid(kind, raw) {
			acc.add(raw)
		}

		if i < count-1 {
			if err := sleep(ctx, delay); err != nil {
				return sensor.RawSample{}, err
			}
		}
	}

	if acc.n == 0 {
		return sensor.RawSample{}, fmt.Errorf("%s: %w", kind, ErrNoValidSamples)
	}
	return acc.mean(), nil
}

// readOnce calls the driver and turns a driver panic into a failed read.
func readOnce(dev sensor.Sensor) (raw sensor.RawSample, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in sensor read: %v", r)
			err = fmt.Errorf("sensor panic: %v", r)
		}
	}()
	return dev.Read()
}

// valid rejects samples carrying non-finite values, and ultrasonic samples
// without an echo distance.
func valid(kind sensor.Kind, s sensor.RawSample) bool {
	if kind == sensor.Ultrasonic && s.Distance <= 0 {
		return false
	}
	for _, v := range [...]float32{s.Humidity, s.Temperature, s.Accel.X, s.Accel.Y, s.Accel.Z} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// accumulator holds running sums of the valid samples of one run.
type accumulator struct {
	n                     int
	humidity, temperature float32
	distance              int
	x, y, z               float32
}

func (a *accumulator) add(s sensor.RawSample) {
	a.n++
	a.humidity += s.Humidity
	a.temperature += s.Temperature
	a.distance += s.Distance
	a.x += s.Accel.X
	a.y += s.Accel.Y
	a.z += s.Accel.Z
}

// mean divides by the number of valid samples, not the requested count.
// Distance uses integer division.
func (a *accumulator) mean() sensor.RawSample {
	n := float32(a.n)
	return sensor.RawSample{
		Humidity:    a.humidity / n,
		Temperature: a.temperature / n,
		Distance:    a.distance / a.n,
		Accel: sensor.Vector{
			X: a.x / n,
			Y: a.y / n,
			Z: a.z / n,
		},
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
