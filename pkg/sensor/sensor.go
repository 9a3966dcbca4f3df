// Package sensor defines the capability layer the pollers sample through:
// sensor kinds, single-shot raw samples and per-cycle readings.
package sensor

import "errors"

// Kind selects a sensor capability. It doubles as the resource lock key.
type Kind int

const (
	None       Kind = iota // Unrecognized identifier, polls as a no-op
	DHT11                  // Humidity and temperature
	Ultrasonic             // Distance
	MPU6050                // Accelerometer
)

// Kinds lists every kind backed by a physical bus.
var Kinds = []Kind{DHT11, Ultrasonic, MPU6050}

// ErrNotInitialized is returned by drivers read before their Init succeeded.
var ErrNotInitialized = errors.New("sensor not initialized")

// String returns the configuration identifier of the kind.
func (k Kind) String() string {
	switch k {
	case DHT11:
		return "dht11"
	case Ultrasonic:
		return "ultrasonic"
	case MPU6050:
		return "mpu6050"
	default:
		return "none"
	}
}

// Vector is an acceleration triple in g.
type Vector struct {
	X, Y, Z float32
}

// RawSample is the result of one single-shot read. Only the fields of the
// kind that produced it are meaningful.
type RawSample struct {
	Humidity    float32 // Relative humidity (%)
	Temperature float32 // Temperature (C)
	Distance    int     // Distance (cm)
	Accel       Vector  // Acceleration (g)
}

// Reading aggregates one poll cycle over all sensors of a task.
// Fields of sensors that were not polled stay zero.
type Reading struct {
	Humidity    float32
	Temperature float32
	Distance    int
	Accel       Vector
}

// Apply copies the fields owned by kind from s into the reading.
func (r *Reading) Apply(kind Kind, s RawSample) {
	switch kind {
	case DHT11:
		r.Humidity = s.Humidity
		r.Temperature = s.Temperature
	case Ultrasonic:
		r.Distance = s.Distance
	case MPU6050:
		r.Accel = s.Accel
	}
}

// Sensor is a single-shot capability. Implementations are not safe for
// concurrent use; callers serialize access per kind.
type Sensor interface {
	Read() (RawSample, error)
}

// Initializer is implemented by sensors that need a bring-up step.
type Initializer interface {
	Init() error
}
