package sensor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/gotasknode/pkg/config"
)

// ErrSimulatedFailure is returned by Mock on reads selected by FailEvery.
var ErrSimulatedFailure = errors.New("simulated read failure")

// Mock simulates a sensor of one kind for testing and development.
type Mock struct {
	kind Kind
	cfg  *config.MockConfig

	mu     sync.Mutex
	reads  int
	inited bool
}

// Ensure Mock implements Sensor and Initializer.
var (
	_ Sensor      = (*Mock)(nil)
	_ Initializer = (*Mock)(nil)
)

// NewMock creates a simulated sensor of the given kind.
func NewMock(kind Kind, cfg *config.MockConfig) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}

	return &Mock{
		kind: kind,
		cfg:  cfg,
		// Only the accelerometer has a bring-up step
		inited: kind != MPU6050,
	}
}

// NewMocks creates one simulated sensor per physical kind.
func NewMocks(cfg *config.MockConfig) map[Kind]Sensor {
	sensors := make(map[Kind]Sensor, len(Kinds))
	for _, k := range Kinds {
		sensors[k] = NewMock(k, cfg)
	}
	return sensors
}

// Init simulates the sensor bring-up.
func (m *Mock) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inited = true
	return nil
}

// Reads returns how many reads were attempted.
func (m *Mock) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Read generates a single simulated sample.
func (m *Mock) Read() (RawSample, error) {
	m.mu.Lock()
	m.reads++
	n := m.reads
	inited := m.inited
	m.mu.Unlock()

	if m.cfg.ReadDuration > 0 {
		time.Sleep(m.cfg.ReadDuration)
	}

	if !inited {
		return RawSample{}, ErrNotInitialized
	}
	if m.cfg.FailEvery > 0 && n%m.cfg.FailEvery == 0 {
		return RawSample{}, fmt.Errorf("%s read %d: %w", m.kind, n, ErrSimulatedFailure)
	}

	// Deterministic noise, periodic in the read counter
	t := float32(n)
	noise := (math32.Sin(t*0.7) + math32.Cos(t*1.3)) * m.cfg.NoiseLevel * 0.5

	switch m.kind {
	case DHT11:
		return RawSample{
			Humidity:    m.cfg.Humidity + noise,
			Temperature: m.cfg.Temperature + noise*0.2,
		}, nil
	case Ultrasonic:
		dist := m.cfg.Distance + int(math32.Round(noise*4))
		if dist <= 0 {
			// No echo
			return RawSample{}, fmt.Errorf("ultrasonic read %d: echo timeout", n)
		}
		return RawSample{Distance: dist}, nil
	case MPU6050:
		return RawSample{
			Accel: Vector{
				X: noise * 0.01,
				Y: -noise * 0.01,
				Z: 1 + noise*0.005,
			},
		}, nil
	default:
		return RawSample{}, nil
	}
}
