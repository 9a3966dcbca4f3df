// Package arbiter serializes access to the shared sensor buses and the
// single output stream used by concurrent polling tasks.
package arbiter

import (
	"sync"

	"github.com/itohio/gotasknode/pkg/sensor"
)

// Locks holds one mutual-exclusion lock per physical sensor kind.
// Acquisition waits indefinitely; there is no try-lock path.
type Locks struct {
	dht11      sync.Mutex
	ultrasonic sync.Mutex
	mpu6050    sync.Mutex
}

// NewLocks creates the lock set. It lives for the whole process.
func NewLocks() *Locks {
	return &Locks{}
}

// Do runs fn while holding the lock for kind. The lock is released when fn
// returns or panics. Kind None has no bus, so fn runs unguarded.
func (l *Locks) Do(kind sensor.Kind, fn func()) {
	mu := l.mutex(kind)
	if mu == nil {
		fn()
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn()
}

func (l *Locks) mutex(kind sensor.Kind) *sync.Mutex {
	switch kind {
	case sensor.DHT11:
		return &l.dht11
	case sensor.Ultrasonic:
		return &l.ultrasonic
	case sensor.MPU6050:
		return &l.mpu6050
	default:
		return nil
	}
}
