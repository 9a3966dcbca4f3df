// Package taskspec compiles the JSON task configuration received at boot
// into validated task specifications.
package taskspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"
	"unicode/utf8"

	"github.com/itohio/gotasknode/pkg/sensor"
)

const (
	// MaxTasks is the registry capacity; records past it are ignored.
	MaxTasks = 32
	// MaxSensors is the number of sensor slots per task; longer lists are truncated.
	MaxSensors = 3
	// MaxNameLen is the maximum task name length in bytes.
	MaxNameLen = 31
)

// ErrMalformed is returned when the payload cannot be used at all.
var ErrMalformed = errors.New("malformed config payload")

// Spec describes one periodic polling task. It is immutable once compiled.
type Spec struct {
	Name     string
	Priority int
	Period   time.Duration
	Sensors  []sensor.Kind
}

// kinds is the fixed identifier lookup table.
var kinds = map[string]sensor.Kind{
	"dht11":      sensor.DHT11,
	"ultrasonic": sensor.Ultrasonic,
	"mpu6050":    sensor.MPU6050,
}

// ParseKind maps a sensor identifier to its kind. Unknown identifiers map
// to sensor.None.
func ParseKind(id string) sensor.Kind {
	if k, ok := kinds[id]; ok {
		return k
	}
	return sensor.None
}

// Compile parses payload and returns every task record that could be
// validated. Bad records are skipped and logged; only a payload that is
// not a document with a "tasks" array fails as a whole.
func Compile(payload []byte) ([]Spec, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raw, ok := root["tasks"]
	if !ok {
		return nil, fmt.Errorf("%w: missing tasks array", ErrMalformed)
	}
	var records []json.RawMessage
	if err := decodeStrict(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: tasks is not an array", ErrMalformed)
	}

	if len(records) > MaxTasks {
		log.Printf("Task count %d exceeds max %d, ignoring %d records", len(records), MaxTasks, len(records)-MaxTasks)
		records = records[:MaxTasks]
	}

	specs := make([]Spec, 0, len(records))
	for i, rec := range records {
		spec, err := compileRecord(rec)
		if err != nil {
			log.Printf("Skipping task record %d: %v", i, err)
			continue
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

// record mirrors one task record. Pointers detect absent fields.
type record struct {
	Name     *string            `json:"name"`
	Priority *json.RawMessage   `json:"priority"`
	Period   *json.RawMessage   `json:"period_ms"`
	Sensors  *[]json.RawMessage `json:"sensors"`
}

func compileRecord(raw json.RawMessage) (Spec, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Spec{}, fmt.Errorf("invalid record: %w", err)
	}

	switch {
	case rec.Name == nil:
		return Spec{}, errors.New("missing name")
	case rec.Priority == nil:
		return Spec{}, errors.New("missing priority")
	case rec.Period == nil:
		return Spec{}, errors.New("missing period_ms")
	case rec.Sensors == nil:
		return Spec{}, errors.New("missing sensors")
	}
	priority, err := integer(*rec.Priority)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid priority: %w", err)
	}
	period, err := integer(*rec.Period)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid period_ms: %w", err)
	}
	if period <= 0 {
		return Spec{}, fmt.Errorf("invalid period_ms %d", period)
	}

	ids := *rec.Sensors
	if len(ids) > MaxSensors {
		log.Printf("Task %q lists %d sensors, keeping first %d", *rec.Name, len(ids), MaxSensors)
		ids = ids[:MaxSensors]
	}

	sensors := make([]sensor.Kind, len(ids))
	for i, id := range ids {
		var s string
		if err := json.Unmarshal(id, &s); err != nil {
			// Non-string entries occupy a slot but poll nothing
			sensors[i] = sensor.None
			continue
		}
		sensors[i] = ParseKind(s)
	}

	return Spec{
		Name:     truncateName(*rec.Name),
		Priority: priority,
		Period:   time.Duration(period) * time.Millisecond,
		Sensors:  sensors,
	}, nil
}

// integer decodes a JSON number without a fractional part, so 5 and 5.0
// are both accepted.
func integer(raw json.RawMessage) (int, error) {
	var f float64
	if err := decodeStrict(raw, &f); err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%s is not an integer", bytes.TrimSpace(raw))
	}
	return int(f), nil
}

// decodeStrict decodes raw into v, failing on JSON null.
func decodeStrict(raw json.RawMessage, v any) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.New("null value")
	}
	return json.Unmarshal(raw, v)
}

// truncateName cuts name to MaxNameLen bytes without splitting a rune.
func truncateName(name string) string {
	if len(name) <= MaxNameLen {
		return name
	}
	cut := MaxNameLen
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
