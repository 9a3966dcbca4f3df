// Package report builds and parses the per-cycle log lines of polling tasks.
package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/itohio/gotasknode/pkg/sensor"
)

const errorText = "Read error"

// Line is one formatted outcome of a poll cycle.
type Line struct {
	Task    string
	Reading sensor.Reading
	OK      bool // False when any sensor of the cycle had no valid samples
}

// Success builds a line for a fully successful cycle.
func Success(task string, r sensor.Reading) Line {
	return Line{Task: task, Reading: r, OK: true}
}

// Failure builds the generic error line for a task.
func Failure(task string) Line {
	return Line{Task: task}
}

// String formats the line, including the trailing newline.
// Format: [name] H:45.0% T:22.5C Dist:120cm AccX:0.001g AccY:-0.002g AccZ:1.000g
func (l Line) String() string {
	if !l.OK {
		return "[" + l.Task + "] " + errorText + "\n"
	}
	r := l.Reading
	return fmt.Sprintf("[%s] H:%.1f%% T:%.1fC Dist:%dcm AccX:%.3fg AccY:%.3fg AccZ:%.3fg\n",
		l.Task, r.Humidity, r.Temperature, r.Distance, r.Accel.X, r.Accel.Y, r.Accel.Z)
}

// Parse parses a line produced by String. Surrounding whitespace is ignored.
func Parse(line string) (Line, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return Line{}, fmt.Errorf("invalid line format: missing task name")
	}
	// The fields never contain "] ", the task name may
	end := strings.LastIndex(line, "] ")
	if end < 0 {
		return Line{}, fmt.Errorf("invalid line format: unterminated task name")
	}
	task := line[1:end]
	rest := line[end+2:]

	if rest == errorText {
		return Failure(task), nil
	}

	parts := strings.Fields(rest)
	if len(parts) != 6 {
		return Line{}, fmt.Errorf("invalid line format: expected 6 fields, got %d", len(parts))
	}

	var r sensor.Reading
	var err error
	if r.Humidity, err = parseFloat(parts[0], "H:", "%"); err != nil {
		return Line{}, err
	}
	if r.Temperature, err = parseFloat(parts[1], "T:", "C"); err != nil {
		return Line{}, err
	}
	dist, err := field(parts[2], "Dist:", "cm")
	if err != nil {
		return Line{}, err
	}
	if r.Distance, err = strconv.Atoi(dist); err != nil {
		return Line{}, fmt.Errorf("invalid distance: %w", err)
	}
	if r.Accel.X, err = parseFloat(parts[3], "AccX:", "g"); err != nil {
		return Line{}, err
	}
	if r.Accel.Y, err = parseFloat(parts[4], "AccY:", "g"); err != nil {
		return Line{}, err
	}
	if r.Accel.Z, err = parseFloat(parts[5], "AccZ:", "g"); err != nil {
		return Line{}, err
	}

	return Success(task, r), nil
}

// field strips prefix and suffix from s.
func field(s, prefix, suffix string) (string, error) {
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) || len(s) < len(prefix)+len(suffix) {
		return "", fmt.Errorf("invalid field %q: expected %s...%s", s, prefix, suffix)
	}
	return s[len(prefix) : len(s)-len(suffix)], nil
}

func parseFloat(s, prefix, suffix string) (float32, error) {
	v, err := field(s, prefix, suffix)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", strings.TrimSuffix(prefix, ":"), err)
	}
	return float32(f), nil
}
