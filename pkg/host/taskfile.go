package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/itohio/gotasknode/pkg/sensor"
	"github.com/itohio/gotasknode/pkg/taskspec"
	"github.com/itohio/gotasknode/pkg/transport"
	"gopkg.in/yaml.v3"
)

// TaskFile is a task configuration as edited on the host.
type TaskFile struct {
	Tasks []TaskRecord `yaml:"tasks" json:"tasks"`
}

// TaskRecord is one task as sent to the node.
type TaskRecord struct {
	Name     string   `yaml:"name" json:"name"`
	Priority int      `yaml:"priority" json:"priority"`
	PeriodMS int      `yaml:"period_ms" json:"period_ms"`
	Sensors  []string `yaml:"sensors" json:"sensors"`
}

// LoadTaskFile loads a task file. YAML and JSON files are both accepted.
func LoadTaskFile(filename string) (*TaskFile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var f TaskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	return &f, nil
}

// Save saves the task file as YAML.
func (f *TaskFile) Save(filename string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal task file: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	return nil
}

// Payload returns the JSON document sent between the protocol markers.
func (f *TaskFile) Payload() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Validate reports everything the node would drop, truncate or misread.
func (f *TaskFile) Validate() error {
	var errs []error

	if len(f.Tasks) == 0 {
		errs = append(errs, errors.New("no tasks"))
	}
	if len(f.Tasks) > taskspec.MaxTasks {
		errs = append(errs, fmt.Errorf("%d tasks exceed the node limit of %d", len(f.Tasks), taskspec.MaxTasks))
	}

	for i, t := range f.Tasks {
		prefix := fmt.Sprintf("task %d (%s)", i, t.Name)
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Errorf("task %d: empty name", i))
		case len(t.Name) > taskspec.MaxNameLen:
			errs = append(errs, fmt.Errorf("%s: name longer than %d bytes", prefix, taskspec.MaxNameLen))
		}
		// The node ends the payload at the first END marker
		if strings.Contains(t.Name, transport.EndMarker) {
			errs = append(errs, fmt.Errorf("%s: name contains the %s marker", prefix, transport.EndMarker))
		}
		if t.PeriodMS <= 0 {
			errs = append(errs, fmt.Errorf("%s: period_ms must be positive", prefix))
		}
		if len(t.Sensors) > taskspec.MaxSensors {
			errs = append(errs, fmt.Errorf("%s: %d sensors exceed the limit of %d", prefix, len(t.Sensors), taskspec.MaxSensors))
		}
		for _, id := range t.Sensors {
			if taskspec.ParseKind(id) == sensor.None {
				errs = append(errs, fmt.Errorf("%s: unknown sensor %q", prefix, id))
			}
		}
	}

	return errors.Join(errs...)
}
