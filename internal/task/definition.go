// Package task defines what the scheduler runs: persisted definitions, the
// Task contract implemented by task types, and the factory that binds a
// definition's symbolic type to a constructor.
package task

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

var ErrInvalidDefinition = errors.New("invalid task definition")

// Definition describes a schedulable unit. Started is the durable record of
// whether the definition is supposed to be running.
type Definition struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`

	// StartTime is optional. RepeatInterval 0 means fire once.
	StartTime      *time.Time    `json:"start_time,omitempty"`
	RepeatInterval time.Duration `json:"repeat_interval"`
	StartOnStartup bool          `json:"start_on_startup"`

	Started           bool       `json:"started"`
	LastExecutionTime *time.Time `json:"last_execution_time,omitempty"`

	Properties map[string]string `json:"properties,omitempty"`

	ChangedBy string    `json:"changed_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with the
// scheduler registry or a store.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	cp := *d
	if d.StartTime != nil {
		t := *d.StartTime
		cp.StartTime = &t
	}
	if d.LastExecutionTime != nil {
		t := *d.LastExecutionTime
		cp.LastExecutionTime = &t
	}
	cp.Properties = maps.Clone(d.Properties)
	return &cp
}

func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil", ErrInvalidDefinition)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("%w: %s: type is required", ErrInvalidDefinition, d.Name)
	}
	if d.RepeatInterval < 0 {
		return fmt.Errorf("%w: %s: repeat interval must be >= 0", ErrInvalidDefinition, d.Name)
	}
	return nil
}

// Property returns Properties[key], or def when the key is absent or blank.
func (d *Definition) Property(key, def string) string {
	if d == nil {
		return def
	}
	if v := strings.TrimSpace(d.Properties[key]); v != "" {
		return v
	}
	return def
}

func (d *Definition) String() string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d(%s)", d.Name, d.ID, d.Type)
}
