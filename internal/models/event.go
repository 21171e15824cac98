package models

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent is returned for lifecycle events that cannot be dispatched.
var ErrInvalidEvent = errors.New("invalid lifecycle event")

// EventKind tells whether a machine became reachable or went away.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventStopped EventKind = "stopped"
)

// LifecycleEvent is the only inbound signal understood by the port macro
// resolver. It travels as JSON on the lifecycle subject.
type LifecycleEvent struct {
	Kind        EventKind `json:"kind"`
	WorkspaceID string    `json:"workspace_id"`
	MachineID   string    `json:"machine_id"`
}

// Validate checks the event shape. Started events must name the machine;
// stopped events may omit ids.
func (e LifecycleEvent) Validate() error {
	switch e.Kind {
	case EventStarted:
		if e.MachineID == "" {
			return fmt.Errorf("%w: started event without machine id", ErrInvalidEvent)
		}
		return nil
	case EventStopped:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
}
