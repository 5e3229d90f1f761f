package domain

import (
	"fmt"
	"time"
)

// Status is the externally visible state of the tunnel session.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusWaitingForNetwork
	StatusReconnecting
	StatusReconnectingNetworkError
)

// String returns the textual representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusWaitingForNetwork:
		return "waiting_for_network"
	case StatusReconnecting:
		return "reconnecting"
	case StatusReconnectingNetworkError:
		return "reconnecting_network_error"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON and logs.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusEvent is emitted on every session state transition.
type StatusEvent struct {
	Status Status
	At     time.Time
	// Err is set when the transition was caused by a failure.
	Err error
}
