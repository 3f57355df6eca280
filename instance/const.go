package instance

// State is the lifecycle state of an instance.
// Requested -> Provisioning -> Running <-> Stopped -> Terminated
// Failed is reachable from Requested and Provisioning only; a failed
// instance is retried by creating a fresh one, never by reviving it.
type State string

// Defining the valid states of an instance
const (
	StateRequested    State = "Requested"
	StateProvisioning State = "Provisioning"
	StateRunning      State = "Running"
	StateStopped      State = "Stopped"
	StateTerminated   State = "Terminated"
	StateFailed       State = "Failed"
)

// canTransition is the single source of truth for lifecycle legality.
// Running -> Running covers a driver-confirmed restart.
var canTransition = map[State][]State{
	StateRequested:    {StateProvisioning, StateFailed},
	StateProvisioning: {StateProvisioning, StateRunning, StateFailed},
	StateRunning:      {StateRunning, StateStopped},
	StateStopped:      {StateRunning, StateTerminated},
	StateTerminated:   {},
	StateFailed:       {},
}

func transitionAllowed(from, to State) bool {
	for _, next := range canTransition[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Action is a user-requested lifecycle operation on a provisioned instance
type Action string

// Defining the valid control actions
const (
	ActionStart   Action = "Start"
	ActionStop    Action = "Stop"
	ActionRestart Action = "Restart"
	ActionKill    Action = "Kill"
)

// RuntimeImages maps the instance runtime selector to the container image
// that hosts it
var RuntimeImages = map[string]string{
	"node":   "node:lts-alpine",
	"python": "python:3-slim",
	"go":     "golang:alpine",
	"static": "nginx:alpine",
}
