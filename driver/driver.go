// Package driver defines the container driver boundary. The control plane
// never talks to a container engine directly; it goes through this
// interface so the engine stays swappable and fake-able in tests.
package driver

import (
	"context"
	"errors"
)

// ErrNoSuchResource indicates the handle no longer maps to a live resource
var ErrNoSuchResource = errors.New("driver has no resource for handle")

// Error marks a failure reported by (or a timeout waiting on) the driver,
// so callers can map it distinctly from validation or persistence errors
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "driver " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Spec describes the resource to create. MemoryMB/DiskMB/CPUShare mirror
// the declared resource profile of an instance.
type Spec struct {
	Name     string
	Image    string
	MemoryMB int64
	DiskMB   int64
	CPUShare int64
	Env      []string
}

// Stats is a point-in-time driver-side view of a resource. Running is the
// only field the control plane treats as authoritative from the driver.
type Stats struct {
	Running     bool    `json:"running"`
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryBytes uint64  `json:"memoryBytes"`
	Addr        string  `json:"addr,omitempty"`
	Port        int     `json:"port,omitempty"`
}

// Driver is the container engine abstraction. Every call may block on the
// engine; callers bound them with a context deadline.
type Driver interface {
	// CreateAndStart provisions and starts a resource, returning the
	// engine-assigned opaque handle
	CreateAndStart(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string) error
	Restart(ctx context.Context, handle string) error
	Kill(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (*Stats, error)
	// Remove tears the resource down; it must succeed on an already
	// stopped resource
	Remove(ctx context.Context, handle string) error
}
