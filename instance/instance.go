package instance

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no instance matches the id
	ErrNotFound = errors.New("instance not found")
	// ErrInvalidTransition indicates the lifecycle state machine forbids the move
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrForbidden indicates the caller does not own the instance
	ErrForbidden = errors.New("instance belongs to another account")
	// ErrNoDriverResource indicates no driver handle was ever attached
	ErrNoDriverResource = errors.New("instance has no driver resource")
)

// ResourceProfile is the declared resource allocation of an instance
type ResourceProfile struct {
	MemoryMB int64 `json:"memoryMB"`
	DiskMB   int64 `json:"diskMB"`
	CPUShare int64 `json:"cpuShare"`
}

// Instance describes a user-owned hosted workload backed by a container
// driver resource. Rows are never deleted: termination tears down the
// driver resource first, then parks the row in StateTerminated.
type Instance struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	AccountID     string          `json:"accountId" gorm:"index;not null"`
	Name          string          `json:"name"`
	Runtime       string          `json:"runtime"`
	Resources     ResourceProfile `json:"resources" gorm:"embedded;embeddedPrefix:res_"`
	PreviousState State           `json:"previousState"`
	State         State           `json:"state" gorm:"index"`
	FailureReason string          `json:"failureReason,omitempty"`
	DriverHandle  string          `json:"-"` // engine-assigned, opaque to users
	CreatedAt     time.Time       `json:"createdAt"`
	LastStartAt   *time.Time      `json:"lastStartAt,omitempty"`
	UptimeSeconds int64           `json:"uptimeSeconds"`
}
