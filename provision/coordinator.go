// Package provision turns a creation request into a funded, running
// instance, or rolls back cleanly. The invariant: once funds are debited,
// the flow ends either Running with the cost consumed, or Failed with the
// full cost refunded. No other terminal outcome exists.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/primeee/primehost/broker"
	"github.com/primeee/primehost/driver"
	"github.com/primeee/primehost/instance"
	"github.com/primeee/primehost/ledger"

	"go.uber.org/zap"
)

// UnitPrice is the policy constant: coins per started GB of memory
const UnitPrice int64 = 1000

// ErrUnknownRuntime indicates the requested runtime has no hosted image
var ErrUnknownRuntime = errors.New("unknown runtime")

// Cost computes the provisioning price from the declared memory,
// rounding up to whole gigabytes
func Cost(memoryMB int64) int64 {
	gigabytes := (memoryMB + 1023) / 1024
	return gigabytes * UnitPrice
}

// Cost satisfies the instance service's Provisioner interface
func (c *Coordinator) Cost(memoryMB int64) int64 {
	return Cost(memoryMB)
}

// CoordinatorOptions contains the dependencies of the Coordinator
type CoordinatorOptions struct {
	Ledger        *ledger.Manager
	Registry      *instance.Manager
	Driver        driver.Driver
	Events        broker.Producer
	Logger        *zap.Logger
	DriverTimeout time.Duration
}

// Coordinator orchestrates funded provisioning and teardown
type Coordinator struct {
	CoordinatorOptions
}

// NewCoordinator validates the options and returns a Coordinator
func NewCoordinator(option CoordinatorOptions) (*Coordinator, error) {
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if option.Registry == nil {
		return nil, fmt.Errorf("nil Registry is invalid")
	}
	if option.Driver == nil {
		return nil, fmt.Errorf("nil Driver is invalid")
	}
	if option.Events == nil {
		return nil, fmt.Errorf("nil Events is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.DriverTimeout == 0 {
		option.DriverTimeout = time.Minute
	}
	return &Coordinator{
		CoordinatorOptions: option,
	}, nil
}

// Provision reserves funds, creates the registry record, asks the driver
// for the resource, and commits or rolls back. ledger.ErrInsufficientFunds
// aborts before any driver call.
func (c *Coordinator) Provision(ctx context.Context, accountID, name, runtime string, resources instance.ResourceProfile) (*instance.Instance, error) {
	image, ok := instance.RuntimeImages[runtime]
	if !ok {
		return nil, ErrUnknownRuntime
	}

	cost := Cost(resources.MemoryMB)

	logger := c.Logger.With(
		zap.String("AccountID", accountID),
		zap.Int64("Cost", cost),
	)

	// reservation: the only step that can fail with InsufficientFunds
	if _, err := c.Ledger.Debit(ctx, accountID, cost, ledger.KindSpend,
		fmt.Sprintf("Provision instance %q", name)); err != nil {
		return nil, err
	}

	inst, err := c.Registry.Create(ctx, accountID, name, runtime, resources)
	if err != nil {
		c.refund(accountID, cost, "registry unavailable")
		return nil, err
	}

	logger = logger.With(zap.String("InstanceID", inst.ID))

	driverCtx, cancel := context.WithTimeout(ctx, c.DriverTimeout)
	defer cancel()

	handle, err := c.Driver.CreateAndStart(driverCtx, driver.Spec{
		Name:     inst.ID,
		Image:    image,
		MemoryMB: resources.MemoryMB,
		DiskMB:   resources.DiskMB,
		CPUShare: resources.CPUShare,
		Env:      []string{"PORT=8080"},
	})
	if err != nil {
		// timeout and explicit failure roll back identically
		c.abort(logger, inst, accountID, cost, err.Error())
		return nil, &driver.Error{Op: "provision", Err: err}
	}

	if _, err := c.Registry.AttachHandle(ctx, inst.ID, handle); err != nil {
		c.teardown(logger, handle)
		c.abort(logger, inst, accountID, cost, "cannot attach driver handle")
		return nil, err
	}

	running, err := c.Registry.MarkRunning(ctx, inst.ID)
	if err != nil {
		c.teardown(logger, handle)
		c.abort(logger, inst, accountID, cost, "cannot commit running state")
		return nil, err
	}

	c.publish(running, broker.EventStarted)

	return running, nil
}

// abort marks the instance failed and issues the compensating refund.
// The caller's context may already be cancelled (a client disconnect is a
// common way to get here), so rollback runs on its own bounded context.
func (c *Coordinator) abort(logger *zap.Logger, inst *instance.Instance, accountID string, cost int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.DriverTimeout)
	defer cancel()
	failed, err := c.Registry.MarkFailed(ctx, inst.ID, reason)
	if err != nil {
		logger.Error("Unable to mark instance as failed",
			zap.Error(err),
		)
	}
	c.refund(accountID, cost, reason)
	if failed != nil {
		c.publish(failed, broker.EventFailed)
	}
}

func (c *Coordinator) refund(accountID string, cost int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.DriverTimeout)
	defer cancel()
	if _, err := c.Ledger.Credit(ctx, accountID, cost, ledger.KindRefund,
		fmt.Sprintf("Refund for failed provisioning: %s", reason)); err != nil {
		// the one unacceptable outcome: debited funds with no refund
		c.Logger.Error("REFUND FAILED, manual mediation required",
			zap.String("AccountID", accountID),
			zap.Int64("Cost", cost),
			zap.Error(err),
		)
	}
}

// teardown removes a driver resource we can no longer track
func (c *Coordinator) teardown(logger *zap.Logger, handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.DriverTimeout)
	defer cancel()
	if err := c.Driver.Remove(ctx, handle); err != nil && !errors.Is(err, driver.ErrNoSuchResource) {
		logger.Error("Unable to tear down orphaned driver resource",
			zap.String("Handle", handle),
			zap.Error(err),
		)
	}
}

// Terminate stops and removes the driver resource first, then parks the
// registry record in StateTerminated. Registry rows are never deleted.
func (c *Coordinator) Terminate(ctx context.Context, accountID, instanceID string) (*instance.Instance, error) {
	inst, err := c.Registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil || inst.State == instance.StateTerminated {
		return nil, instance.ErrNotFound
	}
	if inst.AccountID != accountID {
		return nil, instance.ErrForbidden
	}

	logger := c.Logger.With(
		zap.String("AccountID", accountID),
		zap.String("InstanceID", instanceID),
	)

	if inst.State == instance.StateRunning {
		driverCtx, cancel := context.WithTimeout(ctx, c.DriverTimeout)
		defer cancel()
		if err := c.Driver.Stop(driverCtx, inst.DriverHandle); err != nil {
			return nil, &driver.Error{Op: "stop", Err: err}
		}
		if inst, err = c.Registry.MarkStopped(ctx, instanceID); err != nil {
			return nil, err
		}
	}

	if inst.DriverHandle != "" {
		driverCtx, cancel := context.WithTimeout(ctx, c.DriverTimeout)
		defer cancel()
		if err := c.Driver.Remove(driverCtx, inst.DriverHandle); err != nil && !errors.Is(err, driver.ErrNoSuchResource) {
			return nil, &driver.Error{Op: "remove", Err: err}
		}
	}

	terminated, err := c.Registry.MarkTerminated(ctx, instanceID)
	if err != nil {
		logger.Error("Driver resource removed but instance not terminated",
			zap.Error(err),
		)
		return nil, err
	}

	c.publish(terminated, broker.EventTerminated)

	return terminated, nil
}

func (c *Coordinator) publish(inst *instance.Instance, action broker.EventAction) {
	if err := c.Events.PublishInstanceEvent(&broker.InstanceEvent{
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		Action:     action,
		At:         time.Now(),
	}); err != nil {
		// fail through: events drive accounting, not correctness
		c.Logger.Error("Unable to publish lifecycle event",
			zap.String("InstanceID", inst.ID),
			zap.Error(err),
		)
	}
}
