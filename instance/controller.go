package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/primeee/primehost/broker"
	"github.com/primeee/primehost/driver"

	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
)

const statsCacheTTL = time.Minute

// ControllerOptions contains the configuration for the lifecycle Controller
type ControllerOptions struct {
	Registry      *Manager
	Driver        driver.Driver
	Events        broker.Producer
	Cache         redis.UniversalClient
	Logger        *zap.Logger
	DriverTimeout time.Duration
}

// Controller exposes start/stop/restart/kill/inspect against provisioned
// instances. The registry is only mutated after the driver reports success,
// so registry state always reflects the last known truth, never intent.
type Controller struct {
	ControllerOptions
}

// NewController validates the options and returns a lifecycle Controller
func NewController(option ControllerOptions) (*Controller, error) {
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
		option.DriverTimeout = time.Second * 30
	}
	return &Controller{
		ControllerOptions: option,
	}, nil
}

// requiredState maps each action to the state it is legal from
var requiredState = map[Action]State{
	ActionStart:   StateStopped,
	ActionStop:    StateRunning,
	ActionRestart: StateRunning,
	ActionKill:    StateRunning,
}

// Control executes a lifecycle action for the owning account
func (c *Controller) Control(ctx context.Context, instanceID, accountID string, action Action) (*Instance, error) {
	inst, err := c.Registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil || inst.State == StateTerminated {
		return nil, ErrNotFound
	}
	if inst.AccountID != accountID {
		return nil, ErrForbidden
	}
	if inst.DriverHandle == "" {
		return nil, ErrNoDriverResource
	}

	want, ok := requiredState[action]
	if !ok {
		return nil, fmt.Errorf("unknown action: %s", action)
	}
	if inst.State != want {
		return nil, ErrInvalidTransition
	}

	driverCtx, cancel := context.WithTimeout(ctx, c.DriverTimeout)
	defer cancel()

	switch action {
	case ActionStart:
		err = c.Driver.Start(driverCtx, inst.DriverHandle)
	case ActionStop:
		err = c.Driver.Stop(driverCtx, inst.DriverHandle)
	case ActionRestart:
		err = c.Driver.Restart(driverCtx, inst.DriverHandle)
	case ActionKill:
		err = c.Driver.Kill(driverCtx, inst.DriverHandle)
	}
	if err != nil {
		// registry untouched: the driver did not confirm anything
		return nil, &driver.Error{Op: string(action), Err: err}
	}

	var updated *Instance
	var event broker.EventAction
	switch action {
	case ActionStart, ActionRestart:
		updated, err = c.Registry.MarkRunning(ctx, instanceID)
		event = broker.EventStarted
	case ActionStop, ActionKill:
		updated, err = c.Registry.MarkStopped(ctx, instanceID)
		event = broker.EventStopped
	}
	if err != nil {
		return nil, err
	}

	c.publish(updated, event)

	return updated, nil
}

func (c *Controller) publish(inst *Instance, action broker.EventAction) {
	if err := c.Events.PublishInstanceEvent(&broker.InstanceEvent{
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		Action:     action,
		At:         time.Now(),
	}); err != nil {
		// fail through: uptime accounting is best-effort, state is consistent
		c.Logger.Error("Unable to publish lifecycle event",
			zap.String("InstanceID", inst.ID),
			zap.Error(err),
		)
	}
}

// Detail is an instance record merged with a best-effort live driver view
type Detail struct {
	Instance
	Live *driver.Stats `json:"live,omitempty"`
}

// Inspect returns the registry record with live driver stats folded in.
// Driver failure degrades to the record alone (served from the stats cache
// when possible); it is the one documented place errors are swallowed.
func (c *Controller) Inspect(ctx context.Context, instanceID, accountID string) (*Detail, error) {
	inst, err := c.Registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, ErrNotFound
	}
	if inst.AccountID != accountID {
		return nil, ErrForbidden
	}

	detail := &Detail{Instance: *inst}
	if inst.DriverHandle == "" || inst.State == StateTerminated {
		return detail, nil
	}

	driverCtx, cancel := context.WithTimeout(ctx, c.DriverTimeout)
	defer cancel()

	stats, err := c.Driver.Inspect(driverCtx, inst.DriverHandle)
	if err != nil {
		c.Logger.Warn("Driver inspect failed, degrading to registry record",
			zap.String("InstanceID", instanceID),
			zap.Error(err),
		)
		detail.Live = c.cachedStats(instanceID)
		return detail, nil
	}

	detail.Live = stats
	c.cacheStats(instanceID, stats)

	return detail, nil
}

func (c *Controller) statsKey(instanceID string) string {
	return "instance:stats:" + instanceID
}

func (c *Controller) cacheStats(instanceID string, stats *driver.Stats) {
	if c.Cache == nil {
		return
	}
	body, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := c.Cache.Set(c.statsKey(instanceID), body, statsCacheTTL).Err(); err != nil {
		c.Logger.Warn("Unable to cache instance stats",
			zap.String("InstanceID", instanceID),
			zap.Error(err),
		)
	}
}

func (c *Controller) cachedStats(instanceID string) *driver.Stats {
	if c.Cache == nil {
		return nil
	}
	body, err := c.Cache.Get(c.statsKey(instanceID)).Bytes()
	if err != nil {
		return nil
	}
	var stats driver.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil
	}
	return &stats
}
