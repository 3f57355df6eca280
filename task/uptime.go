package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/primeee/primehost/broker"
	"github.com/primeee/primehost/instance"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// UptimeOptions contains the dependencies of the uptime accountant
type UptimeOptions struct {
	Registry *instance.Manager
	Consumer broker.Consumer
	Logger   *zap.Logger
}

// UptimeTask folds lifecycle events into per-instance uptime totals
type UptimeTask struct {
	UptimeOptions
}

func NewUptimeTask(option UptimeOptions) (*UptimeTask, error) {
	if option.Registry == nil {
		return nil, fmt.Errorf("nil Registry is invalid")
	}
	if option.Consumer == nil {
		return nil, fmt.Errorf("nil Consumer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &UptimeTask{
		UptimeOptions: option,
	}, nil
}

// HandleEvents starts consuming lifecycle events until ctx is cancelled
func (t *UptimeTask) HandleEvents(ctx context.Context) error {
	eChan, err := t.Consumer.InstanceEvents(ctx)
	if err != nil {
		return extErrors.Wrap(err, "Cannot get instance events channel")
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eChan:
				if ev == nil {
					return
				}
				t.handleEvent(ctx, ev)
			}
		}
	}()
	return nil
}

func (t *UptimeTask) handleEvent(ctx context.Context, ev *broker.InstanceEvent) {
	logger := t.Logger.With(
		zap.String("InstanceID", ev.InstanceID),
		zap.String("Action", string(ev.Action)),
	)

	switch ev.Action {
	case broker.EventStopped, broker.EventTerminated:
	default:
		return
	}

	seconds, err := t.Registry.SettleUptime(ctx, ev.InstanceID, ev.At)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			logger.Warn("Lifecycle event for unknown instance")
			return
		}
		logger.Error("Unable to record instance uptime",
			zap.Error(err),
		)
		return
	}
	if seconds == 0 {
		// already settled, or a stale redelivery
		return
	}
	logger.Info("Recorded instance uptime",
		zap.Int64("Seconds", seconds),
	)
}
