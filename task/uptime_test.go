package task

import (
	"context"
	"testing"
	"time"

	"github.com/primeee/primehost/broker"
	"github.com/primeee/primehost/instance"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeConsumer struct {
	ch chan *broker.InstanceEvent
}

func (f *fakeConsumer) InstanceEvents(ctx context.Context) (<-chan *broker.InstanceEvent, error) {
	return f.ch, nil
}

func (f *fakeConsumer) Close() {}

func setupTask(t *testing.T) (*UptimeTask, *instance.Manager, *fakeConsumer) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	require.NoError(t, err)
	pool, err := db.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)
	t.Cleanup(func() {
		pool.Close()
	})

	registry, err := instance.NewManager(zap.NewNop(), db)
	require.NoError(t, err)

	consumer := &fakeConsumer{ch: make(chan *broker.InstanceEvent, 1)}
	uptimeTask, err := NewUptimeTask(UptimeOptions{
		Registry: registry,
		Consumer: consumer,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return uptimeTask, registry, consumer
}

func runningInstance(t *testing.T, m *instance.Manager) *instance.Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := m.Create(ctx, "acct-1", "blog", "node", instance.ResourceProfile{MemoryMB: 1024})
	require.NoError(t, err)
	_, err = m.AttachHandle(ctx, inst.ID, "container-1")
	require.NoError(t, err)
	inst, err = m.MarkRunning(ctx, inst.ID)
	require.NoError(t, err)
	return inst
}

func TestHandleEventSettlesUptime(t *testing.T) {
	uptimeTask, registry, _ := setupTask(t)
	ctx := context.Background()
	inst := runningInstance(t, registry)

	stoppedAt := inst.LastStartAt.Add(2 * time.Minute)
	uptimeTask.handleEvent(ctx, &broker.InstanceEvent{
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		Action:     broker.EventStopped,
		At:         stoppedAt,
	})

	settled, err := registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), settled.UptimeSeconds)
	assert.Nil(t, settled.LastStartAt)
}

func TestHandleEventRedelivery(t *testing.T) {
	uptimeTask, registry, _ := setupTask(t)
	ctx := context.Background()
	inst := runningInstance(t, registry)

	ev := &broker.InstanceEvent{
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		Action:     broker.EventStopped,
		At:         inst.LastStartAt.Add(time.Minute),
	}
	uptimeTask.handleEvent(ctx, ev)
	uptimeTask.handleEvent(ctx, ev)

	settled, err := registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), settled.UptimeSeconds)
}

func TestHandleEventIgnoresNonStopActions(t *testing.T) {
	uptimeTask, registry, _ := setupTask(t)
	ctx := context.Background()
	inst := runningInstance(t, registry)

	uptimeTask.handleEvent(ctx, &broker.InstanceEvent{
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		Action:     broker.EventStarted,
		At:         time.Now(),
	})

	current, err := registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.UptimeSeconds)
	assert.NotNil(t, current.LastStartAt)
}

func TestHandleEventsConsumesChannel(t *testing.T) {
	uptimeTask, registry, consumer := setupTask(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := runningInstance(t, registry)
	require.NoError(t, uptimeTask.HandleEvents(ctx))

	consumer.ch <- &broker.InstanceEvent{
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		Action:     broker.EventTerminated,
		At:         inst.LastStartAt.Add(30 * time.Second),
	}

	require.Eventually(t, func() bool {
		settled, err := registry.Get(context.Background(), inst.ID)
		if err != nil {
			return false
		}
		return settled.UptimeSeconds == 30
	}, time.Second, 10*time.Millisecond)
}
