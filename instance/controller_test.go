package instance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/primeee/primehost/broker"
	"github.com/primeee/primehost/driver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDriver struct {
	mu    sync.Mutex
	calls []string

	createErr  error
	actionErr  error
	inspectErr error
	stats      *driver.Stats
}

func (f *fakeDriver) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeDriver) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeDriver) CreateAndStart(ctx context.Context, spec driver.Spec) (string, error) {
	f.record("create")
	if f.createErr != nil {
		return "", f.createErr
	}
	return "handle-" + spec.Name, nil
}

func (f *fakeDriver) Start(ctx context.Context, handle string) error {
	f.record("start")
	return f.actionErr
}

func (f *fakeDriver) Stop(ctx context.Context, handle string) error {
	f.record("stop")
	return f.actionErr
}

func (f *fakeDriver) Restart(ctx context.Context, handle string) error {
	f.record("restart")
	return f.actionErr
}

func (f *fakeDriver) Kill(ctx context.Context, handle string) error {
	f.record("kill")
	return f.actionErr
}

func (f *fakeDriver) Inspect(ctx context.Context, handle string) (*driver.Stats, error) {
	f.record("inspect")
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	return f.stats, nil
}

func (f *fakeDriver) Remove(ctx context.Context, handle string) error {
	f.record("remove")
	return f.actionErr
}

type fakeProducer struct {
	mu     sync.Mutex
	events []*broker.InstanceEvent
}

func (f *fakeProducer) PublishInstanceEvent(ev *broker.InstanceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeProducer) Close() {}

func (f *fakeProducer) published() []*broker.InstanceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*broker.InstanceEvent(nil), f.events...)
}

func setupController(t *testing.T) (*Controller, *Manager, *fakeDriver, *fakeProducer) {
	t.Helper()
	registry := setupRegistry(t)
	drv := &fakeDriver{}
	producer := &fakeProducer{}
	ctrl, err := NewController(ControllerOptions{
		Registry: registry,
		Driver:   drv,
		Events:   producer,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return ctrl, registry, drv, producer
}

// stoppedInstance walks a fresh instance to StateStopped with a handle
func stoppedInstance(t *testing.T, m *Manager, accountID string) *Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := m.Create(ctx, accountID, "blog", "node", testResources)
	require.NoError(t, err)
	_, err = m.AttachHandle(ctx, inst.ID, "container-1")
	require.NoError(t, err)
	_, err = m.MarkRunning(ctx, inst.ID)
	require.NoError(t, err)
	inst, err = m.MarkStopped(ctx, inst.ID)
	require.NoError(t, err)
	return inst
}

func TestControlStart(t *testing.T) {
	ctrl, registry, drv, producer := setupController(t)
	ctx := context.Background()
	inst := stoppedInstance(t, registry, "acct-1")

	updated, err := ctrl.Control(ctx, inst.ID, "acct-1", ActionStart)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, updated.State)
	assert.Equal(t, 1, drv.callCount("start"))

	events := producer.published()
	require.Len(t, events, 1)
	assert.Equal(t, broker.EventStarted, events[0].Action)
	assert.Equal(t, inst.ID, events[0].InstanceID)
}

func TestControlStopAndKill(t *testing.T) {
	ctrl, registry, drv, producer := setupController(t)
	ctx := context.Background()

	for _, action := range []Action{ActionStop, ActionKill} {
		inst := stoppedInstance(t, registry, "acct-1")
		_, err := registry.MarkRunning(ctx, inst.ID)
		require.NoError(t, err)

		updated, err := ctrl.Control(ctx, inst.ID, "acct-1", action)
		require.NoError(t, err)
		assert.Equal(t, StateStopped, updated.State)
	}
	assert.Equal(t, 1, drv.callCount("stop"))
	assert.Equal(t, 1, drv.callCount("kill"))

	events := producer.published()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, broker.EventStopped, ev.Action)
	}
}

func TestControlDriverFailureLeavesState(t *testing.T) {
	ctrl, registry, drv, producer := setupController(t)
	ctx := context.Background()
	inst := stoppedInstance(t, registry, "acct-1")

	drv.actionErr = errors.New("engine on fire")

	_, err := ctrl.Control(ctx, inst.ID, "acct-1", ActionStart)
	var dErr *driver.Error
	require.ErrorAs(t, err, &dErr)

	// the registry must not claim a state the driver never confirmed
	current, err := registry.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, current.State)
	assert.Empty(t, producer.published())
}

func TestControlOwnership(t *testing.T) {
	ctrl, registry, _, _ := setupController(t)
	ctx := context.Background()
	inst := stoppedInstance(t, registry, "acct-1")

	_, err := ctrl.Control(ctx, inst.ID, "acct-2", ActionStart)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestControlWrongState(t *testing.T) {
	ctrl, registry, _, _ := setupController(t)
	ctx := context.Background()
	inst := stoppedInstance(t, registry, "acct-1")

	_, err := ctrl.Control(ctx, inst.ID, "acct-1", ActionStop)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestControlNoDriverResource(t *testing.T) {
	ctrl, registry, _, _ := setupController(t)
	ctx := context.Background()

	inst, err := registry.Create(ctx, "acct-1", "blog", "node", testResources)
	require.NoError(t, err)

	_, err = ctrl.Control(ctx, inst.ID, "acct-1", ActionStart)
	assert.ErrorIs(t, err, ErrNoDriverResource)
}

func TestControlMissingOrTerminated(t *testing.T) {
	ctrl, registry, _, _ := setupController(t)
	ctx := context.Background()

	_, err := ctrl.Control(ctx, "nope", "acct-1", ActionStart)
	assert.ErrorIs(t, err, ErrNotFound)

	inst := stoppedInstance(t, registry, "acct-1")
	_, err = registry.MarkTerminated(ctx, inst.ID)
	require.NoError(t, err)

	_, err = ctrl.Control(ctx, inst.ID, "acct-1", ActionStart)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInspect(t *testing.T) {
	ctrl, registry, drv, _ := setupController(t)
	ctx := context.Background()
	inst := stoppedInstance(t, registry, "acct-1")

	drv.stats = &driver.Stats{
		Running:    true,
		CPUPercent: 12.5,
		Port:       30001,
	}

	detail, err := ctrl.Inspect(ctx, inst.ID, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, detail.Live)
	assert.Equal(t, 30001, detail.Live.Port)
	assert.Equal(t, inst.ID, detail.ID)
}

func TestInspectDegradesOnDriverFailure(t *testing.T) {
	ctrl, registry, drv, _ := setupController(t)
	ctx := context.Background()
	inst := stoppedInstance(t, registry, "acct-1")

	drv.inspectErr = errors.New("engine unreachable")

	detail, err := ctrl.Inspect(ctx, inst.ID, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, detail.ID)
	assert.Nil(t, detail.Live)
}

func TestInspectOwnership(t *testing.T) {
	ctrl, registry, _, _ := setupController(t)
	ctx := context.Background()
	inst := stoppedInstance(t, registry, "acct-1")

	_, err := ctrl.Inspect(ctx, inst.ID, "acct-2")
	assert.ErrorIs(t, err, ErrForbidden)
}
