package instance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	phdb "github.com/primeee/primehost/db"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager is the durable registry of instances. All lifecycle transitions
// go through a per-row serialized update that enforces the state machine;
// a disallowed move fails with ErrInvalidTransition instead of silently
// overwriting state.
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new registry Manager for instances
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Instance{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize instance.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Create allocates a new Instance in StateRequested. Pure bookkeeping, no
// driver interaction.
func (m *Manager) Create(ctx context.Context, accountID, name, runtime string, resources ResourceProfile) (*Instance, error) {
	inst := &Instance{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Name:          name,
		Runtime:       runtime,
		Resources:     resources,
		PreviousState: StateRequested,
		State:         StateRequested,
	}
	result := m.db.WithContext(ctx).Create(inst)
	if result.Error != nil {
		m.logger.Error("Unable to create new instance in database",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create instance")
	}
	return inst, nil
}

// updateFunc mutates desired based on current. Returning an error aborts
// the transaction with that error; nothing is saved.
type updateFunc func(current *Instance, desired *Instance) error

// update performs a transactional read-modify-write on one instance row,
// locked for the duration of the transaction
func (m *Manager) update(ctx context.Context, id string, fn updateFunc) (*Instance, error) {
	var desired Instance
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Instance
		lookupRes := phdb.WithRowLock(tx).First(&current, "id = ?", id)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		desired = current
		if err := fn(&current, &desired); err != nil {
			return err
		}
		if saveRes := tx.Save(&desired); saveRes.Error != nil {
			return saveRes.Error
		}
		return nil
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, err
	}
	return &desired, nil
}

// transition moves the instance to the target state if the state machine
// allows it, applying mutate to the new row
func (m *Manager) transition(ctx context.Context, id string, to State, mutate func(desired *Instance)) (*Instance, error) {
	return m.update(ctx, id, func(current *Instance, desired *Instance) error {
		if !transitionAllowed(current.State, to) {
			return ErrInvalidTransition
		}
		desired.PreviousState = current.State
		desired.State = to
		if mutate != nil {
			mutate(desired)
		}
		return nil
	})
}

// AttachHandle records the driver-assigned handle and moves the instance to
// StateProvisioning. Legal from Requested and Provisioning only.
func (m *Manager) AttachHandle(ctx context.Context, id, handle string) (*Instance, error) {
	return m.transition(ctx, id, StateProvisioning, func(desired *Instance) {
		desired.DriverHandle = handle
	})
}

// MarkRunning transitions to StateRunning and stamps the start time
func (m *Manager) MarkRunning(ctx context.Context, id string) (*Instance, error) {
	return m.transition(ctx, id, StateRunning, func(desired *Instance) {
		now := time.Now()
		desired.LastStartAt = &now
	})
}

// MarkStopped transitions to StateStopped
func (m *Manager) MarkStopped(ctx context.Context, id string) (*Instance, error) {
	return m.transition(ctx, id, StateStopped, nil)
}

// MarkFailed transitions to the terminal StateFailed, recording the reason
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) (*Instance, error) {
	return m.transition(ctx, id, StateFailed, func(desired *Instance) {
		desired.FailureReason = reason
	})
}

// MarkTerminated transitions to the terminal StateTerminated
func (m *Manager) MarkTerminated(ctx context.Context, id string) (*Instance, error) {
	return m.transition(ctx, id, StateTerminated, nil)
}

// Get returns the instance by id, or nil if it does not exist
func (m *Manager) Get(ctx context.Context, id string) (*Instance, error) {
	inst := Instance{}

	result := m.db.WithContext(ctx).First(&inst, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get instance by id")
	}

	return &inst, nil
}

// ListOption filters ListByAccount
type ListOption struct {
	AccountID         string
	IncludeTerminated bool
	Before            time.Time
	Limit             int
}

// ListByAccount returns the account's instances newest-first
func (m *Manager) ListByAccount(ctx context.Context, opt ListOption) ([]Instance, error) {
	results := make([]Instance, 0, 1)
	baseQuery := m.db.WithContext(ctx).Order("created_at desc")
	if !opt.IncludeTerminated {
		baseQuery = baseQuery.Where("state <> ?", StateTerminated)
	}
	if !opt.Before.IsZero() {
		baseQuery = baseQuery.Where("created_at < ?", opt.Before)
	}
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	result := baseQuery.Find(&results, "account_id = ?", opt.AccountID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// CountRunning returns how many of the account's instances are running
func (m *Manager) CountRunning(ctx context.Context, accountID string) (int64, error) {
	var count int64
	result := m.db.WithContext(ctx).
		Model(&Instance{}).
		Where("account_id = ? AND state = ?", accountID, StateRunning).
		Count(&count)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot count running instances")
	}
	return count, nil
}

// SettleUptime folds the running span ending at the given time into the
// accumulated uptime counter and clears the start stamp. Clearing the stamp
// makes settlement idempotent under redelivered events. Returns the number
// of seconds credited.
func (m *Manager) SettleUptime(ctx context.Context, id string, at time.Time) (int64, error) {
	var seconds int64
	_, err := m.update(ctx, id, func(current *Instance, desired *Instance) error {
		if current.LastStartAt == nil {
			return nil
		}
		elapsed := at.Sub(*current.LastStartAt)
		if elapsed <= 0 {
			return nil
		}
		seconds = int64(elapsed.Seconds())
		desired.UptimeSeconds = current.UptimeSeconds + seconds
		desired.LastStartAt = nil
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seconds, nil
}
