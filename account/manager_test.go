package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupManager(t *testing.T) *Manager {
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

	m, err := NewManager(zap.NewNop(), db)
	require.NoError(t, err)
	return m
}

func TestNewAccount(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	acct, err := m.NewAccount(ctx, "alice", "alice@example.com", "hash")
	require.NoError(t, err)
	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, "alice", acct.Username)
	assert.Equal(t, "alice@example.com", acct.Email)
	assert.NotEmpty(t, acct.ReferralCode)
	assert.Equal(t, int64(0), acct.Coins)
	assert.Nil(t, acct.ReferredBy)
}

func TestNewAccountDuplicate(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	_, err := m.NewAccount(ctx, "alice", "alice@example.com", "hash")
	require.NoError(t, err)

	_, err = m.NewAccount(ctx, "alice", "other@example.com", "hash")
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = m.NewAccount(ctx, "bob", "alice@example.com", "hash")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestGetAccount(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	created, err := m.NewAccount(ctx, "alice", "alice@example.com", "hash")
	require.NoError(t, err)

	byID, err := m.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, created.Username, byID.Username)

	byName, err := m.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, created.ID, byName.ID)

	byCode, err := m.GetByReferralCode(ctx, created.ReferralCode)
	require.NoError(t, err)
	require.NotNil(t, byCode)
	assert.Equal(t, created.ID, byCode.ID)

	missing, err := m.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecordLogin(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	created, err := m.NewAccount(ctx, "alice", "alice@example.com", "hash")
	require.NoError(t, err)
	require.Nil(t, created.LastLoginAt)

	require.NoError(t, m.RecordLogin(ctx, created.ID))

	found, err := m.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, found.LastLoginAt)

	assert.ErrorIs(t, m.RecordLogin(ctx, "nope"), ErrNotFound)
}
