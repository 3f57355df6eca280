package account

import (
	"context"
	"errors"
	"time"

	phdb "github.com/primeee/primehost/db"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Accounts
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for accounts
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize account.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// NewAccount will create a new account with a fresh referral code. The coin
// balance starts at zero; the signup bonus is credited by the caller through
// the ledger so the balance always equals the transaction sum.
func (m *Manager) NewAccount(ctx context.Context, username, email, passwordHash string) (*Account, error) {
	acct := &Account{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		ReferralCode: shortuuid.New(),
	}

	result := m.db.WithContext(ctx).Create(acct)
	if result.Error != nil {
		if phdb.IsUniqueViolation(result.Error) {
			return nil, ErrDuplicate
		}
		m.logger.Error("Unable to create new account in database",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create account")
	}

	return acct, nil
}

// GetByID will try to return the account in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Account, error) {
	return m.getBy(ctx, "id = ?", id)
}

// GetByUsername will try to return the account in the database by username
func (m *Manager) GetByUsername(ctx context.Context, username string) (*Account, error) {
	return m.getBy(ctx, "username = ?", username)
}

// GetByReferralCode will try to return the account owning the referral code
func (m *Manager) GetByReferralCode(ctx context.Context, code string) (*Account, error) {
	return m.getBy(ctx, "referral_code = ?", code)
}

func (m *Manager) getBy(ctx context.Context, query string, arg string) (*Account, error) {
	var acct Account

	result := m.db.WithContext(ctx).First(&acct, query, arg)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get account")
	}

	return &acct, nil
}

// RecordLogin updates the last-login timestamp
func (m *Manager) RecordLogin(ctx context.Context, id string) error {
	now := time.Now()
	result := m.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Update("last_login_at", now)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot record login")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
