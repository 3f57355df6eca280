package ledger

import (
	"context"
	"database/sql"
	"errors"

	phdb "github.com/primeee/primehost/db"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// accounts table is owned by account.Manager; the ledger only touches the
// coins column, always under the same row lock as the transaction append.
const accountsTable = "accounts"

// Manager handles the append-only transaction log and the derived balance
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for the coin ledger
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Transaction{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize ledger.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Credit increases the balance and appends the matching Transaction
// atomically. Mutations for the same account serialize on the account row.
func (m *Manager) Credit(ctx context.Context, accountID string, amount int64, kind Kind, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var txn *Transaction
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = m.apply(tx, accountID, amount, kind, description)
		return err
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Debit decreases the balance, failing with ErrInsufficientFunds before any
// mutation if the balance does not cover the amount. The affordability check
// and the mutation happen under one row lock, so two concurrent debits can
// never both pass against a stale balance.
func (m *Manager) Debit(ctx context.Context, accountID string, amount int64, kind Kind, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var txn *Transaction
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = m.apply(tx, accountID, -amount, kind, description)
		return err
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// CreditTx is the composition point for callers that already hold a
// transaction with the account row locked (e.g. the reward engine).
func (m *Manager) CreditTx(tx *gorm.DB, accountID string, amount int64, kind Kind, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return m.apply(tx, accountID, amount, kind, description)
}

// DebitTx is the in-transaction counterpart of Debit
func (m *Manager) DebitTx(tx *gorm.DB, accountID string, amount int64, kind Kind, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return m.apply(tx, accountID, -amount, kind, description)
}

func (m *Manager) apply(tx *gorm.DB, accountID string, amount int64, kind Kind, description string) (*Transaction, error) {
	var row struct {
		Coins int64
	}
	result := phdb.WithRowLock(tx).
		Table(accountsTable).
		Select("coins").
		Where("id = ?", accountID).
		Take(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot read balance")
	}

	if row.Coins+amount < 0 {
		return nil, ErrInsufficientFunds
	}

	update := tx.Table(accountsTable).
		Where("id = ?", accountID).
		Update("coins", gorm.Expr("coins + ?", amount))
	if update.Error != nil {
		return nil, extErrors.Wrap(update.Error, "Cannot update balance")
	}

	txn := &Transaction{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
	}
	if result := tx.Create(txn); result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot append transaction")
	}
	return txn, nil
}

// History returns the account's transactions newest-first, bounded by limit
func (m *Manager) History(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	results := make([]Transaction, 0, limit)
	baseQuery := m.db.WithContext(ctx).
		Order("created_at desc").
		Where("account_id = ?", accountID)
	if limit > 0 {
		baseQuery = baseQuery.Limit(limit)
	}
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// Balance returns the current coin balance of the account
func (m *Manager) Balance(ctx context.Context, accountID string) (int64, error) {
	var row struct {
		Coins int64
	}
	result := m.db.WithContext(ctx).
		Table(accountsTable).
		Select("coins").
		Where("id = ?", accountID).
		Take(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return 0, ErrAccountNotFound
	}
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot read balance")
	}
	return row.Coins, nil
}

// SumTransactions folds the account's entire transaction log. Used by the
// audit check: the result must equal Balance at all times.
func (m *Manager) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	var sum sql.NullInt64
	result := m.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("sum(amount)").
		Where("account_id = ?", accountID).
		Take(&sum)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot sum transactions")
	}
	return sum.Int64, nil
}
