package ledger

import (
	"errors"
	"time"
)

// Kind classifies a coin transaction
type Kind string

// Defining the valid transaction kinds
const (
	KindSpend    Kind = "Spend"
	KindRefund   Kind = "Refund"
	KindBonus    Kind = "Bonus"
	KindReferral Kind = "Referral"
)

var (
	// ErrInvalidAmount indicates a non-positive credit or debit amount
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientFunds indicates the debit would make the balance negative
	ErrInsufficientFunds = errors.New("insufficient coins")
	// ErrAccountNotFound indicates the account row does not exist
	ErrAccountNotFound = errors.New("account not found")
)

// Transaction is an immutable, append-only record of a single balance
// mutation. Amount is signed: debits are stored negative. For every account
// the sum of Amounts equals the current coin balance.
type Transaction struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	AccountID   string    `json:"accountId" gorm:"index;not null"`
	Amount      int64     `json:"amount" gorm:"not null"`
	Kind        Kind      `json:"kind" gorm:"not null"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}
