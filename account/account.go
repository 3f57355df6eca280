package account

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that no account matches the lookup
	ErrNotFound = errors.New("account not found")
	// ErrDuplicate indicates that the username or email is already taken
	ErrDuplicate = errors.New("username or email already registered")
)

// Account describes a registered user. Coins is the prepaid balance and is
// never mutated directly: every change goes through a ledger transaction.
type Account struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	Username     string     `json:"username" gorm:"uniqueIndex;not null"`
	Email        string     `json:"email" gorm:"uniqueIndex;not null"`
	PasswordHash string     `json:"-" gorm:"not null"`
	Coins        int64      `json:"coins" gorm:"not null;default:0"`
	ReferralCode string     `json:"referralCode" gorm:"uniqueIndex"`
	ReferredBy   *string    `json:"referredBy,omitempty"`
	TotalInvites int64      `json:"totalInvites" gorm:"not null;default:0"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}
