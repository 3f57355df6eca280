package reward

import (
	"errors"
	"time"
)

// policy constants: base daily bonus plus one coin per running instance,
// and the symmetric referral award
const (
	DailyBase     int64 = 10
	ReferralAward int64 = 100
)

var (
	// ErrAlreadyClaimed indicates the daily bonus was already claimed today
	ErrAlreadyClaimed = errors.New("daily bonus already claimed")
	// ErrSelfReferral indicates the referral code belongs to the claimant
	ErrSelfReferral = errors.New("cannot apply own referral code")
	// ErrAlreadyReferred indicates the account already has a referral link
	ErrAlreadyReferred = errors.New("account already referred")
	// ErrCodeNotFound indicates no account owns the referral code
	ErrCodeNotFound = errors.New("referral code not found")
)

// DailyClaim marks one successful daily bonus claim. The composite primary
// key is the at-most-once-per-UTC-day enforcement.
type DailyClaim struct {
	AccountID string    `json:"accountId" gorm:"primaryKey"`
	Day       string    `json:"day" gorm:"primaryKey"` // UTC, 2006-01-02
	Awarded   int64     `json:"awarded"`
	CreatedAt time.Time `json:"createdAt"`
}

// Referral is the permanent link between a referrer and the account that
// used their code. Exactly one per referred account.
type Referral struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	ReferrerID   string    `json:"referrerId" gorm:"index;not null"`
	ReferredID   string    `json:"referredId" gorm:"uniqueIndex;not null"`
	CoinsAwarded int64     `json:"coinsAwarded"`
	CreatedAt    time.Time `json:"createdAt"`
}
