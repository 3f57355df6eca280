package reward

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/primeee/primehost/account"
	phdb "github.com/primeee/primehost/db"
	"github.com/primeee/primehost/instance"
	"github.com/primeee/primehost/ledger"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EngineOptions contains the dependencies of the reward Engine
type EngineOptions struct {
	DB     *gorm.DB
	Ledger *ledger.Manager
	Logger *zap.Logger

	// Now is injectable for tests; defaults to time.Now
	Now func() time.Time
}

// Engine awards ledger credits for daily claims and referrals. All checks
// and the resulting credit run inside one serialized transaction per
// account, so a concurrent duplicate can never double-credit.
type Engine struct {
	EngineOptions
}

// NewEngine validates the options and returns a reward Engine
func NewEngine(option EngineOptions) (*Engine, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	if err := option.DB.AutoMigrate(&DailyClaim{}, &Referral{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize reward.Engine")
	}
	return &Engine{
		EngineOptions: option,
	}, nil
}

// ClaimDaily awards the daily bonus: DailyBase plus one coin per running
// instance. At most one successful claim per account per UTC calendar day.
func (e *Engine) ClaimDaily(ctx context.Context, accountID string) (int64, error) {
	day := e.Now().UTC().Format("2006-01-02")

	var awarded int64
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// serialize per account before the uniqueness check
		var acct account.Account
		lookupRes := phdb.WithRowLock(tx).First(&acct, "id = ?", accountID)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return ledger.ErrAccountNotFound
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}

		var running int64
		if res := tx.Model(&instance.Instance{}).
			Where("account_id = ? AND state = ?", accountID, instance.StateRunning).
			Count(&running); res.Error != nil {
			return res.Error
		}
		awarded = DailyBase + running

		if res := tx.Create(&DailyClaim{
			AccountID: accountID,
			Day:       day,
			Awarded:   awarded,
		}); res.Error != nil {
			if phdb.IsUniqueViolation(res.Error) {
				return ErrAlreadyClaimed
			}
			return res.Error
		}

		_, err := e.Ledger.CreditTx(tx, accountID, awarded, ledger.KindBonus,
			fmt.Sprintf("Daily bonus for %s", day))
		return err
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return 0, err
	}
	return awarded, nil
}

// ApplyReferral links the account to the code's owner and credits
// ReferralAward to both sides. The link is permanent and at most one per
// account; the uniqueness check and the credits share the same serialized
// section.
func (e *Engine) ApplyReferral(ctx context.Context, accountID, code string) (*Referral, error) {
	var link *Referral
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referrer account.Account
		lookupRes := tx.First(&referrer, "referral_code = ?", code)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return ErrCodeNotFound
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}

		if referrer.ID == accountID {
			return ErrSelfReferral
		}

		// lock both account rows in sorted order to avoid deadlocks
		ids := []string{accountID, referrer.ID}
		sort.Strings(ids)
		for _, id := range ids {
			var locked account.Account
			res := phdb.WithRowLock(tx).First(&locked, "id = ?", id)
			if errors.Is(res.Error, gorm.ErrRecordNotFound) {
				return ledger.ErrAccountNotFound
			}
			if res.Error != nil {
				return res.Error
			}
		}

		var existing Referral
		dupRes := tx.First(&existing, "referred_id = ?", accountID)
		if dupRes.Error == nil {
			return ErrAlreadyReferred
		}
		if !errors.Is(dupRes.Error, gorm.ErrRecordNotFound) {
			return dupRes.Error
		}

		link = &Referral{
			ID:           uuid.New().String(),
			ReferrerID:   referrer.ID,
			ReferredID:   accountID,
			CoinsAwarded: ReferralAward,
		}
		if res := tx.Create(link); res.Error != nil {
			if phdb.IsUniqueViolation(res.Error) {
				return ErrAlreadyReferred
			}
			return res.Error
		}

		if res := tx.Model(&account.Account{}).
			Where("id = ?", accountID).
			Update("referred_by", referrer.ID); res.Error != nil {
			return res.Error
		}
		if res := tx.Model(&account.Account{}).
			Where("id = ?", referrer.ID).
			Update("total_invites", gorm.Expr("total_invites + ?", 1)); res.Error != nil {
			return res.Error
		}

		if _, err := e.Ledger.CreditTx(tx, accountID, ReferralAward, ledger.KindReferral,
			"Referral bonus (invited)"); err != nil {
			return err
		}
		if _, err := e.Ledger.CreditTx(tx, referrer.ID, ReferralAward, ledger.KindReferral,
			"Referral bonus (inviter)"); err != nil {
			return err
		}
		return nil
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}
