package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/primeee/primehost/auth"
	"github.com/primeee/primehost/ledger"
	resp "github.com/primeee/primehost/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// SignupBonus is credited to every new account
const SignupBonus int64 = 1000

// Options contains the configuration for Service router
type Options struct {
	Auth           *auth.Auth
	AccountManager *Manager
	Ledger         *ledger.Manager
	Logger         *zap.Logger

	// ApplyReferral lets signup apply a referral code without this package
	// depending on the reward engine. May be nil.
	ApplyReferral func(ctx context.Context, accountID, code string) error
}

// Service is the account API router
type Service struct {
	Options
}

// NewService will create an instance of the account API router
func NewService(option Options) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.AccountManager == nil {
		return nil, fmt.Errorf("nil AccountManager is invalid")
	}
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		Options: option,
	}, nil
}

// RegisterRequest is the model of a signup request
type RegisterRequest struct {
	Username     string `json:"username" validate:"required,alphanum,min=3,max=50"`
	Email        string `json:"email" validate:"required,email"`
	Password     string `json:"password" validate:"required,min=8,max=128"`
	ReferralCode string `json:"referralCode,omitempty"`
}

// SessionResponse carries the account and its API token
type SessionResponse struct {
	Account *Account `json:"account"`
	Token   string   `json:"token"`
}

func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	logger := s.Logger.With(zap.String("Username", req.Username))

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		logger.Error("Unable to hash password",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	acct, err := s.AccountManager.NewAccount(ctx, req.Username, req.Email, hash)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			resp.WriteError(w, r, resp.ErrConflict().AddMessages("Username or email already registered"))
			return
		}
		logger.Error("Unable to create account",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create account"))
		return
	}

	if _, err := s.Ledger.Credit(ctx, acct.ID, SignupBonus, ledger.KindBonus, "Signup bonus"); err != nil {
		logger.Error("Unable to credit signup bonus",
			zap.String("AccountID", acct.ID),
			zap.Error(err),
		)
	} else {
		acct.Coins = SignupBonus
	}

	if req.ReferralCode != "" && s.ApplyReferral != nil {
		// a bad code should not fail the signup itself
		if err := s.ApplyReferral(ctx, acct.ID, req.ReferralCode); err != nil {
			logger.Warn("Unable to apply referral code at signup",
				zap.String("AccountID", acct.ID),
				zap.Error(err),
			)
		}
	}

	token, err := s.Auth.CreateTokenFromClaims(auth.Claims{
		ID:       acct.ID,
		Username: acct.Username,
	})
	if err != nil {
		logger.Error("Unable to generate token",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, SessionResponse{
		Account: acct,
		Token:   token,
	})
}

// LoginRequest is the model of a login request
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Service) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	logger := s.Logger.With(zap.String("Username", req.Username))

	acct, err := s.AccountManager.GetByUsername(ctx, req.Username)
	if err != nil {
		logger.Error("Unable to look up account",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if acct == nil || !auth.VerifyPassword(req.Password, acct.PasswordHash) {
		resp.WriteError(w, r, resp.ErrUnauthorized().AddMessages("Invalid username or password"))
		return
	}

	if err := s.AccountManager.RecordLogin(ctx, acct.ID); err != nil {
		logger.Error("Unable to record login",
			zap.Error(err),
		)
	}

	token, err := s.Auth.CreateTokenFromClaims(auth.Claims{
		ID:       acct.ID,
		Username: acct.Username,
	})
	if err != nil {
		logger.Error("Unable to generate token",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, SessionResponse{
		Account: acct,
		Token:   token,
	})
}

func (s *Service) me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	acct, err := s.AccountManager.GetByID(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to look up account",
			zap.String("AccountID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if acct == nil {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}

	resp.WriteResponse(w, r, acct)
}

func (s *Service) transactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	history, err := s.Ledger.History(ctx, claims.ID, 50)
	if err != nil {
		s.Logger.Error("Unable to fetch transaction history",
			zap.String("AccountID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, history)
}

// Router will return the routes under account API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.register)
	r.Post("/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware())
		r.Use(s.Auth.ClaimCheck())
		r.Get("/me", s.me)
		r.Get("/me/transactions", s.transactions)
	})

	return r
}
