package reward

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/primeee/primehost/auth"
	"github.com/primeee/primehost/ledger"
	resp "github.com/primeee/primehost/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Engine *Engine
	Logger *zap.Logger
}

// Service is the bonus/referral API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the bonus/referral API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Engine == nil {
		return nil, fmt.Errorf("nil Engine is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// ClaimResponse is returned when a daily bonus is granted
type ClaimResponse struct {
	Awarded int64 `json:"coinsAwarded"`
}

func (s *Service) claimDaily(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	awarded, err := s.Engine.ClaimDaily(ctx, claims.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyClaimed):
			resp.WriteError(w, r, resp.ErrConflict().
				WithKind("AlreadyClaimed").
				AddMessages("Daily bonus already claimed today"))
		case errors.Is(err, ledger.ErrAccountNotFound):
			resp.WriteError(w, r, resp.ErrNotFound())
		default:
			s.Logger.Error("Unable to claim daily bonus",
				zap.String("AccountID", claims.ID),
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected())
		}
		return
	}

	resp.WriteResponse(w, r, ClaimResponse{
		Awarded: awarded,
	})
}

// ApplyRequest is the model of a referral code submission
type ApplyRequest struct {
	Code string `json:"code"`
}

func (s *Service) applyReferral(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if req.Code == "" {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Referral code is required"))
		return
	}

	ref, err := s.Engine.ApplyReferral(ctx, claims.ID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, ErrCodeNotFound):
			resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Referral code not found"))
		case errors.Is(err, ErrSelfReferral):
			resp.WriteError(w, r, resp.ErrConflict().
				WithKind("SelfReferral").
				AddMessages("Cannot apply your own referral code"))
		case errors.Is(err, ErrAlreadyReferred):
			resp.WriteError(w, r, resp.ErrConflict().
				WithKind("AlreadyReferred").
				AddMessages("A referral code was already applied to this account"))
		default:
			s.Logger.Error("Unable to apply referral code",
				zap.String("AccountID", claims.ID),
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected())
		}
		return
	}

	resp.WriteResponse(w, r, ref)
}

// BonusRouter will return the routes under bonus API
func (s *Service) BonusRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/daily", s.claimDaily)
	return r
}

// ReferralRouter will return the routes under referral API
func (s *Service) ReferralRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/apply", s.applyReferral)
	return r
}
