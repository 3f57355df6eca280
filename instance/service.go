package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/primeee/primehost/auth"
	"github.com/primeee/primehost/driver"
	"github.com/primeee/primehost/ledger"
	resp "github.com/primeee/primehost/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// Provisioner is the slice of the provisioning coordinator the service
// needs. Defined here so the HTTP layer does not depend on the provision
// package wiring.
type Provisioner interface {
	Provision(ctx context.Context, accountID, name, runtime string, resources ResourceProfile) (*Instance, error)
	Terminate(ctx context.Context, accountID, instanceID string) (*Instance, error)
	Cost(memoryMB int64) int64
}

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Provisioner Provisioner
	Controller  *Controller
	Registry    *Manager
	Logger      *zap.Logger
}

// Service is the instance API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the instance API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Provisioner == nil {
		return nil, fmt.Errorf("nil Provisioner is invalid")
	}
	if option.Controller == nil {
		return nil, fmt.Errorf("nil Controller is invalid")
	}
	if option.Registry == nil {
		return nil, fmt.Errorf("nil Registry is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// NewInstanceRequest contains the request from client to provision a new instance
type NewInstanceRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=100"`
	Runtime  string `json:"runtime" validate:"required"`
	MemoryMB int64  `json:"memoryMB" validate:"required,min=128,max=16384"`
	DiskMB   int64  `json:"diskMB" validate:"min=0,max=102400"`
	CPUShare int64  `json:"cpuShare" validate:"min=0,max=1024"`
}

// NewInstanceResponse is returned once the instance is funded and running
type NewInstanceResponse struct {
	InstanceID string `json:"instanceId"`
	Status     State  `json:"status"`
	Cost       int64  `json:"cost"`
}

func (s *Service) newInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AccountID", claims.ID))

	var req NewInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if _, ok := RuntimeImages[req.Runtime]; !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown runtime"))
		return
	}

	inst, err := s.Provisioner.Provision(ctx, claims.ID, req.Name, req.Runtime, ResourceProfile{
		MemoryMB: req.MemoryMB,
		DiskMB:   req.DiskMB,
		CPUShare: req.CPUShare,
	})
	if err != nil {
		var driverErr *driver.Error
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			resp.WriteError(w, r, resp.ErrPaymentRequired().
				AddMessages("Not enough coins to provision this instance"))
		case errors.As(err, &driverErr):
			logger.Error("Driver failed during provisioning",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrBadGateway().
				AddMessages("Provisioning failed, coins were refunded"))
		default:
			logger.Error("Unable to provision instance",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create Instance"))
		}
		return
	}

	resp.WriteResponse(w, r, NewInstanceResponse{
		InstanceID: inst.ID,
		Status:     inst.State,
		Cost:       s.Provisioner.Cost(req.MemoryMB),
	})
}

func (s *Service) listInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	all := r.URL.Query().Get("all") != ""
	before := r.URL.Query().Get("before")

	var parsedTime time.Time
	if before != "" {
		var err error
		parsedTime, err = time.Parse(time.RFC3339Nano, before)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid before param"))
			return
		}
	}

	opt := ListOption{
		AccountID:         claims.ID,
		IncludeTerminated: all,
		Before:            parsedTime,
		Limit:             10,
	}
	results, err := s.Registry.ListByAccount(ctx, opt)
	if err != nil {
		s.Logger.Error("Unable to list instances by account id",
			zap.String("AccountID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of instances"))
		return
	}

	resp.WriteResponse(w, r, results)
}

func (s *Service) getInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	instanceID := chi.URLParam(r, "id")

	detail, err := s.Controller.Inspect(ctx, instanceID, claims.ID)
	if err != nil {
		s.writeDomainError(w, r, claims.ID, instanceID, err)
		return
	}

	resp.WriteResponse(w, r, detail)
}

// ControlRequest contains the request from client to control an existing instance
type ControlRequest struct {
	Action string `json:"action" validate:"required"`
}

func (s *Service) controlInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	instanceID := chi.URLParam(r, "id")

	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}

	var action Action
	switch strings.ToLower(req.Action) {
	case "start":
		action = ActionStart
	case "stop":
		action = ActionStop
	case "restart":
		action = ActionRestart
	case "kill":
		action = ActionKill
	default:
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown action"))
		return
	}

	inst, err := s.Controller.Control(ctx, instanceID, claims.ID, action)
	if err != nil {
		s.writeDomainError(w, r, claims.ID, instanceID, err)
		return
	}

	resp.WriteResponse(w, r, inst)
}

func (s *Service) deleteInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	instanceID := chi.URLParam(r, "id")

	inst, err := s.Provisioner.Terminate(ctx, claims.ID, instanceID)
	if err != nil {
		s.writeDomainError(w, r, claims.ID, instanceID, err)
		return
	}

	resp.WriteResponse(w, r, inst)
}

func (s *Service) writeDomainError(w http.ResponseWriter, r *http.Request, accountID, instanceID string, err error) {
	var driverErr *driver.Error
	switch {
	case errors.Is(err, ErrNotFound):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find instance with specific ID"))
	case errors.Is(err, ErrForbidden):
		resp.WriteError(w, r, resp.ErrForbidden().AddMessages("Instance belongs to another account"))
	case errors.Is(err, ErrNoDriverResource):
		resp.WriteError(w, r, resp.ErrConflict().
			WithKind("NoDriverResource").
			AddMessages("Instance has no provisioned resource"))
	case errors.Is(err, ErrInvalidTransition):
		resp.WriteError(w, r, resp.ErrConflict().
			WithKind("InvalidTransition").
			AddMessages("Action not allowed in the current state"))
	case errors.As(err, &driverErr):
		s.Logger.Error("Driver reported an error",
			zap.String("AccountID", accountID),
			zap.String("InstanceID", instanceID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadGateway())
	default:
		s.Logger.Error("Unable to serve instance request",
			zap.String("AccountID", accountID),
			zap.String("InstanceID", instanceID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
	}
}

// Router will return the routes under instance API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listInstances)
	r.Post("/", s.newInstance)
	r.Get("/{id}", s.getInstance)
	r.Post("/{id}/control", s.controlInstance)
	r.Delete("/{id}", s.deleteInstance)

	return r
}
