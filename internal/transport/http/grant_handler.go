package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licensed/internal/errors"
	"licensed/internal/grant"
	"licensed/internal/services"
)

// GrantHandler handles grant lifecycle HTTP requests.
type GrantHandler struct {
	service services.GrantService
	logger  *slog.Logger
}

func NewGrantHandler(service services.GrantService, logger *slog.Logger) *GrantHandler {
	return &GrantHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "grant")),
	}
}

// CreateGrantRequest is the grant creation payload.
type CreateGrantRequest struct {
	Name        string   `json:"grant_name" validate:"required"`
	LicenseARN  string   `json:"license_arn" validate:"required"`
	Grantee     string   `json:"grantee_principal" validate:"required"`
	Operations  []string `json:"allowed_operations" validate:"required,min=1"`
	ClientToken string   `json:"client_token,omitempty"`
}

func (req *CreateGrantRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// GrantRefRequest addresses a single grant by ARN.
type GrantRefRequest struct {
	GrantARN string `json:"grant_arn" validate:"required"`
}

func (req *GrantRefRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// RevokeGrantRequest revokes an active grant with a reason.
type RevokeGrantRequest struct {
	GrantARN string `json:"grant_arn" validate:"required"`
	Reason   string `json:"reason,omitempty"`
}

func (req *RevokeGrantRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// Routes returns a chi router for grant endpoints.
func (h *GrantHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/get", h.Get)
	r.Post("/accept", h.Accept)
	r.Post("/activate", h.Activate)
	r.Post("/reject", h.Reject)
	r.Post("/revoke", h.Revoke)

	return r
}

func (h *GrantHandler) Create(w http.ResponseWriter, r *http.Request) {
	req := &CreateGrantRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	principal, err := principalFrom(r)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}

	ops := make([]grant.Operation, 0, len(req.Operations))
	for _, op := range req.Operations {
		ops = append(ops, grant.Operation(op))
	}

	g, err := h.service.Create(r.Context(), principal, grant.CreateInput{
		Name:        req.Name,
		LicenseARN:  req.LicenseARN,
		Grantee:     req.Grantee,
		Operations:  ops,
		ClientToken: req.ClientToken,
	})
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, g)
}

func (h *GrantHandler) List(w http.ResponseWriter, r *http.Request) {
	licenseARN := r.URL.Query().Get("license_arn")
	render.JSON(w, r, h.service.List(r.Context(), licenseARN))
}

func (h *GrantHandler) Get(w http.ResponseWriter, r *http.Request) {
	req := &GrantRefRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	g, err := h.service.Get(r.Context(), req.GrantARN)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, g)
}

func (h *GrantHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Accept)
}

func (h *GrantHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Activate)
}

func (h *GrantHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Reject)
}

func (h *GrantHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	req := &RevokeGrantRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	principal, err := principalFrom(r)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	g, err := h.service.Revoke(r.Context(), req.GrantARN, principal, req.Reason)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, g)
}

// transition applies a beneficiary-side state change. Accept, activate
// and reject all share the same request shape.
func (h *GrantHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, arn, principal string) (*grant.Grant, error)) {
	req := &GrantRefRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	principal, err := principalFrom(r)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	g, err := fn(r.Context(), req.GrantARN, principal)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, g)
}
