package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"licensed/internal/errors"
	"licensed/internal/license"
	"licensed/internal/middleware"
	"licensed/internal/services"
)

var validate = validator.New()

// LicenseHandler handles license lifecycle HTTP requests.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// CreateLicenseRequest is the license creation payload. ARNs are
// assigned by the server, never supplied by the client.
type CreateLicenseRequest struct {
	Name         string                           `json:"license_name" validate:"required"`
	ProductName  string                           `json:"product_name" validate:"required"`
	ProductSKU   string                           `json:"product_sku" validate:"required"`
	IssuerName   string                           `json:"issuer_name" validate:"required"`
	Beneficiary  string                           `json:"beneficiary,omitempty"`
	Validity     license.Validity                 `json:"validity"`
	Entitlements []license.Entitlement            `json:"entitlements" validate:"required,min=1"`
	Consumption  license.ConsumptionConfiguration `json:"consumption_configuration"`
	Metadata     map[string]string                `json:"metadata,omitempty"`
	ClientToken  string                           `json:"client_token,omitempty"`
}

func (req *CreateLicenseRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// LicenseRefRequest addresses a single license by ARN.
type LicenseRefRequest struct {
	LicenseARN string `json:"license_arn" validate:"required"`
}

func (req *LicenseRefRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// SetStatusRequest changes the status of a license.
type SetStatusRequest struct {
	LicenseARN string `json:"license_arn" validate:"required"`
	Status     string `json:"status" validate:"required,oneof=ACTIVE SUSPENDED EXPIRED"`
}

func (req *SetStatusRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// DeleteLicenseRequest deletes a license at a known version.
type DeleteLicenseRequest struct {
	LicenseARN    string `json:"license_arn" validate:"required"`
	SourceVersion int64  `json:"source_version" validate:"required,min=1"`
}

func (req *DeleteLicenseRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// Routes returns a chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/get", h.Get)
	r.Post("/status", h.SetStatus)
	r.Post("/delete", h.Delete)
	r.Post("/usage", h.Usage)

	return r
}

func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &CreateLicenseRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	principal, err := principalFrom(r)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}

	lic, err := h.service.Create(ctx, license.CreateInput{
		Name:        req.Name,
		ProductName: req.ProductName,
		ProductSKU:  req.ProductSKU,
		Issuer:      license.Issuer{Name: req.IssuerName},
		Owner:       principal,
		Beneficiary: req.Beneficiary,
		Validity:    req.Validity,
		Entitlement: req.Entitlements,
		Consumption: req.Consumption,
		Metadata:    req.Metadata,
		ClientToken: req.ClientToken,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "license creation rejected",
			slog.String("request_id", middleware.GetReqID(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, errors.Response(err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, lic)
}

func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	render.JSON(w, r, h.service.List(r.Context(), owner))
}

func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	req := &LicenseRefRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	lic, err := h.service.Get(r.Context(), req.LicenseARN)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, lic)
}

func (h *LicenseHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	req := &SetStatusRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	lic, err := h.service.SetStatus(r.Context(), req.LicenseARN, license.Status(req.Status))
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, lic)
}

func (h *LicenseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req := &DeleteLicenseRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	if err := h.service.Delete(r.Context(), req.LicenseARN, req.SourceVersion); err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.NoContent(w, r)
}

func (h *LicenseHandler) Usage(w http.ResponseWriter, r *http.Request) {
	req := &LicenseRefRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	usage, err := h.service.Usage(r.Context(), req.LicenseARN)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, usage)
}

// principalFrom extracts the calling principal from the request. The
// credential source is treated as an opaque bearer of identity; the
// engine only needs a stable principal string.
func principalFrom(r *http.Request) (string, error) {
	principal := r.Header.Get("X-Principal")
	if principal == "" {
		return "", errors.ErrNotAuthorized.WithMessagef("caller identity is required")
	}
	return principal, nil
}
