package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"licensed/internal/errors"
	"licensed/internal/ledger"
	"licensed/internal/middleware"
	"licensed/internal/services"
)

// ConsumptionHandler handles checkout, extend and check-in requests.
type ConsumptionHandler struct {
	service services.ConsumptionService
	logger  *slog.Logger
}

func NewConsumptionHandler(service services.ConsumptionService, logger *slog.Logger) *ConsumptionHandler {
	return &ConsumptionHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "consumption")),
	}
}

// CheckoutLicenseRequest asks for a live checkout.
type CheckoutLicenseRequest struct {
	LicenseARN   string                      `json:"license_arn" validate:"required"`
	NodeID       string                      `json:"node_id,omitempty"`
	Entitlements []ledger.EntitlementRequest `json:"entitlements" validate:"required,min=1"`
	TTLMinutes   int                         `json:"ttl_minutes,omitempty" validate:"min=0"`
	ClientToken  string                      `json:"client_token,omitempty"`
}

func (req *CheckoutLicenseRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// ConsumptionTokenRequest addresses an existing checkout record.
type ConsumptionTokenRequest struct {
	ConsumptionToken string `json:"consumption_token" validate:"required"`
}

func (req *ConsumptionTokenRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// VerifyBorrowRequest carries a signed offline token for verification.
type VerifyBorrowRequest struct {
	SignedToken string `json:"signed_token" validate:"required"`
}

func (req *VerifyBorrowRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// Routes returns a chi router for consumption endpoints.
func (h *ConsumptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Post("/checkout", h.Checkout)
	r.Post("/checkout-borrow", h.CheckoutBorrow)
	r.Post("/extend", h.Extend)
	r.Post("/checkin", h.CheckIn)
	r.Post("/get", h.Get)
	r.Post("/verify-borrow", h.VerifyBorrow)

	return r
}

func (h *ConsumptionHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("consumption-handler")

	ctx, span := tracer.Start(ctx, "consumption_handler.checkout",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request_id", middleware.GetReqID(ctx)),
		),
	)
	defer span.End()

	req := &CheckoutLicenseRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	principal, err := principalFrom(r)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}

	span.SetAttributes(attribute.String("license.arn", req.LicenseARN))

	rec, err := h.service.Checkout(ctx, ledger.CheckoutRequest{
		LicenseARN:   req.LicenseARN,
		Principal:    principal,
		NodeID:       req.NodeID,
		Entitlements: req.Entitlements,
		TTL:          time.Duration(req.TTLMinutes) * time.Minute,
		ClientToken:  req.ClientToken,
	})
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "checkout failed",
			slog.String("request_id", middleware.GetReqID(ctx)),
			slog.String("license_arn", req.LicenseARN),
			slog.String("error", err.Error()))
		render.Render(w, r, errors.Response(err))
		return
	}

	span.SetAttributes(attribute.String("consumption.token", rec.ConsumptionToken))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rec)
}

func (h *ConsumptionHandler) CheckoutBorrow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &CheckoutLicenseRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	principal, err := principalFrom(r)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}

	res, err := h.service.CheckoutBorrow(ctx, ledger.BorrowRequest{
		LicenseARN:   req.LicenseARN,
		Principal:    principal,
		NodeID:       req.NodeID,
		Entitlements: req.Entitlements,
		TTL:          time.Duration(req.TTLMinutes) * time.Minute,
		ClientToken:  req.ClientToken,
	})
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, res)
}

func (h *ConsumptionHandler) Extend(w http.ResponseWriter, r *http.Request) {
	req := &ConsumptionTokenRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	rec, err := h.service.Extend(r.Context(), req.ConsumptionToken)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, rec)
}

func (h *ConsumptionHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	req := &ConsumptionTokenRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	if err := h.service.CheckIn(r.Context(), req.ConsumptionToken); err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.NoContent(w, r)
}

func (h *ConsumptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	req := &ConsumptionTokenRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	rec, err := h.service.GetRecord(r.Context(), req.ConsumptionToken)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, rec)
}

func (h *ConsumptionHandler) VerifyBorrow(w http.ResponseWriter, r *http.Request) {
	req := &VerifyBorrowRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	claims, err := h.service.VerifyBorrowToken(r.Context(), req.SignedToken)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, claims)
}
