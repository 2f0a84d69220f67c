package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licensed/internal/errors"
	"licensed/internal/services"
	"licensed/internal/tokens"
)

// TokenHandler handles bearer-token exchange HTTP requests.
type TokenHandler struct {
	service services.TokenService
	logger  *slog.Logger
}

func NewTokenHandler(service services.TokenService, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "token")),
	}
}

// CreateTokenRequest issues a distribution token for a license.
type CreateTokenRequest struct {
	LicenseARN  string `json:"license_arn" validate:"required"`
	Principal   string `json:"token_principal" validate:"required"`
	ClientToken string `json:"client_token,omitempty"`
}

func (req *CreateTokenRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// CreateTokenResponse returns the metadata and the one-time secret.
type CreateTokenResponse struct {
	Token  *tokens.Token `json:"token"`
	Secret string        `json:"secret,omitempty"`
}

// TokenRefRequest addresses a distribution token by ID.
type TokenRefRequest struct {
	TokenID string `json:"token_id" validate:"required"`
}

func (req *TokenRefRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// ExchangeRequest trades an opaque token for an access token.
type ExchangeRequest struct {
	Token string `json:"token" validate:"required"`
}

func (req *ExchangeRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// AssumeRoleRequest trades an access token for scoped credentials.
type AssumeRoleRequest struct {
	AccessToken string `json:"access_token" validate:"required"`
}

func (req *AssumeRoleRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// Routes returns a chi router for token endpoints.
func (h *TokenHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/get", h.Get)
	r.Post("/delete", h.Delete)
	r.Post("/exchange", h.Exchange)
	r.Post("/assume-role", h.AssumeRole)

	return r
}

func (h *TokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &CreateTokenRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	caller, err := principalFrom(r)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}

	tok, secret, err := h.service.Create(ctx, caller, tokens.CreateInput{
		LicenseARN:  req.LicenseARN,
		Principal:   req.Principal,
		ClientToken: req.ClientToken,
	})
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, &CreateTokenResponse{Token: tok, Secret: secret})
}

func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	licenseARN := r.URL.Query().Get("license_arn")
	render.JSON(w, r, h.service.List(r.Context(), licenseARN))
}

func (h *TokenHandler) Get(w http.ResponseWriter, r *http.Request) {
	req := &TokenRefRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	tok, err := h.service.Get(r.Context(), req.TokenID)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, tok)
}

func (h *TokenHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req := &TokenRefRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	if err := h.service.Delete(r.Context(), req.TokenID); err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.NoContent(w, r)
}

func (h *TokenHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	req := &ExchangeRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}
	access, err := h.service.ExchangeForAccessToken(r.Context(), req.Token)
	if err != nil {
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, map[string]string{"access_token": access})
}

func (h *TokenHandler) AssumeRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	req := &AssumeRoleRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.Response(errors.ErrInvalidRequest.WithCause(err)))
		return
	}

	creds, err := h.service.AssumeScopedRole(ctx, req.AccessToken)
	if err != nil {
		h.logger.WarnContext(ctx, "scoped role assumption failed",
			slog.Duration("latency", time.Since(start)),
			slog.Bool("retryable", errors.IsRetryable(err)),
			slog.String("error", err.Error()))
		render.Render(w, r, errors.Response(err))
		return
	}
	render.JSON(w, r, creds)
}
