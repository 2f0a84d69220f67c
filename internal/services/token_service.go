package services

import (
	"context"
	"log/slog"

	"licensed/internal/grant"
	"licensed/internal/license"
	"licensed/internal/middleware"
	"licensed/internal/tokens"
)

// TokenService provides business logic for the bearer-token exchange.
// Distribution tokens may be created by the license owner or by a
// grantee whose active grant covers token creation.
type TokenService interface {
	Create(ctx context.Context, caller string, in tokens.CreateInput) (*tokens.Token, string, error)
	Get(ctx context.Context, tokenID string) (*tokens.Token, error)
	List(ctx context.Context, licenseARN string) []*tokens.Token
	Delete(ctx context.Context, tokenID string) error
	ExchangeForAccessToken(ctx context.Context, opaqueToken string) (string, error)
	AssumeScopedRole(ctx context.Context, accessToken string) (*tokens.TemporaryCredentials, error)
}

type tokenService struct {
	store    *license.Store
	registry *grant.Registry
	exchange *tokens.Exchange
	logger   *slog.Logger
}

func NewTokenService(store *license.Store, registry *grant.Registry, exchange *tokens.Exchange, logger *slog.Logger) TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &tokenService{
		store:    store,
		registry: registry,
		exchange: exchange,
		logger:   logger.With(slog.String("service", "token")),
	}
}

func (s *tokenService) Create(ctx context.Context, caller string, in tokens.CreateInput) (*tokens.Token, string, error) {
	lic, err := s.store.Get(in.LicenseARN)
	if err != nil {
		return nil, "", err
	}
	if caller != lic.Owner {
		if err := s.registry.Authorized(lic.ARN, caller, grant.OpCreateToken); err != nil {
			return nil, "", err
		}
	}

	tok, secret, err := s.exchange.Create(in)
	if err != nil {
		return nil, "", err
	}
	s.logger.InfoContext(ctx, "distribution token created",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("token_id", tok.TokenID),
		slog.String("license_arn", tok.LicenseARN))
	return tok, secret, nil
}

func (s *tokenService) Get(ctx context.Context, tokenID string) (*tokens.Token, error) {
	return s.exchange.Get(tokenID)
}

func (s *tokenService) List(ctx context.Context, licenseARN string) []*tokens.Token {
	return s.exchange.List(licenseARN)
}

func (s *tokenService) Delete(ctx context.Context, tokenID string) error {
	if err := s.exchange.Delete(tokenID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "distribution token revoked",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("token_id", tokenID))
	return nil
}

func (s *tokenService) ExchangeForAccessToken(ctx context.Context, opaqueToken string) (string, error) {
	return s.exchange.ExchangeForAccessToken(opaqueToken)
}

func (s *tokenService) AssumeScopedRole(ctx context.Context, accessToken string) (*tokens.TemporaryCredentials, error) {
	return s.exchange.AssumeScopedRole(ctx, accessToken)
}
