package services

import (
	"context"
	"log/slog"

	"licensed/internal/errors"
	"licensed/internal/grant"
	"licensed/internal/license"
	"licensed/internal/middleware"
)

// GrantService provides business logic for the cross-account grant
// lifecycle. Only the license owner may create or revoke a grant; only
// the beneficiary may accept, activate or reject one.
type GrantService interface {
	Create(ctx context.Context, caller string, in grant.CreateInput) (*grant.Grant, error)
	Get(ctx context.Context, arn string) (*grant.Grant, error)
	List(ctx context.Context, licenseARN string) []*grant.Grant
	Accept(ctx context.Context, arn, principal string) (*grant.Grant, error)
	Activate(ctx context.Context, arn, principal string) (*grant.Grant, error)
	Reject(ctx context.Context, arn, principal string) (*grant.Grant, error)
	Revoke(ctx context.Context, arn, caller, reason string) (*grant.Grant, error)
}

type grantService struct {
	store    *license.Store
	registry *grant.Registry
	logger   *slog.Logger
}

func NewGrantService(store *license.Store, registry *grant.Registry, logger *slog.Logger) GrantService {
	if logger == nil {
		logger = slog.Default()
	}
	return &grantService{
		store:    store,
		registry: registry,
		logger:   logger.With(slog.String("service", "grant")),
	}
}

func (s *grantService) Create(ctx context.Context, caller string, in grant.CreateInput) (*grant.Grant, error) {
	lic, err := s.store.Get(in.LicenseARN)
	if err != nil {
		return nil, err
	}
	if caller != lic.Owner {
		return nil, errors.ErrNotAuthorized.WithMessagef("only the license owner may create grants")
	}

	g, err := s.registry.Create(in)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "grant created",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("grant_arn", g.ARN),
		slog.String("license_arn", g.LicenseARN),
		slog.String("grantee", g.Grantee))
	return g, nil
}

func (s *grantService) Get(ctx context.Context, arn string) (*grant.Grant, error) {
	return s.registry.Get(arn)
}

func (s *grantService) List(ctx context.Context, licenseARN string) []*grant.Grant {
	return s.registry.List(licenseARN)
}

func (s *grantService) Accept(ctx context.Context, arn, principal string) (*grant.Grant, error) {
	g, err := s.registry.Accept(arn, principal)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "grant accepted",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("grant_arn", arn))
	return g, nil
}

func (s *grantService) Activate(ctx context.Context, arn, principal string) (*grant.Grant, error) {
	g, err := s.registry.Activate(arn, principal)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "grant activated",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("grant_arn", arn))
	return g, nil
}

func (s *grantService) Reject(ctx context.Context, arn, principal string) (*grant.Grant, error) {
	return s.registry.Reject(arn, principal)
}

func (s *grantService) Revoke(ctx context.Context, arn, caller, reason string) (*grant.Grant, error) {
	g, err := s.registry.Get(arn)
	if err != nil {
		return nil, err
	}
	lic, err := s.store.Get(g.LicenseARN)
	if err != nil {
		return nil, err
	}
	if caller != lic.Owner {
		return nil, errors.ErrNotAuthorized.WithMessagef("only the license owner may revoke grants")
	}

	revoked, err := s.registry.Revoke(arn, reason)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "grant revoked",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("grant_arn", arn),
		slog.String("reason", reason))
	return revoked, nil
}
