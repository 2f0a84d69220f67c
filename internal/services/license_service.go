package services

import (
	"context"
	"log/slog"

	"licensed/internal/ledger"
	"licensed/internal/license"
	"licensed/internal/middleware"
	"licensed/internal/pool"
)

// KeyGenerator creates signing keypairs for borrow-enabled licenses.
// The security keyring satisfies this.
type KeyGenerator interface {
	Generate() (string, error)
}

// LicenseService provides business logic for license lifecycle
// operations.
type LicenseService interface {
	Create(ctx context.Context, in license.CreateInput) (*license.License, error)
	Get(ctx context.Context, arn string) (*license.License, error)
	List(ctx context.Context, owner string) []*license.License
	SetStatus(ctx context.Context, arn string, status license.Status) (*license.License, error)
	Delete(ctx context.Context, arn string, sourceVersion int64) error
	Usage(ctx context.Context, arn string) ([]pool.Usage, error)
}

type licenseService struct {
	store  *license.Store
	ledger *ledger.Ledger
	keys   KeyGenerator
	logger *slog.Logger
}

func NewLicenseService(store *license.Store, ldg *ledger.Ledger, keys KeyGenerator, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		store:  store,
		ledger: ldg,
		keys:   keys,
		logger: logger.With(slog.String("service", "license")),
	}
}

// Create issues a license. Borrow-enabled licenses get a dedicated
// signing keypair unless the caller supplied a key ID.
func (s *licenseService) Create(ctx context.Context, in license.CreateInput) (*license.License, error) {
	if in.Consumption.Borrow != nil && in.Issuer.SignKeyID == "" {
		keyID, err := s.keys.Generate()
		if err != nil {
			s.logger.ErrorContext(ctx, "signing key generation failed",
				slog.String("trace_id", middleware.GetReqID(ctx)),
				slog.String("error", err.Error()))
			return nil, err
		}
		in.Issuer.SignKeyID = keyID
	}

	lic, err := s.store.Create(in)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license created",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("license_arn", lic.ARN),
		slog.String("owner", lic.Owner),
		slog.String("status", string(lic.Status)))
	return lic, nil
}

func (s *licenseService) Get(ctx context.Context, arn string) (*license.License, error) {
	return s.store.Get(arn)
}

func (s *licenseService) List(ctx context.Context, owner string) []*license.License {
	return s.store.List(owner)
}

func (s *licenseService) SetStatus(ctx context.Context, arn string, status license.Status) (*license.License, error) {
	lic, err := s.store.SetStatus(arn, status)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "license status changed",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("license_arn", arn),
		slog.String("status", string(status)))
	return lic, nil
}

// Delete removes a license and releases any outstanding reservations
// held against it.
func (s *licenseService) Delete(ctx context.Context, arn string, sourceVersion int64) error {
	if err := s.store.Delete(arn, sourceVersion); err != nil {
		return err
	}
	s.ledger.ReleaseLicense(arn)

	s.logger.InfoContext(ctx, "license deleted",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("license_arn", arn))
	return nil
}

func (s *licenseService) Usage(ctx context.Context, arn string) ([]pool.Usage, error) {
	if _, err := s.store.Get(arn); err != nil {
		return nil, err
	}
	return s.ledger.Usage(arn)
}
