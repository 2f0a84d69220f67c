package services

import (
	"context"
	"log/slog"

	"licensed/internal/borrow"
	"licensed/internal/grant"
	"licensed/internal/ledger"
	"licensed/internal/license"
	"licensed/internal/middleware"
)

// BorrowResult pairs a ledger record with the signed offline token
// minted for it.
type BorrowResult struct {
	Record      *ledger.Record `json:"record"`
	SignedToken string         `json:"signed_token"`
}

// ConsumptionService provides business logic for checkout, extend and
// check-in, enforcing grant authorization for non-owner principals.
type ConsumptionService interface {
	Checkout(ctx context.Context, req ledger.CheckoutRequest) (*ledger.Record, error)
	CheckoutBorrow(ctx context.Context, req ledger.BorrowRequest) (*BorrowResult, error)
	Extend(ctx context.Context, consumptionToken string) (*ledger.Record, error)
	CheckIn(ctx context.Context, consumptionToken string) error
	GetRecord(ctx context.Context, consumptionToken string) (*ledger.Record, error)
	VerifyBorrowToken(ctx context.Context, signedToken string) (*borrow.Claims, error)
}

type consumptionService struct {
	store    *license.Store
	ledger   *ledger.Ledger
	grants   *grant.Registry
	keys     borrow.KeySource
	signer   *borrow.Signer
	verifier *borrow.Verifier
	issuer   string
	logger   *slog.Logger
}

func NewConsumptionService(store *license.Store, ldg *ledger.Ledger, grants *grant.Registry, keys borrow.KeySource, signer *borrow.Signer, verifier *borrow.Verifier, issuer string, logger *slog.Logger) ConsumptionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &consumptionService{
		store:    store,
		ledger:   ldg,
		grants:   grants,
		keys:     keys,
		signer:   signer,
		verifier: verifier,
		issuer:   issuer,
		logger:   logger.With(slog.String("service", "consumption")),
	}
}

// authorize lets license owners through and requires an active grant
// covering the operation for everyone else.
func (s *consumptionService) authorize(lic *license.License, principal string, op grant.Operation) error {
	if principal == lic.Owner {
		return nil
	}
	return s.grants.Authorized(lic.ARN, principal, op)
}

func (s *consumptionService) Checkout(ctx context.Context, req ledger.CheckoutRequest) (*ledger.Record, error) {
	lic, err := s.store.Get(req.LicenseARN)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(lic, req.Principal, grant.OpCheckoutLicense); err != nil {
		s.logger.WarnContext(ctx, "checkout denied",
			slog.String("trace_id", middleware.GetReqID(ctx)),
			slog.String("license_arn", req.LicenseARN),
			slog.String("principal", req.Principal))
		return nil, err
	}
	return s.ledger.Checkout(ctx, req)
}

// CheckoutBorrow reserves entitlements and mints the signed offline
// token in one call. The signing key is resolved before the ledger is
// touched so a missing key cannot strand a reservation.
func (s *consumptionService) CheckoutBorrow(ctx context.Context, req ledger.BorrowRequest) (*BorrowResult, error) {
	lic, err := s.store.Get(req.LicenseARN)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(lic, req.Principal, grant.OpCheckoutBorrow); err != nil {
		s.logger.WarnContext(ctx, "borrow denied",
			slog.String("trace_id", middleware.GetReqID(ctx)),
			slog.String("license_arn", req.LicenseARN),
			slog.String("principal", req.Principal))
		return nil, err
	}
	if _, err := s.keys.SigningKey(lic.Issuer.SignKeyID); err != nil {
		return nil, err
	}

	rec, err := s.ledger.CheckoutBorrow(ctx, req)
	if err != nil {
		return nil, err
	}

	claims := make([]borrow.EntitlementClaim, 0, len(rec.Entitlements))
	for _, g := range rec.Entitlements {
		claims = append(claims, borrow.EntitlementClaim{Name: g.Name, Unit: g.Unit, Value: g.Value})
	}
	signed, err := s.signer.Sign(borrow.TokenInput{
		KeyID:             lic.Issuer.SignKeyID,
		LicenseARN:        rec.LicenseARN,
		ConsumptionToken:  rec.ConsumptionToken,
		Entitlements:      claims,
		NodeID:            rec.NodeID,
		AllowEarlyCheckIn: rec.AllowEarlyCheckIn,
		Issuer:            s.issuer,
		ExpiresAt:         rec.Expiration,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "borrow token minted",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("license_arn", rec.LicenseARN),
		slog.String("consumption_token", rec.ConsumptionToken))
	return &BorrowResult{Record: rec, SignedToken: signed}, nil
}

func (s *consumptionService) Extend(ctx context.Context, consumptionToken string) (*ledger.Record, error) {
	return s.ledger.Extend(ctx, consumptionToken)
}

func (s *consumptionService) CheckIn(ctx context.Context, consumptionToken string) error {
	return s.ledger.CheckIn(ctx, consumptionToken)
}

func (s *consumptionService) GetRecord(ctx context.Context, consumptionToken string) (*ledger.Record, error) {
	return s.ledger.Get(consumptionToken)
}

// VerifyBorrowToken validates a signed offline token without touching
// the ledger.
func (s *consumptionService) VerifyBorrowToken(ctx context.Context, signedToken string) (*borrow.Claims, error) {
	return s.verifier.Verify(signedToken)
}
