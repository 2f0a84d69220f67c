package license

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"licensed/internal/clock"
	"licensed/internal/errors"
)

// Store is the authoritative arena of issued licenses, keyed by ARN.
// Mutation happens only through Store methods; reads return copies so the
// ledger and services never share mutable license state.
type Store struct {
	mu            sync.RWMutex
	clock         clock.Clock
	region        string
	licenses      map[string]*License
	byClientToken map[string]string // client token -> ARN, create idempotency
	byOwnerName   map[string]string // owner/name -> ARN, conflict detection
}

// NewStore creates an empty license store stamped with the home region.
func NewStore(region string, clk clock.Clock) *Store {
	return &Store{
		clock:         clk,
		region:        region,
		licenses:      make(map[string]*License),
		byClientToken: make(map[string]string),
		byOwnerName:   make(map[string]string),
	}
}

// CreateInput carries the fields of a license creation request.
type CreateInput struct {
	Name        string
	ProductName string
	ProductSKU  string
	Issuer      Issuer
	Owner       string
	Beneficiary string
	Validity    Validity
	Entitlement []Entitlement
	Consumption ConsumptionConfiguration
	Metadata    map[string]string
	ClientToken string
}

// Create issues a new license. A replayed client token returns the
// originally issued license (at-least-once delivery safety); a name
// collision under the same owner is a structured AlreadyExists, never a
// string-matched one.
func (s *Store) Create(in CreateInput) (*License, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ClientToken != "" {
		if arn, ok := s.byClientToken[in.ClientToken]; ok {
			return s.licenses[arn].clone(), nil
		}
	}

	nameKey := in.Owner + "/" + in.Name
	if _, ok := s.byOwnerName[nameKey]; ok {
		return nil, errors.ErrAlreadyExists.WithMessagef("license %q already exists for this owner", in.Name)
	}

	lic := &License{
		ARN:         s.newARN(in.Owner),
		Name:        in.Name,
		ProductName: in.ProductName,
		ProductSKU:  in.ProductSKU,
		Issuer:      in.Issuer,
		Owner:       in.Owner,
		Beneficiary: in.Beneficiary,
		HomeRegion:  s.region,
		Validity:    in.Validity,
		Entitlement: append([]Entitlement(nil), in.Entitlement...),
		Consumption: in.Consumption,
		Metadata:    in.Metadata,
		Status:      StatusActive,
		Version:     1,
		CreateTime:  s.clock.Now(),
	}

	s.licenses[lic.ARN] = lic
	s.byOwnerName[nameKey] = lic.ARN
	if in.ClientToken != "" {
		s.byClientToken[in.ClientToken] = lic.ARN
	}

	return lic.clone(), nil
}

// Get returns a copy of the license, including deleted ones (status tells).
func (s *Store) Get(arn string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lic, ok := s.licenses[arn]
	if !ok {
		return nil, errors.ErrLicenseNotFound.WithMessagef("license %q not found", arn)
	}
	return lic.clone(), nil
}

// List returns all licenses sorted by creation time. An owner filter
// narrows the result when non-empty.
func (s *Store) List(owner string) []*License {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*License, 0, len(s.licenses))
	for _, lic := range s.licenses {
		if owner != "" && lic.Owner != owner {
			continue
		}
		out = append(out, lic.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].ARN < out[j].ARN
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out
}

// SetStatus transitions the license status and bumps its version.
func (s *Store) SetStatus(arn string, status Status) (*License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[arn]
	if !ok {
		return nil, errors.ErrLicenseNotFound.WithMessagef("license %q not found", arn)
	}
	if lic.Status == StatusDeleted {
		return nil, errors.ErrLicenseNotActive.WithMessagef("license %q is deleted", arn)
	}

	lic.Status = status
	lic.Version++
	return lic.clone(), nil
}

// Delete marks the license deleted. The caller must present the current
// version; a stale version is a conflict, mirroring compare-and-set
// delete semantics.
func (s *Store) Delete(arn string, sourceVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[arn]
	if !ok {
		return errors.ErrLicenseNotFound.WithMessagef("license %q not found", arn)
	}
	if lic.Status == StatusDeleted {
		// Deleting twice is a no-op, retried deletes succeed.
		return nil
	}
	if lic.Version != sourceVersion {
		return errors.ErrVersionConflict.WithMessagef(
			"source version %d does not match current version %d", sourceVersion, lic.Version)
	}

	lic.Status = StatusDeleted
	lic.Version++
	delete(s.byOwnerName, lic.Owner+"/"+lic.Name)
	return nil
}

func (s *Store) newARN(owner string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("arn:licensed:%s:%s:license:l-%s", s.region, owner, id)
}

func validateCreate(in CreateInput) error {
	if in.Name == "" {
		return errors.ErrInvalidRequest.WithMessagef("license name is required")
	}
	if in.Owner == "" {
		return errors.ErrInvalidRequest.WithMessagef("license owner is required")
	}
	if len(in.Entitlement) == 0 {
		return errors.ErrInvalidRequest.WithMessagef("at least one entitlement is required")
	}
	seen := make(map[string]struct{}, len(in.Entitlement))
	for _, e := range in.Entitlement {
		if e.Name == "" {
			return errors.ErrInvalidRequest.WithMessagef("entitlement name is required")
		}
		if _, dup := seen[e.Name]; dup {
			return errors.ErrInvalidRequest.WithMessagef("duplicate entitlement %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		if e.MaxCount <= 0 {
			return errors.ErrInvalidRequest.WithMessagef("entitlement %q must have a positive max count", e.Name)
		}
	}
	if in.Validity.Begin.IsZero() {
		return errors.ErrInvalidRequest.WithMessagef("validity begin is required")
	}
	if !in.Validity.End.IsZero() && !in.Validity.End.After(in.Validity.Begin) {
		return errors.ErrInvalidRequest.WithMessagef("validity end must be after begin")
	}
	if in.Consumption.Provisional == nil && in.Consumption.Borrow == nil {
		return errors.ErrInvalidRequest.WithMessagef("a provisional or borrow consumption configuration is required")
	}
	return nil
}
