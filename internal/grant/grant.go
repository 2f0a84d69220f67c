// Package grant models cross-account authorization: a grant links a
// license to a beneficiary principal with a scoped operation set and an
// explicit accept/activate handshake. Grants are the sole authorization
// boundary for cross-account consumption; every consumption entry point
// fails closed without an ACTIVE grant covering the operation.
package grant

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"licensed/internal/errors"
)

// Operation names one engine entry point a grant can delegate.
type Operation string

const (
	OpListLicenses      Operation = "ListLicenses"
	OpGetLicense        Operation = "GetLicense"
	OpCheckoutLicense   Operation = "CheckoutLicense"
	OpCheckInLicense    Operation = "CheckInLicense"
	OpExtendConsumption Operation = "ExtendConsumptionLicense"
	OpCheckoutBorrow    Operation = "CheckoutBorrowLicense"
	OpCreateGrant       Operation = "CreateGrant"
	OpCreateToken       Operation = "CreateToken"
)

// KnownOperations is the closed set of grantable operations.
var KnownOperations = map[Operation]struct{}{
	OpListLicenses:      {},
	OpGetLicense:        {},
	OpCheckoutLicense:   {},
	OpCheckInLicense:    {},
	OpExtendConsumption: {},
	OpCheckoutBorrow:    {},
	OpCreateGrant:       {},
	OpCreateToken:       {},
}

// Status is the lifecycle status of a grant.
type Status string

const (
	StatusPendingAccept Status = "PENDING_ACCEPT"
	StatusAccepted      Status = "ACCEPTED"
	StatusActive        Status = "ACTIVE"
	StatusRejected      Status = "REJECTED"
	StatusTerminated    Status = "TERMINATED"
)

// Grant is one principal-to-license authorization.
type Grant struct {
	ARN          string      `json:"arn"`
	Name         string      `json:"name"`
	LicenseARN   string      `json:"license_arn"`
	Grantee      string      `json:"grantee_principal"`
	HomeRegion   string      `json:"home_region"`
	Operations   []Operation `json:"granted_operations"`
	Status       Status      `json:"status"`
	StatusReason string      `json:"status_reason,omitempty"`
	Version      int64       `json:"version"`
}

func (g *Grant) clone() *Grant {
	c := *g
	c.Operations = append([]Operation(nil), g.Operations...)
	return &c
}

// allows reports whether op is in the grant's operation set.
func (g *Grant) allows(op Operation) bool {
	for _, o := range g.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Authorize is the pure authorization check: the principal must be the
// beneficiary, the grant must be ACTIVE, and the operation must be in
// the allowed set. Anything else is false.
func Authorize(g *Grant, principal string, op Operation) bool {
	if g == nil || principal == "" {
		return false
	}
	return g.Grantee == principal && g.Status == StatusActive && g.allows(op)
}

// Registry holds every grant and serializes state transitions, so
// concurrent accept/activate calls leave exactly one winner and losers
// observe the already-reached state.
type Registry struct {
	mu            sync.RWMutex
	region        string
	grants        map[string]*Grant
	byClientToken map[string]string
}

// NewRegistry creates an empty grant registry.
func NewRegistry(region string) *Registry {
	return &Registry{
		region:        region,
		grants:        make(map[string]*Grant),
		byClientToken: make(map[string]string),
	}
}

// CreateInput carries the fields of a grant creation request. The
// service layer verifies the caller owns the license before calling.
type CreateInput struct {
	Name        string
	LicenseARN  string
	Grantee     string
	Operations  []Operation
	ClientToken string
}

// Create issues a grant in PENDING_ACCEPT. The operation set must be
// non-empty and a subset of the known operations.
func (r *Registry) Create(in CreateInput) (*Grant, error) {
	if in.Name == "" {
		return nil, errors.ErrInvalidRequest.WithMessagef("grant name is required")
	}
	if in.Grantee == "" {
		return nil, errors.ErrInvalidRequest.WithMessagef("grantee principal is required")
	}
	if len(in.Operations) == 0 {
		return nil, errors.ErrInvalidRequest.WithMessagef("at least one allowed operation is required")
	}
	for _, op := range in.Operations {
		if _, ok := KnownOperations[op]; !ok {
			return nil, errors.ErrInvalidRequest.WithMessagef("unknown operation %q", op)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if in.ClientToken != "" {
		if arn, ok := r.byClientToken[in.ClientToken]; ok {
			return r.grants[arn].clone(), nil
		}
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	g := &Grant{
		ARN:        fmt.Sprintf("arn:licensed:%s:grant:g-%s", r.region, id),
		Name:       in.Name,
		LicenseARN: in.LicenseARN,
		Grantee:    in.Grantee,
		HomeRegion: r.region,
		Operations: append([]Operation(nil), in.Operations...),
		Status:     StatusPendingAccept,
		Version:    1,
	}
	r.grants[g.ARN] = g
	if in.ClientToken != "" {
		r.byClientToken[in.ClientToken] = g.ARN
	}
	return g.clone(), nil
}

// Get returns a copy of the grant.
func (r *Registry) Get(arn string) (*Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.grants[arn]
	if !ok {
		return nil, errors.ErrGrantNotFound.WithMessagef("grant %q not found", arn)
	}
	return g.clone(), nil
}

// List returns all grants, optionally filtered by license ARN, sorted by ARN.
func (r *Registry) List(licenseARN string) []*Grant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Grant, 0, len(r.grants))
	for _, g := range r.grants {
		if licenseARN != "" && g.LicenseARN != licenseARN {
			continue
		}
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ARN < out[j].ARN })
	return out
}

// Accept transitions PENDING_ACCEPT -> ACCEPTED. Only the named
// beneficiary may accept. Re-accepting an already accepted or active
// grant succeeds idempotently for retried clients.
func (r *Registry) Accept(arn, principal string) (*Grant, error) {
	return r.transition(arn, func(g *Grant) error {
		if g.Grantee != principal {
			return errors.ErrNotAuthorized.WithMessagef("only the beneficiary may accept a grant")
		}
		switch g.Status {
		case StatusPendingAccept:
			g.Status = StatusAccepted
			g.Version++
			return nil
		case StatusAccepted, StatusActive:
			// Idempotent replay, the handshake already happened.
			return nil
		default:
			return errors.ErrGrantNotAcceptable.WithMessagef("grant is %s", g.Status)
		}
	})
}

// Activate transitions ACCEPTED -> ACTIVE. Racing activations leave one
// winner; the loser observes ACTIVE and succeeds.
func (r *Registry) Activate(arn, principal string) (*Grant, error) {
	return r.transition(arn, func(g *Grant) error {
		if g.Grantee != principal {
			return errors.ErrNotAuthorized.WithMessagef("only the beneficiary may activate a grant")
		}
		switch g.Status {
		case StatusAccepted:
			g.Status = StatusActive
			g.Version++
			return nil
		case StatusActive:
			return nil
		default:
			return errors.ErrGrantNotAcceptable.WithMessagef("grant is %s, expected %s", g.Status, StatusAccepted)
		}
	})
}

// Reject transitions PENDING_ACCEPT or ACCEPTED -> REJECTED.
func (r *Registry) Reject(arn, principal string) (*Grant, error) {
	return r.transition(arn, func(g *Grant) error {
		if g.Grantee != principal {
			return errors.ErrNotAuthorized.WithMessagef("only the beneficiary may reject a grant")
		}
		switch g.Status {
		case StatusPendingAccept, StatusAccepted:
			g.Status = StatusRejected
			g.Version++
			return nil
		case StatusRejected:
			return nil
		default:
			return errors.ErrGrantNotAcceptable.WithMessagef("grant is %s", g.Status)
		}
	})
}

// Revoke transitions ACTIVE -> TERMINATED. The service layer restricts
// this to the license owner.
func (r *Registry) Revoke(arn, reason string) (*Grant, error) {
	return r.transition(arn, func(g *Grant) error {
		switch g.Status {
		case StatusActive:
			g.Status = StatusTerminated
			g.StatusReason = reason
			g.Version++
			return nil
		case StatusTerminated:
			return nil
		default:
			return errors.ErrGrantNotAcceptable.WithMessagef("grant is %s, expected %s", g.Status, StatusActive)
		}
	})
}

// Authorized checks whether principal holds an ACTIVE grant on the
// license covering op. Fails closed with NotAuthorized.
func (r *Registry) Authorized(licenseARN, principal string, op Operation) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, g := range r.grants {
		if g.LicenseARN == licenseARN && Authorize(g, principal, op) {
			return nil
		}
	}
	return errors.ErrNotAuthorized.WithMessagef("no active grant allows %s on this license", op)
}

func (r *Registry) transition(arn string, fn func(*Grant) error) (*Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.grants[arn]
	if !ok {
		return nil, errors.ErrGrantNotFound.WithMessagef("grant %q not found", arn)
	}
	if err := fn(g); err != nil {
		return nil, err
	}
	return g.clone(), nil
}
