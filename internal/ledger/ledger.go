// Package ledger is the checkout ledger: it tracks every active and
// expired checkout record against the entitlement pools of each license
// and drives the ISSUED -> (extended)* -> CHECKED_IN | EXPIRED state
// machine. All pool mutation for one license happens under that
// license's exclusive section, so concurrent checkouts can never
// over-grant a near-exhausted pool.
package ledger

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensed/internal/clock"
	"licensed/internal/errors"
	"licensed/internal/license"
	"licensed/internal/pool"
)

// Status is the lifecycle status of a checkout record.
type Status string

const (
	StatusIssued    Status = "ISSUED"
	StatusCheckedIn Status = "CHECKED_IN"
	StatusExpired   Status = "EXPIRED"
)

// CheckoutType distinguishes live checkouts from offline borrows.
type CheckoutType string

const (
	CheckoutProvisional CheckoutType = "PROVISIONAL"
	CheckoutBorrow      CheckoutType = "PROVISIONAL_BORROW"
)

// EntitlementGrant is one (entitlement, quantity) pair actually granted
// by a checkout. The granted value may be less than requested when the
// pool was short and partial grants were allowed.
type EntitlementGrant struct {
	Name  string `json:"name"`
	Unit  string `json:"unit"`
	Value int64  `json:"value"`
}

// EntitlementRequest is one (entitlement, quantity) pair of a checkout
// request.
type EntitlementRequest struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Record is one checkout: the consumption token, what was granted, and
// the expiry bookkeeping.
type Record struct {
	ConsumptionToken  string             `json:"consumption_token"`
	LicenseARN        string             `json:"license_arn"`
	Principal         string             `json:"principal"`
	NodeID            string             `json:"node_id,omitempty"`
	CheckoutType      CheckoutType       `json:"checkout_type"`
	Entitlements      []EntitlementGrant `json:"entitlements_allowed"`
	IssuedAt          time.Time          `json:"issued_at"`
	Expiration        time.Time          `json:"expiration"`
	Status            Status             `json:"status"`
	AllowEarlyCheckIn bool               `json:"allow_early_check_in,omitempty"`
}

func (r *Record) clone() *Record {
	c := *r
	c.Entitlements = append([]EntitlementGrant(nil), r.Entitlements...)
	return &c
}

// licenseState is the mutable runtime state of one license: its pools
// and checkout records. Its mutex is the license's exclusive section.
type licenseState struct {
	mu            sync.Mutex
	pools         *pool.Set
	records       map[string]*Record
	byClientToken map[string]string
}

// CheckoutRequest asks for a live (connected) checkout.
type CheckoutRequest struct {
	LicenseARN   string
	Principal    string
	NodeID       string
	Entitlements []EntitlementRequest
	TTL          time.Duration
	ClientToken  string
}

// BorrowRequest asks for an offline checkout. Unlike live checkout,
// every requested entitlement must be available in full.
type BorrowRequest struct {
	LicenseARN   string
	Principal    string
	NodeID       string
	Entitlements []EntitlementRequest
	TTL          time.Duration
	ClientToken  string
}

// Ledger coordinates checkout records and entitlement pools across all
// licenses.
type Ledger struct {
	mu       sync.RWMutex
	clock    clock.Clock
	store    *license.Store
	states   map[string]*licenseState
	tokenARN map[string]string // consumption token -> license ARN
	logger   *slog.Logger
	metrics  *Metrics
}

// New creates a ledger over the given license store.
func New(store *license.Store, clk clock.Clock, logger *slog.Logger) *Ledger {
	return &Ledger{
		clock:    clk,
		store:    store,
		states:   make(map[string]*licenseState),
		tokenARN: make(map[string]string),
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// SetMetrics attaches engine metrics instruments.
func (l *Ledger) SetMetrics(m *Metrics) { l.metrics = m }

// Checkout validates the license, reserves whatever quantity of each
// requested entitlement is available (partial grants allowed), and
// issues a PROVISIONAL record. The record expires at
// issue + min(requested TTL, license max TTL).
func (l *Ledger) Checkout(ctx context.Context, req CheckoutRequest) (*Record, error) {
	lic, err := l.consumableLicense(req.LicenseARN)
	if err != nil {
		return nil, err
	}
	if !lic.LiveCheckoutAllowed() {
		return nil, errors.ErrProvisionalNotAllowed
	}
	if len(req.Entitlements) == 0 {
		return nil, errors.ErrInvalidRequest.WithMessagef("at least one entitlement is required")
	}

	state := l.state(lic)
	state.mu.Lock()
	defer state.mu.Unlock()

	if req.ClientToken != "" {
		if token, ok := state.byClientToken[req.ClientToken]; ok {
			return state.records[token].clone(), nil
		}
	}

	granted := make([]EntitlementGrant, 0, len(req.Entitlements))
	for _, er := range req.Entitlements {
		def, ok := state.pools.Definition(er.Name)
		if !ok {
			l.rollback(state, granted)
			return nil, errors.ErrEntitlementNotFound.WithMessagef(
				"entitlement %q is not defined on the license", er.Name)
		}
		n, err := state.pools.Reserve(er.Name, er.Value, true)
		if err != nil {
			l.rollback(state, granted)
			return nil, err
		}
		if n > 0 {
			granted = append(granted, EntitlementGrant{Name: er.Name, Unit: def.Unit, Value: n})
		}
	}
	if len(granted) == 0 {
		return nil, errors.ErrNoEntitlementsAvailable
	}

	now := l.clock.Now()
	ttl := boundTTL(req.TTL, lic.ProvisionalTTL())
	rec := &Record{
		ConsumptionToken: newConsumptionToken(),
		LicenseARN:       lic.ARN,
		Principal:        req.Principal,
		NodeID:           req.NodeID,
		CheckoutType:     CheckoutProvisional,
		Entitlements:     granted,
		IssuedAt:         now,
		Expiration:       now.Add(ttl),
		Status:           StatusIssued,
	}
	l.register(state, rec, req.ClientToken)
	l.metrics.recordCheckout(ctx, lic.ARN, string(CheckoutProvisional))

	l.logger.InfoContext(ctx, "license checked out",
		"license_arn", lic.ARN,
		"consumption_token", rec.ConsumptionToken,
		"entitlements", len(granted),
		"expiration", rec.Expiration,
	)
	return rec.clone(), nil
}

// CheckoutBorrow reserves capacity for an offline borrow. Every
// requested entitlement must be granted in full; a short pool fails the
// whole request and releases anything reserved so far.
func (l *Ledger) CheckoutBorrow(ctx context.Context, req BorrowRequest) (*Record, error) {
	lic, err := l.consumableLicense(req.LicenseARN)
	if err != nil {
		return nil, err
	}
	if !lic.BorrowAllowed() {
		return nil, errors.ErrBorrowNotAllowed
	}
	if len(req.Entitlements) == 0 {
		return nil, errors.ErrInvalidRequest.WithMessagef("at least one entitlement is required")
	}

	state := l.state(lic)
	state.mu.Lock()
	defer state.mu.Unlock()

	if req.ClientToken != "" {
		if token, ok := state.byClientToken[req.ClientToken]; ok {
			return state.records[token].clone(), nil
		}
	}

	granted := make([]EntitlementGrant, 0, len(req.Entitlements))
	for _, er := range req.Entitlements {
		def, ok := state.pools.Definition(er.Name)
		if !ok {
			l.rollback(state, granted)
			return nil, errors.ErrEntitlementNotFound.WithMessagef(
				"entitlement %q is not defined on the license", er.Name)
		}
		n, err := state.pools.Reserve(er.Name, er.Value, false)
		if err != nil {
			l.rollback(state, granted)
			return nil, err
		}
		granted = append(granted, EntitlementGrant{Name: er.Name, Unit: def.Unit, Value: n})
	}

	now := l.clock.Now()
	ttl := boundTTL(req.TTL, lic.BorrowTTL())
	rec := &Record{
		ConsumptionToken:  newConsumptionToken(),
		LicenseARN:        lic.ARN,
		Principal:         req.Principal,
		NodeID:            req.NodeID,
		CheckoutType:      CheckoutBorrow,
		Entitlements:      granted,
		IssuedAt:          now,
		Expiration:        now.Add(ttl),
		Status:            StatusIssued,
		AllowEarlyCheckIn: lic.Consumption.Borrow.AllowEarlyCheckIn,
	}
	l.register(state, rec, req.ClientToken)
	l.metrics.recordCheckout(ctx, lic.ARN, string(CheckoutBorrow))

	l.logger.InfoContext(ctx, "license borrowed",
		"license_arn", lic.ARN,
		"consumption_token", rec.ConsumptionToken,
		"node_id", req.NodeID,
		"expiration", rec.Expiration,
	)
	return rec.clone(), nil
}

// Extend advances a live record's expiry by the license's provisional
// window, capped at issue time + max TTL. Unknown, checked-in, and
// expired tokens fail with TokenNotFound; borrow records and licenses
// with renewal disabled fail with EntitlementNotExtendable.
func (l *Ledger) Extend(ctx context.Context, consumptionToken string) (*Record, error) {
	state, rec, unlock, err := l.lookup(consumptionToken)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.clock.Now()
	if rec.Status != StatusIssued {
		return nil, errors.ErrTokenNotFound.WithMessagef("consumption token is no longer active")
	}
	if !now.Before(rec.Expiration) {
		// Lapsed but not yet swept: reclaim here rather than handing the
		// reaper a race to lose.
		l.expireLocked(ctx, state, rec)
		return nil, errors.ErrTokenNotFound.WithMessagef("consumption token has expired")
	}
	if rec.CheckoutType == CheckoutBorrow {
		return nil, errors.ErrEntitlementNotExtendable.WithMessagef("borrow tokens cannot be extended")
	}

	lic, err := l.store.Get(rec.LicenseARN)
	if err != nil {
		return nil, err
	}
	if !lic.Renewable() {
		return nil, errors.ErrEntitlementNotExtendable
	}

	window := lic.ProvisionalTTL()
	ceiling := rec.IssuedAt.Add(window)
	next := rec.Expiration.Add(window)
	if next.After(ceiling) {
		next = ceiling
	}
	rec.Expiration = next
	l.metrics.recordExtend(ctx, rec.LicenseARN)

	l.logger.InfoContext(ctx, "consumption extended",
		"license_arn", rec.LicenseARN,
		"consumption_token", rec.ConsumptionToken,
		"expiration", rec.Expiration,
	)
	return rec.clone(), nil
}

// CheckIn releases the record's reserved quantities back to their pools
// and marks it CHECKED_IN. Checking in an already checked-in or expired
// token is a no-op, so retried client calls are safe. Borrow records
// honor the AllowEarlyCheckIn flag stamped at issuance.
func (l *Ledger) CheckIn(ctx context.Context, consumptionToken string) error {
	state, rec, unlock, err := l.lookup(consumptionToken)
	if err != nil {
		return err
	}
	defer unlock()

	switch rec.Status {
	case StatusCheckedIn, StatusExpired:
		// Capacity was already released exactly once.
		return nil
	}

	now := l.clock.Now()
	early := now.Before(rec.Expiration)
	if early && rec.CheckoutType == CheckoutBorrow && !rec.AllowEarlyCheckIn {
		return errors.ErrEarlyCheckInNotAllowed
	}
	if early {
		for _, g := range rec.Entitlements {
			if def, ok := state.pools.Definition(g.Name); ok && !def.AllowCheckIn {
				return errors.ErrCheckInNotAllowed.WithMessagef(
					"entitlement %q does not allow check-in before expiry", g.Name)
			}
		}
	}

	for _, g := range rec.Entitlements {
		state.pools.Release(g.Name, g.Value)
	}
	rec.Status = StatusCheckedIn
	l.metrics.recordCheckIn(ctx, rec.LicenseARN)

	l.logger.InfoContext(ctx, "license checked in",
		"license_arn", rec.LicenseARN,
		"consumption_token", rec.ConsumptionToken,
	)
	return nil
}

// Get returns a copy of the record for the consumption token.
func (l *Ledger) Get(consumptionToken string) (*Record, error) {
	_, rec, unlock, err := l.lookup(consumptionToken)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return rec.clone(), nil
}

// Usage reports the current consumption of every entitlement pool of a
// license. A license with no checkouts yet reports zero consumption.
func (l *Ledger) Usage(licenseARN string) ([]pool.Usage, error) {
	lic, err := l.store.Get(licenseARN)
	if err != nil {
		return nil, err
	}
	return l.state(lic).pools.Snapshot(), nil
}

// ReleaseLicense drops the runtime state of a deleted license. Later
// check-ins against its records degrade to pool no-ops.
func (l *Ledger) ReleaseLicense(licenseARN string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.states[licenseARN]
	if !ok {
		return
	}
	for token := range state.records {
		delete(l.tokenARN, token)
	}
	delete(l.states, licenseARN)
}

func (l *Ledger) consumableLicense(arn string) (*license.License, error) {
	lic, err := l.store.Get(arn)
	if err != nil {
		return nil, err
	}
	if lic.Status != license.StatusActive {
		return nil, errors.ErrLicenseNotActive.WithMessagef("license status is %s", lic.Status)
	}
	if !lic.Validity.Contains(l.clock.Now()) {
		return nil, errors.ErrLicenseExpired
	}
	return lic, nil
}

// state returns the runtime state for a license, creating pools from its
// entitlement definitions on first touch.
func (l *Ledger) state(lic *license.License) *licenseState {
	l.mu.RLock()
	state, ok := l.states[lic.ARN]
	l.mu.RUnlock()
	if ok {
		return state
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok = l.states[lic.ARN]; ok {
		return state
	}

	defs := make([]pool.Definition, 0, len(lic.Entitlement))
	for _, e := range lic.Entitlement {
		defs = append(defs, pool.Definition{
			Name:         e.Name,
			Unit:         e.Unit,
			MaxCount:     e.MaxCount,
			Overage:      e.Overage,
			AllowCheckIn: e.AllowCheckIn,
		})
	}
	state = &licenseState{
		pools:         pool.NewSet(defs),
		records:       make(map[string]*Record),
		byClientToken: make(map[string]string),
	}
	l.states[lic.ARN] = state
	return state
}

// lookup resolves a consumption token to its record with the license's
// exclusive section held. The caller must invoke unlock.
func (l *Ledger) lookup(consumptionToken string) (*licenseState, *Record, func(), error) {
	l.mu.RLock()
	arn, ok := l.tokenARN[consumptionToken]
	var state *licenseState
	if ok {
		state = l.states[arn]
	}
	l.mu.RUnlock()

	if !ok || state == nil {
		return nil, nil, nil, errors.ErrTokenNotFound
	}

	state.mu.Lock()
	rec, ok := state.records[consumptionToken]
	if !ok {
		state.mu.Unlock()
		return nil, nil, nil, errors.ErrTokenNotFound
	}
	return state, rec, state.mu.Unlock, nil
}

// register stores a new record under the license's exclusive section and
// indexes its token. Caller holds state.mu.
func (l *Ledger) register(state *licenseState, rec *Record, clientToken string) {
	state.records[rec.ConsumptionToken] = rec
	if clientToken != "" {
		state.byClientToken[clientToken] = rec.ConsumptionToken
	}

	l.mu.Lock()
	l.tokenARN[rec.ConsumptionToken] = rec.LicenseARN
	l.mu.Unlock()
}

// rollback releases grants reserved earlier in a failed multi-entitlement
// request. Caller holds state.mu.
func (l *Ledger) rollback(state *licenseState, granted []EntitlementGrant) {
	for _, g := range granted {
		state.pools.Release(g.Name, g.Value)
	}
}

// expireLocked reclaims an overdue record's capacity. Caller holds the
// license's exclusive section.
func (l *Ledger) expireLocked(ctx context.Context, state *licenseState, rec *Record) {
	for _, g := range rec.Entitlements {
		state.pools.Release(g.Name, g.Value)
	}
	rec.Status = StatusExpired
	l.metrics.recordExpiry(ctx, rec.LicenseARN)
}

func boundTTL(requested, max time.Duration) time.Duration {
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

func newConsumptionToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
