// Package license defines the License and Entitlement model and the
// authoritative in-memory store the consumption engine runs against.
// Licenses are immutable once issued except for status; entitlement
// consumption lives in the ledger, not here.
package license

import (
	"time"
)

// Status is the lifecycle status of a License.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusExpired   Status = "EXPIRED"
	StatusDeleted   Status = "DELETED"
)

// RenewType controls whether provisional checkouts may be extended.
type RenewType string

const (
	RenewNone    RenewType = "None"
	RenewWeekly  RenewType = "Weekly"
	RenewMonthly RenewType = "Monthly"
)

// Entitlement is a named, quantifiable right of use defined within a
// License. Definitions are immutable; only consumed counters vary at
// runtime.
type Entitlement struct {
	Name         string `json:"name"`
	Unit         string `json:"unit"` // Count, Seconds, Bytes
	MaxCount     int64  `json:"max_count"`
	Overage      bool   `json:"overage"`
	AllowCheckIn bool   `json:"allow_check_in"`
}

// Issuer identifies the selling principal and its signing key.
type Issuer struct {
	Name      string `json:"name"`
	SignKeyID string `json:"sign_key_id,omitempty"`
}

// Validity is the [Begin, End) window a license is consumable within.
// A zero End means open-ended.
type Validity struct {
	Begin time.Time `json:"begin"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls inside the validity window.
func (v Validity) Contains(t time.Time) bool {
	if t.Before(v.Begin) {
		return false
	}
	if !v.End.IsZero() && !t.Before(v.End) {
		return false
	}
	return true
}

// ProvisionalConfiguration bounds live checkouts.
type ProvisionalConfiguration struct {
	MaxTimeToLiveInMinutes int `json:"max_time_to_live_in_minutes"`
}

// BorrowConfiguration bounds offline (borrow) checkouts.
type BorrowConfiguration struct {
	MaxTimeToLiveInMinutes int  `json:"max_time_to_live_in_minutes"`
	AllowEarlyCheckIn      bool `json:"allow_early_check_in"`
}

// ConsumptionConfiguration is the license's consumption policy: which
// checkout modes are permitted and their TTL ceilings.
type ConsumptionConfiguration struct {
	RenewType   RenewType                 `json:"renew_type,omitempty"`
	Provisional *ProvisionalConfiguration `json:"provisional,omitempty"`
	Borrow      *BorrowConfiguration      `json:"borrow,omitempty"`
}

// License is an issued license: a set of entitlement definitions plus the
// consumption policy. Owned by the issuing principal, referenced by
// consumers.
type License struct {
	ARN         string                   `json:"arn"`
	Name        string                   `json:"name"`
	ProductName string                   `json:"product_name"`
	ProductSKU  string                   `json:"product_sku"`
	Issuer      Issuer                   `json:"issuer"`
	Owner       string                   `json:"owner"`
	Beneficiary string                   `json:"beneficiary,omitempty"`
	HomeRegion  string                   `json:"home_region"`
	Validity    Validity                 `json:"validity"`
	Entitlement []Entitlement            `json:"entitlements"`
	Consumption ConsumptionConfiguration `json:"consumption_configuration"`
	Metadata    map[string]string        `json:"metadata,omitempty"`
	Status      Status                   `json:"status"`
	Version     int64                    `json:"version"`
	CreateTime  time.Time                `json:"create_time"`
}

// FindEntitlement returns the named entitlement definition.
func (l *License) FindEntitlement(name string) (Entitlement, bool) {
	for _, e := range l.Entitlement {
		if e.Name == name {
			return e, true
		}
	}
	return Entitlement{}, false
}

// LiveCheckoutAllowed reports whether provisional (live) checkout is configured.
func (l *License) LiveCheckoutAllowed() bool {
	return l.Consumption.Provisional != nil && l.Consumption.Provisional.MaxTimeToLiveInMinutes > 0
}

// BorrowAllowed reports whether borrow (offline) checkout is configured.
func (l *License) BorrowAllowed() bool {
	return l.Consumption.Borrow != nil && l.Consumption.Borrow.MaxTimeToLiveInMinutes > 0
}

// Renewable reports whether checkout records against this license may be
// extended. An explicit RenewType of None forbids extension.
func (l *License) Renewable() bool {
	return l.Consumption.RenewType != RenewNone
}

// ProvisionalTTL is the ceiling on a live checkout's lifetime.
func (l *License) ProvisionalTTL() time.Duration {
	if l.Consumption.Provisional == nil {
		return 0
	}
	return time.Duration(l.Consumption.Provisional.MaxTimeToLiveInMinutes) * time.Minute
}

// BorrowTTL is the ceiling on a borrow token's lifetime.
func (l *License) BorrowTTL() time.Duration {
	if l.Consumption.Borrow == nil {
		return 0
	}
	return time.Duration(l.Consumption.Borrow.MaxTimeToLiveInMinutes) * time.Minute
}

func (l *License) clone() *License {
	c := *l
	c.Entitlement = append([]Entitlement(nil), l.Entitlement...)
	if l.Metadata != nil {
		c.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
