package ledger

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's consumption instruments. A nil *Metrics is
// safe to call, so the ledger works without observability wired.
type Metrics struct {
	checkouts   metric.Int64Counter
	checkins    metric.Int64Counter
	extends     metric.Int64Counter
	expirations metric.Int64Counter
}

// NewMetrics registers the consumption counters on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	checkouts, err := meter.Int64Counter("licensed.checkouts.total",
		metric.WithDescription("License checkouts issued, by checkout type"))
	if err != nil {
		return nil, err
	}
	checkins, err := meter.Int64Counter("licensed.checkins.total",
		metric.WithDescription("License check-ins completed"))
	if err != nil {
		return nil, err
	}
	extends, err := meter.Int64Counter("licensed.extensions.total",
		metric.WithDescription("Consumption extensions granted"))
	if err != nil {
		return nil, err
	}
	expirations, err := meter.Int64Counter("licensed.expirations.total",
		metric.WithDescription("Checkout records reclaimed by expiry"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		checkouts:   checkouts,
		checkins:    checkins,
		extends:     extends,
		expirations: expirations,
	}, nil
}

func (m *Metrics) recordCheckout(ctx context.Context, licenseARN, checkoutType string) {
	if m == nil {
		return
	}
	m.checkouts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("license_arn", licenseARN),
		attribute.String("checkout_type", checkoutType),
	))
}

func (m *Metrics) recordCheckIn(ctx context.Context, licenseARN string) {
	if m == nil {
		return
	}
	m.checkins.Add(ctx, 1, metric.WithAttributes(attribute.String("license_arn", licenseARN)))
}

func (m *Metrics) recordExtend(ctx context.Context, licenseARN string) {
	if m == nil {
		return
	}
	m.extends.Add(ctx, 1, metric.WithAttributes(attribute.String("license_arn", licenseARN)))
}

func (m *Metrics) recordExpiry(ctx context.Context, licenseARN string) {
	if m == nil {
		return
	}
	m.expirations.Add(ctx, 1, metric.WithAttributes(attribute.String("license_arn", licenseARN)))
}
