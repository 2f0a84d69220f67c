package license

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/internal/clock"
	"licensed/internal/errors"
)

func testStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStore("us-east-1", clk), clk
}

func validInput() CreateInput {
	return CreateInput{
		Name:        "TestLicense1",
		ProductName: "My Product",
		ProductSKU:  "TestProductSKU1",
		Issuer:      Issuer{Name: "My Company"},
		Owner:       "123456789012",
		Beneficiary: "My Beneficiary",
		Validity:    Validity{Begin: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		Entitlement: []Entitlement{
			{Name: "Users", Unit: "Count", MaxCount: 1000, AllowCheckIn: true},
		},
		Consumption: ConsumptionConfiguration{
			Provisional: &ProvisionalConfiguration{MaxTimeToLiveInMinutes: 60},
		},
		ClientToken: "client-token-1",
	}
}

func TestCreate(t *testing.T) {
	store, _ := testStore(t)

	lic, err := store.Create(validInput())
	require.NoError(t, err)

	assert.Contains(t, lic.ARN, "arn:licensed:us-east-1:123456789012:license:l-")
	assert.Equal(t, StatusActive, lic.Status)
	assert.Equal(t, int64(1), lic.Version)
	assert.Equal(t, "us-east-1", lic.HomeRegion)
	assert.True(t, lic.LiveCheckoutAllowed())
	assert.False(t, lic.BorrowAllowed())
}

func TestCreateClientTokenIdempotency(t *testing.T) {
	store, _ := testStore(t)

	first, err := store.Create(validInput())
	require.NoError(t, err)

	// Replaying the same client token returns the original license, not
	// a duplicate and not a conflict.
	replay, err := store.Create(validInput())
	require.NoError(t, err)
	assert.Equal(t, first.ARN, replay.ARN)
	assert.Len(t, store.List(""), 1)
}

func TestCreateNameConflict(t *testing.T) {
	store, _ := testStore(t)

	_, err := store.Create(validInput())
	require.NoError(t, err)

	in := validInput()
	in.ClientToken = "client-token-2"
	_, err = store.Create(in)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrAlreadyExists))

	// Same name under a different owner is fine.
	in.Owner = "999999999999"
	in.ClientToken = "client-token-3"
	_, err = store.Create(in)
	assert.NoError(t, err)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing name", func(in *CreateInput) { in.Name = "" }},
		{"missing owner", func(in *CreateInput) { in.Owner = "" }},
		{"no entitlements", func(in *CreateInput) { in.Entitlement = nil }},
		{"duplicate entitlement", func(in *CreateInput) {
			in.Entitlement = append(in.Entitlement, in.Entitlement[0])
		}},
		{"zero max count", func(in *CreateInput) { in.Entitlement[0].MaxCount = 0 }},
		{"missing validity begin", func(in *CreateInput) { in.Validity.Begin = time.Time{} }},
		{"end before begin", func(in *CreateInput) {
			in.Validity.End = in.Validity.Begin.Add(-time.Hour)
		}},
		{"no consumption configuration", func(in *CreateInput) {
			in.Consumption = ConsumptionConfiguration{}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := testStore(t)
			in := validInput()
			tt.mutate(&in)
			_, err := store.Create(in)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrInvalidRequest))
		})
	}
}

func TestGetUnknown(t *testing.T) {
	store, _ := testStore(t)
	_, err := store.Get("arn:licensed:us-east-1:1:license:l-missing")
	assert.True(t, stderrors.Is(err, errors.ErrLicenseNotFound))
}

func TestGetReturnsCopy(t *testing.T) {
	store, _ := testStore(t)
	lic, err := store.Create(validInput())
	require.NoError(t, err)

	lic.Entitlement[0].MaxCount = 5
	lic.Status = StatusSuspended

	again, err := store.Get(lic.ARN)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), again.Entitlement[0].MaxCount)
	assert.Equal(t, StatusActive, again.Status)
}

func TestSetStatusBumpsVersion(t *testing.T) {
	store, _ := testStore(t)
	lic, err := store.Create(validInput())
	require.NoError(t, err)

	updated, err := store.SetStatus(lic.ARN, StatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, updated.Status)
	assert.Equal(t, int64(2), updated.Version)
}

func TestDelete(t *testing.T) {
	store, _ := testStore(t)
	lic, err := store.Create(validInput())
	require.NoError(t, err)

	// Stale version is rejected.
	err = store.Delete(lic.ARN, 99)
	assert.True(t, stderrors.Is(err, errors.ErrVersionConflict))

	require.NoError(t, store.Delete(lic.ARN, lic.Version))

	got, err := store.Get(lic.ARN)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, got.Status)

	// Deleting again is a no-op for retried clients.
	assert.NoError(t, store.Delete(lic.ARN, got.Version))

	// The name is reusable after deletion.
	in := validInput()
	in.ClientToken = "client-token-2"
	_, err = store.Create(in)
	assert.NoError(t, err)
}

func TestValidityContains(t *testing.T) {
	begin := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := begin.AddDate(1, 0, 0)

	open := Validity{Begin: begin}
	assert.False(t, open.Contains(begin.Add(-time.Second)))
	assert.True(t, open.Contains(begin))
	assert.True(t, open.Contains(begin.AddDate(10, 0, 0)))

	closed := Validity{Begin: begin, End: end}
	assert.True(t, closed.Contains(end.Add(-time.Second)))
	assert.False(t, closed.Contains(end)) // half-open interval
}

func TestRenewable(t *testing.T) {
	lic := &License{Consumption: ConsumptionConfiguration{}}
	assert.True(t, lic.Renewable())

	lic.Consumption.RenewType = RenewNone
	assert.False(t, lic.Renewable())

	lic.Consumption.RenewType = RenewWeekly
	assert.True(t, lic.Renewable())
}
