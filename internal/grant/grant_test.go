package grant

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"licensed/internal/errors"
)

const (
	licARN    = "arn:licensed:us-east-1:123456789012:license:l-abc"
	grantee   = "210987654321"
	otherAcct = "555555555555"
)

func newGrant(t *testing.T, r *Registry, ops ...Operation) *Grant {
	t.Helper()
	if len(ops) == 0 {
		ops = []Operation{OpCheckoutLicense, OpCheckInLicense}
	}
	g, err := r.Create(CreateInput{
		Name:       "share-with-consumer",
		LicenseARN: licARN,
		Grantee:    grantee,
		Operations: ops,
	})
	require.NoError(t, err)
	return g
}

func TestCreate(t *testing.T) {
	r := NewRegistry("us-east-1")
	g := newGrant(t, r)

	assert.Contains(t, g.ARN, "arn:licensed:us-east-1:grant:g-")
	assert.Equal(t, StatusPendingAccept, g.Status)
	assert.Equal(t, int64(1), g.Version)
}

func TestCreateValidation(t *testing.T) {
	r := NewRegistry("us-east-1")

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"missing name", CreateInput{Grantee: grantee, Operations: []Operation{OpCheckoutLicense}}},
		{"missing grantee", CreateInput{Name: "g", Operations: []Operation{OpCheckoutLicense}}},
		{"no operations", CreateInput{Name: "g", Grantee: grantee}},
		{"unknown operation", CreateInput{Name: "g", Grantee: grantee, Operations: []Operation{"DeleteEverything"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(tt.in)
			assert.True(t, stderrors.Is(err, errors.ErrInvalidRequest))
		})
	}
}

func TestCreateClientTokenIdempotency(t *testing.T) {
	r := NewRegistry("us-east-1")
	in := CreateInput{
		Name:        "share",
		LicenseARN:  licARN,
		Grantee:     grantee,
		Operations:  []Operation{OpCheckoutLicense},
		ClientToken: "retry-1",
	}
	first, err := r.Create(in)
	require.NoError(t, err)
	replay, err := r.Create(in)
	require.NoError(t, err)
	assert.Equal(t, first.ARN, replay.ARN)
	assert.Len(t, r.List(""), 1)
}

func TestLifecycle(t *testing.T) {
	r := NewRegistry("us-east-1")
	g := newGrant(t, r)

	accepted, err := r.Accept(g.ARN, grantee)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)
	assert.Equal(t, int64(2), accepted.Version)

	active, err := r.Activate(g.ARN, grantee)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)
	assert.Equal(t, int64(3), active.Version)

	terminated, err := r.Revoke(g.ARN, "no longer shared")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, terminated.Status)
	assert.Equal(t, "no longer shared", terminated.StatusReason)
}

func TestAcceptOnlyBeneficiary(t *testing.T) {
	r := NewRegistry("us-east-1")
	g := newGrant(t, r)

	_, err := r.Accept(g.ARN, otherAcct)
	assert.True(t, stderrors.Is(err, errors.ErrNotAuthorized))

	got, err := r.Get(g.ARN)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingAccept, got.Status)
}

func TestActivateRequiresAccept(t *testing.T) {
	r := NewRegistry("us-east-1")
	g := newGrant(t, r)

	_, err := r.Activate(g.ARN, grantee)
	assert.True(t, stderrors.Is(err, errors.ErrGrantNotAcceptable))
}

func TestRejectFromPendingAndAccepted(t *testing.T) {
	r := NewRegistry("us-east-1")

	g := newGrant(t, r)
	rejected, err := r.Reject(g.ARN, grantee)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)

	// Rejected grants cannot be accepted afterwards.
	_, err = r.Accept(g.ARN, grantee)
	assert.True(t, stderrors.Is(err, errors.ErrGrantNotAcceptable))
}

func TestIdempotentTransitions(t *testing.T) {
	r := NewRegistry("us-east-1")
	g := newGrant(t, r)

	_, err := r.Accept(g.ARN, grantee)
	require.NoError(t, err)

	// Replayed accept succeeds and does not bump the version again.
	replay, err := r.Accept(g.ARN, grantee)
	require.NoError(t, err)
	assert.Equal(t, int64(2), replay.Version)

	_, err = r.Activate(g.ARN, grantee)
	require.NoError(t, err)
	replay, err = r.Activate(g.ARN, grantee)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, replay.Status)
	assert.Equal(t, int64(3), replay.Version)
}

// TestConcurrentActivation races two activations; exactly one performs
// the transition and the loser observes ACTIVE and succeeds.
func TestConcurrentActivation(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := NewRegistry("us-east-1")
		g := newGrant(t, r)
		_, err := r.Accept(g.ARN, grantee)
		require.NoError(t, err)

		var eg errgroup.Group
		for j := 0; j < 2; j++ {
			eg.Go(func() error {
				_, err := r.Activate(g.ARN, grantee)
				return err
			})
		}
		require.NoError(t, eg.Wait())

		got, err := r.Get(g.ARN)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)
		assert.Equal(t, int64(3), got.Version)
	}
}

func TestAuthorize(t *testing.T) {
	base := &Grant{
		LicenseARN: licARN,
		Grantee:    grantee,
		Status:     StatusActive,
		Operations: []Operation{OpCheckoutLicense, OpCheckInLicense},
	}

	tests := []struct {
		name      string
		mutate    func(*Grant)
		principal string
		op        Operation
		want      bool
	}{
		{"active grant allows listed op", nil, grantee, OpCheckoutLicense, true},
		{"op not in set", nil, grantee, OpCheckoutBorrow, false},
		{"wrong principal", nil, otherAcct, OpCheckoutLicense, false},
		{"empty principal", nil, "", OpCheckoutLicense, false},
		{"pending grant", func(g *Grant) { g.Status = StatusPendingAccept }, grantee, OpCheckoutLicense, false},
		{"accepted but not active", func(g *Grant) { g.Status = StatusAccepted }, grantee, OpCheckoutLicense, false},
		{"rejected grant", func(g *Grant) { g.Status = StatusRejected }, grantee, OpCheckoutLicense, false},
		{"terminated grant", func(g *Grant) { g.Status = StatusTerminated }, grantee, OpCheckoutLicense, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := base.clone()
			if tt.mutate != nil {
				tt.mutate(g)
			}
			assert.Equal(t, tt.want, Authorize(g, tt.principal, tt.op))
		})
	}

	assert.False(t, Authorize(nil, grantee, OpCheckoutLicense))
}

// A grant in any state other than ACTIVE authorizes no operation at all.
func TestNonActiveGrantAuthorizesNothing(t *testing.T) {
	allOps := make([]Operation, 0, len(KnownOperations))
	for op := range KnownOperations {
		allOps = append(allOps, op)
	}

	for _, status := range []Status{StatusPendingAccept, StatusAccepted, StatusRejected, StatusTerminated} {
		g := &Grant{Grantee: grantee, Status: status, Operations: allOps}
		for _, op := range allOps {
			assert.False(t, Authorize(g, grantee, op), "status %s op %s", status, op)
		}
	}
}

func TestRegistryAuthorized(t *testing.T) {
	r := NewRegistry("us-east-1")
	g := newGrant(t, r, OpCheckoutLicense)

	// Never accepted: checkout is not authorized.
	err := r.Authorized(licARN, grantee, OpCheckoutLicense)
	assert.True(t, stderrors.Is(err, errors.ErrNotAuthorized))

	_, err = r.Accept(g.ARN, grantee)
	require.NoError(t, err)
	_, err = r.Activate(g.ARN, grantee)
	require.NoError(t, err)

	assert.NoError(t, r.Authorized(licARN, grantee, OpCheckoutLicense))
	// Operation outside the granted set still fails closed.
	err = r.Authorized(licARN, grantee, OpCreateToken)
	assert.True(t, stderrors.Is(err, errors.ErrNotAuthorized))
	// A different license is not covered.
	err = r.Authorized("arn:licensed:us-east-1:1:license:l-other", grantee, OpCheckoutLicense)
	assert.True(t, stderrors.Is(err, errors.ErrNotAuthorized))
}
