package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/internal/borrow"
	"licensed/internal/clock"
	"licensed/internal/grant"
	"licensed/internal/ledger"
	"licensed/internal/license"
	"licensed/internal/security"
	"licensed/internal/services"
	"licensed/internal/tokens"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	ownerAccount   = "123456789012"
	granteeAccount = "210987654321"
)

type testServer struct {
	clock  *clock.Fake
	router chi.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewFake(testStart)
	logger := slog.Default()

	store := license.NewStore("us-east-1", clk)
	ldg := ledger.New(store, clk, logger)
	registry := grant.NewRegistry("us-east-1")
	keys := security.NewKeyring(2048)

	exchangeKeyID, err := keys.Generate()
	require.NoError(t, err)
	exchange := tokens.New(keys, tokens.NewLocalRoleProvider(clk, 0), clk, logger, tokens.Options{
		SigningKeyID: exchangeKeyID,
		AccessTTL:    time.Hour,
		CredsTTL:     time.Hour,
		MaxAttempts:  3,
		Backoff:      time.Millisecond,
	})

	licenseService := services.NewLicenseService(store, ldg, keys, logger)
	consumptionService := services.NewConsumptionService(store, ldg, registry, keys,
		borrow.NewSigner(keys, clk), borrow.NewVerifier(keys, clk), "licensed", logger)
	grantService := services.NewGrantService(store, registry, logger)
	tokenService := services.NewTokenService(store, registry, exchange, logger)

	r := chi.NewRouter()
	r.Mount("/api/licenses", NewLicenseHandler(licenseService, logger).Routes())
	r.Mount("/api/consumption", NewConsumptionHandler(consumptionService, logger).Routes())
	r.Mount("/api/grants", NewGrantHandler(grantService, logger).Routes())
	r.Mount("/api/tokens", NewTokenHandler(tokenService, logger).Routes())
	r.Mount("/api/health", NewHealthHandler(clk, logger).Routes())

	return &testServer{clock: clk, router: r}
}

// do issues a JSON request as the given principal and decodes the
// response body into out when it is non-nil.
func (ts *testServer) do(t *testing.T, method, path, principal string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set("X-Principal", principal)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	if out != nil && rr.Code < 300 && rr.Body.Len() > 0 {
		require.NoError(t, json.NewDecoder(rr.Body).Decode(out))
	}
	return rr
}

func createLicenseBody() map[string]any {
	return map[string]any{
		"license_name": "analytics-suite",
		"product_name": "Analytics Suite",
		"product_sku":  "sku-001",
		"issuer_name":  "acme",
		"validity": map[string]any{
			"begin": testStart.Add(-time.Hour),
			"end":   testStart.Add(365 * 24 * time.Hour),
		},
		"entitlements": []map[string]any{
			{"name": "Users", "unit": "Count", "max_count": 10, "allow_check_in": true},
		},
		"consumption_configuration": map[string]any{
			"provisional": map[string]any{"max_time_to_live_in_minutes": 60},
			"borrow":      map[string]any{"max_time_to_live_in_minutes": 1440, "allow_early_check_in": true},
		},
	}
}

func (ts *testServer) createLicense(t *testing.T) *license.License {
	t.Helper()
	var lic license.License
	rr := ts.do(t, http.MethodPost, "/api/licenses", ownerAccount, createLicenseBody(), &lic)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return &lic
}

func TestCreateLicenseEndpoint(t *testing.T) {
	ts := newTestServer(t)
	lic := ts.createLicense(t)

	assert.Contains(t, lic.ARN, "arn:licensed:us-east-1:")
	assert.Equal(t, license.StatusActive, lic.Status)
	assert.Equal(t, ownerAccount, lic.Owner)
	assert.NotEmpty(t, lic.Issuer.SignKeyID)
}

func TestCreateLicenseValidation(t *testing.T) {
	ts := newTestServer(t)

	body := createLicenseBody()
	delete(body, "product_sku")
	rr := ts.do(t, http.MethodPost, "/api/licenses", ownerAccount, body, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateLicenseRequiresPrincipal(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/licenses", "", createLicenseBody(), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestGetLicenseEndpoint(t *testing.T) {
	ts := newTestServer(t)
	lic := ts.createLicense(t)

	var got license.License
	rr := ts.do(t, http.MethodPost, "/api/licenses/get", ownerAccount,
		map[string]string{"license_arn": lic.ARN}, &got)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, lic.ARN, got.ARN)

	rr = ts.do(t, http.MethodPost, "/api/licenses/get", ownerAccount,
		map[string]string{"license_arn": "arn:licensed:us-east-1:x:license:l-missing"}, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListLicensesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.createLicense(t)

	var out []license.License
	rr := ts.do(t, http.MethodGet, "/api/licenses?owner="+ownerAccount, ownerAccount, nil, &out)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, out, 1)

	rr = ts.do(t, http.MethodGet, "/api/licenses?owner=000000000000", ownerAccount, nil, &out)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestDeleteLicenseEndpoint(t *testing.T) {
	ts := newTestServer(t)
	lic := ts.createLicense(t)

	rr := ts.do(t, http.MethodPost, "/api/licenses/delete", ownerAccount,
		map[string]any{"license_arn": lic.ARN, "source_version": lic.Version}, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	// Stale version conflicts.
	lic2 := ts.createLicense2(t)
	rr = ts.do(t, http.MethodPost, "/api/licenses/delete", ownerAccount,
		map[string]any{"license_arn": lic2.ARN, "source_version": lic2.Version + 5}, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

// createLicense2 creates a second distinctly named license.
func (ts *testServer) createLicense2(t *testing.T) *license.License {
	t.Helper()
	body := createLicenseBody()
	body["license_name"] = fmt.Sprintf("analytics-suite-%d", time.Now().UnixNano())
	var lic license.License
	rr := ts.do(t, http.MethodPost, "/api/licenses", ownerAccount, body, &lic)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return &lic
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var version map[string]string
	rr = ts.do(t, http.MethodGet, "/api/health/version", "", nil, &version)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "dev", version["version"])
}
