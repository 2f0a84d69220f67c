// Package borrow issues and verifies offline consumption tokens. A
// borrow token is a PS384-signed JWT carrying the entitlements granted
// at checkout, so a disconnected node can prove its claim without
// reaching the server until the token lapses.
package borrow

import (
	"crypto/rsa"
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"licensed/internal/clock"
	"licensed/internal/errors"
)

// KeySource resolves signing and verification keys by key ID. The
// security keyring satisfies this.
type KeySource interface {
	SigningKey(keyID string) (*rsa.PrivateKey, error)
	PublicKey(keyID string) (*rsa.PublicKey, error)
}

// EntitlementClaim is one granted entitlement embedded in the token.
type EntitlementClaim struct {
	Name  string `json:"name"`
	Unit  string `json:"unit"`
	Value int64  `json:"value"`
}

// Claims is the borrow token payload.
type Claims struct {
	LicenseARN        string             `json:"licenseArn"`
	ConsumptionToken  string             `json:"licenseConsumptionToken"`
	Entitlements      []EntitlementClaim `json:"entitlementsAllowed"`
	NodeID            string             `json:"nodeId,omitempty"`
	AllowEarlyCheckIn bool               `json:"allowEarlyCheckIn"`
	jwt.RegisteredClaims
}

// TokenInput carries what the signer needs to mint a token.
type TokenInput struct {
	KeyID             string
	LicenseARN        string
	ConsumptionToken  string
	Entitlements      []EntitlementClaim
	NodeID            string
	AllowEarlyCheckIn bool
	Issuer            string
	ExpiresAt         time.Time
}

// Signer mints borrow tokens using keys from a KeySource.
type Signer struct {
	keys  KeySource
	clock clock.Clock
}

func NewSigner(keys KeySource, clk clock.Clock) *Signer {
	return &Signer{keys: keys, clock: clk}
}

// Sign produces a compact PS384 JWT. The key ID is stamped into the
// header so verifiers can resolve the right public key.
func (s *Signer) Sign(in TokenInput) (string, error) {
	if in.KeyID == "" {
		return "", errors.ErrInvalidRequest.WithMessagef("signing key ID is required")
	}
	if in.LicenseARN == "" || in.ConsumptionToken == "" {
		return "", errors.ErrInvalidRequest.WithMessagef("license ARN and consumption token are required")
	}

	priv, err := s.keys.SigningKey(in.KeyID)
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	claims := Claims{
		LicenseARN:        in.LicenseARN,
		ConsumptionToken:  in.ConsumptionToken,
		Entitlements:      in.Entitlements,
		NodeID:            in.NodeID,
		AllowEarlyCheckIn: in.AllowEarlyCheckIn,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    in.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(in.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodPS384, claims)
	token.Header["kid"] = in.KeyID

	signed, err := token.SignedString(priv)
	if err != nil {
		return "", errors.E(errors.KindInternal, "TOKEN_SIGNING_FAILED", "signing borrow token").WithCause(err)
	}
	return signed, nil
}

// Verifier checks borrow tokens offline against the issuer's public
// keys. Verification never consults the ledger.
type Verifier struct {
	keys  KeySource
	clock clock.Clock
}

func NewVerifier(keys KeySource, clk clock.Clock) *Verifier {
	return &Verifier{keys: keys, clock: clk}
}

// Verify parses and validates a borrow token. Only PS384 signatures
// are accepted. Expired tokens and bad signatures map to distinct
// errors so callers can tell a lapsed claim from a forged one.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodPS384.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		switch {
		case stderrors.Is(err, jwt.ErrTokenExpired):
			return nil, errors.ErrTokenExpired.WithCause(err)
		case stderrors.Is(err, errors.ErrKeyNotFound):
			return nil, err
		default:
			return nil, errors.ErrInvalidSignature.WithCause(err)
		}
	}
	return claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errors.ErrInvalidSignature.WithMessagef("token is missing the key ID header")
	}
	return v.keys.PublicKey(kid)
}
