// Package tokens implements the bearer-token exchange. A distribution
// token is an opaque secret handed to principals without a durable
// account identity. The holder exchanges it for a short-lived access
// token, then trades that for temporary credentials scoped to the
// consumption operations and nothing broader.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"licensed/internal/clock"
	"licensed/internal/errors"
	"licensed/internal/grant"
)

// ScopedOperations is the closed operation set attached to temporary
// credentials. The exchange never issues anything broader.
var ScopedOperations = []grant.Operation{
	grant.OpCheckoutLicense,
	grant.OpExtendConsumption,
	grant.OpCheckInLicense,
	grant.OpGetLicense,
}

// KeySource resolves the exchange's access-token signing key.
type KeySource interface {
	SigningKey(keyID string) (*rsa.PrivateKey, error)
	PublicKey(keyID string) (*rsa.PublicKey, error)
}

// TemporaryCredentials are time-boxed credentials restricted to
// ScopedOperations.
type TemporaryCredentials struct {
	AccessKeyID     string            `json:"access_key_id"`
	SecretAccessKey string            `json:"secret_access_key"`
	SessionToken    string            `json:"session_token"`
	Expiration      time.Time         `json:"expiration"`
	Operations      []grant.Operation `json:"operations"`
}

// RoleProvider mints temporary credentials for an exchanged session.
// Implementations may not be immediately consistent after setup, in
// which case they return NOT_AUTHORIZED_YET until propagation settles.
type RoleProvider interface {
	AssumeRole(ctx context.Context, sessionName string, ops []grant.Operation, ttl time.Duration) (*TemporaryCredentials, error)
}

// Token is the stored metadata for a distribution token. The secret
// itself is never stored, only its SHA-256 digest.
type Token struct {
	TokenID    string    `json:"token_id"`
	LicenseARN string    `json:"license_arn"`
	Principal  string    `json:"principal"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	tokenStatusActive  = "AVAILABLE"
	tokenStatusDeleted = "DELETED"
)

type record struct {
	Token
	secretHash string
}

// accessClaims is the payload of an exchanged access token.
type accessClaims struct {
	TokenID    string `json:"tokenId"`
	LicenseARN string `json:"licenseArn"`
	Principal  string `json:"principal"`
	jwt.RegisteredClaims
}

// Options configures an Exchange.
type Options struct {
	SigningKeyID string
	AccessTTL    time.Duration
	CredsTTL     time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	TokenTTL     time.Duration
}

// Exchange issues, exchanges and revokes distribution tokens.
type Exchange struct {
	mu            sync.RWMutex
	clock         clock.Clock
	keys          KeySource
	roles         RoleProvider
	logger        *slog.Logger
	opts          Options
	tokens        map[string]*record
	byHash        map[string]string
	byClientToken map[string]string
}

func New(keys KeySource, roles RoleProvider, clk clock.Clock, logger *slog.Logger, opts Options) *Exchange {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = time.Hour
	}
	if opts.CredsTTL <= 0 {
		opts.CredsTTL = time.Hour
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		clock:         clk,
		keys:          keys,
		roles:         roles,
		logger:        logger.With(slog.String("component", "token-exchange")),
		opts:          opts,
		tokens:        make(map[string]*record),
		byHash:        make(map[string]string),
		byClientToken: make(map[string]string),
	}
}

// CreateInput carries a distribution token creation request.
type CreateInput struct {
	LicenseARN  string
	Principal   string
	ClientToken string
}

// Create issues a distribution token and returns its metadata together
// with the opaque secret. The secret is shown exactly once.
func (e *Exchange) Create(in CreateInput) (*Token, string, error) {
	if in.LicenseARN == "" {
		return nil, "", errors.ErrInvalidRequest.WithMessagef("license ARN is required")
	}
	if in.Principal == "" {
		return nil, "", errors.ErrInvalidRequest.WithMessagef("principal is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if in.ClientToken != "" {
		if id, ok := e.byClientToken[in.ClientToken]; ok {
			tok := e.tokens[id].Token
			// The secret is not recoverable on replay.
			return &tok, "", nil
		}
	}

	secret, hash, err := newSecret()
	if err != nil {
		return nil, "", err
	}

	now := e.clock.Now()
	rec := &record{
		Token: Token{
			TokenID:    "t-" + strings.ReplaceAll(uuid.New().String(), "-", ""),
			LicenseARN: in.LicenseARN,
			Principal:  in.Principal,
			Status:     tokenStatusActive,
			CreatedAt:  now,
		},
		secretHash: hash,
	}
	if e.opts.TokenTTL > 0 {
		rec.ExpiresAt = now.Add(e.opts.TokenTTL)
	}

	e.tokens[rec.TokenID] = rec
	e.byHash[hash] = rec.TokenID
	if in.ClientToken != "" {
		e.byClientToken[in.ClientToken] = rec.TokenID
	}

	e.logger.Info("distribution token issued",
		slog.String("token_id", rec.TokenID),
		slog.String("license_arn", rec.LicenseARN))

	tok := rec.Token
	return &tok, secret, nil
}

// Get returns token metadata by ID.
func (e *Exchange) Get(tokenID string) (*Token, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, ok := e.tokens[tokenID]
	if !ok {
		return nil, errors.ErrTokenNotFound
	}
	tok := rec.Token
	return &tok, nil
}

// List returns metadata for all tokens, optionally filtered by license.
func (e *Exchange) List(licenseARN string) []*Token {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Token, 0, len(e.tokens))
	for _, rec := range e.tokens {
		if licenseARN != "" && rec.LicenseARN != licenseARN {
			continue
		}
		tok := rec.Token
		out = append(out, &tok)
	}
	return out
}

// Delete revokes a distribution token. Revoked tokens can no longer be
// exchanged. Deleting an already-deleted token is a no-op.
func (e *Exchange) Delete(tokenID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.tokens[tokenID]
	if !ok {
		return errors.ErrTokenNotFound
	}
	rec.Status = tokenStatusDeleted
	return nil
}

// ExchangeForAccessToken trades an opaque distribution token for a
// short-lived signed access token. Revoked and expired tokens are
// refused.
func (e *Exchange) ExchangeForAccessToken(secret string) (string, error) {
	if secret == "" {
		return "", errors.ErrInvalidRequest.WithMessagef("token is required")
	}

	// Copy the record while holding the lock: Delete mutates Status on
	// the shared record under the write lock.
	e.mu.RLock()
	var tok Token
	found := false
	if id, ok := e.byHash[hashSecret(secret)]; ok {
		if rec, ok := e.tokens[id]; ok {
			tok = rec.Token
			found = true
		}
	}
	e.mu.RUnlock()

	if !found {
		return "", errors.ErrTokenNotFound
	}
	if tok.Status != tokenStatusActive {
		return "", errors.ErrNotAuthorized.WithMessagef("token %s has been revoked", tok.TokenID)
	}
	now := e.clock.Now()
	if !tok.ExpiresAt.IsZero() && !now.Before(tok.ExpiresAt) {
		return "", errors.ErrTokenExpired
	}

	priv, err := e.keys.SigningKey(e.opts.SigningKeyID)
	if err != nil {
		return "", err
	}

	claims := accessClaims{
		TokenID:    tok.TokenID,
		LicenseARN: tok.LicenseARN,
		Principal:  tok.Principal,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.opts.AccessTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodPS384, claims)
	token.Header["kid"] = e.opts.SigningKeyID

	signed, err := token.SignedString(priv)
	if err != nil {
		return "", errors.E(errors.KindInternal, "TOKEN_SIGNING_FAILED", "signing access token").WithCause(err)
	}
	return signed, nil
}

// AssumeScopedRole exchanges an access token for temporary credentials
// restricted to ScopedOperations. Role propagation is not immediate,
// so transient NOT_AUTHORIZED_YET failures are retried with
// exponential backoff up to the configured attempt limit.
func (e *Exchange) AssumeScopedRole(ctx context.Context, accessToken string) (*TemporaryCredentials, error) {
	claims, err := e.verifyAccessToken(accessToken)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	rec, ok := e.tokens[claims.TokenID]
	active := ok && rec.Status == tokenStatusActive
	e.mu.RUnlock()
	if !active {
		return nil, errors.ErrNotAuthorized.WithMessagef("distribution token is no longer valid")
	}

	sessionName := claims.Principal + "@" + claims.TokenID
	delay := e.opts.Backoff
	var lastErr error

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		creds, err := e.roles.AssumeRole(ctx, sessionName, ScopedOperations, e.opts.CredsTTL)
		if err == nil {
			return creds, nil
		}
		if !stderrors.Is(err, errors.ErrNotAuthorizedYet) {
			return nil, err
		}
		lastErr = err
		if attempt == e.opts.MaxAttempts {
			break
		}

		e.logger.Debug("role not yet assumable, backing off",
			slog.String("token_id", claims.TokenID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil, errors.E(errors.KindTransient, "RETRY_CANCELED", "waiting on role propagation").WithCause(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	return nil, errors.ErrRetryTimeout.WithCause(lastErr)
}

func (e *Exchange) verifyAccessToken(accessToken string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(accessToken, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.ErrInvalidSignature.WithMessagef("access token is missing the key ID header")
		}
		return e.keys.PublicKey(kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodPS384.Alg()}),
		jwt.WithTimeFunc(e.clock.Now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired.WithCause(err)
		}
		return nil, errors.ErrInvalidSignature.WithCause(err)
	}
	return claims, nil
}

// newSecret produces a 256-bit random token, base64url encoded.
func newSecret() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", errors.E(errors.KindInternal, "TOKEN_GENERATION_FAILED", "generating token secret").WithCause(err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	return secret, hashSecret(secret), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
