package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"licensed/internal/clock"
	"licensed/internal/errors"
	"licensed/internal/grant"
)

// LocalRoleProvider mints credentials in process. Each session name is
// subject to a propagation window after first sight, during which
// AssumeRole fails with NOT_AUTHORIZED_YET the way a freshly created
// role policy would.
type LocalRoleProvider struct {
	mu          sync.Mutex
	clock       clock.Clock
	propagation time.Duration
	firstSeen   map[string]time.Time
}

func NewLocalRoleProvider(clk clock.Clock, propagation time.Duration) *LocalRoleProvider {
	return &LocalRoleProvider{
		clock:       clk,
		propagation: propagation,
		firstSeen:   make(map[string]time.Time),
	}
}

func (p *LocalRoleProvider) AssumeRole(ctx context.Context, sessionName string, ops []grant.Operation, ttl time.Duration) (*TemporaryCredentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := p.clock.Now()

	p.mu.Lock()
	seen, ok := p.firstSeen[sessionName]
	if !ok {
		seen = now
		p.firstSeen[sessionName] = now
	}
	p.mu.Unlock()

	if p.propagation > 0 && now.Sub(seen) < p.propagation {
		return nil, errors.ErrNotAuthorizedYet
	}

	keyID, err := randomHex(10)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(20)
	if err != nil {
		return nil, err
	}
	session, err := randomHex(32)
	if err != nil {
		return nil, err
	}

	return &TemporaryCredentials{
		AccessKeyID:     "LSIA" + keyID,
		SecretAccessKey: secret,
		SessionToken:    session,
		Expiration:      now.Add(ttl),
		Operations:      append([]grant.Operation(nil), ops...),
	}, nil
}

func randomHex(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.E(errors.KindInternal, "CREDENTIAL_GENERATION_FAILED", "generating credentials").WithCause(err)
	}
	return hex.EncodeToString(raw), nil
}
