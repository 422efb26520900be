// Package credential supplies the access token for the guild-stats feed.
// The token is an opaque JWT issued by the firebot backend; the provider
// only inspects its exp claim to decide when a refresh is due.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSignedOut means the token expired and could not be refreshed.
// This is terminal: the connection layer must not retry, the operator has
// to sign in again.
var ErrSignedOut = errors.New("session expired, sign-in required")

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (access, refresh string, err error)
}

// TokenStore persists the current token pair across restarts.
type TokenStore interface {
	SaveTokens(ctx context.Context, access, refresh string) error
}

// Provider holds the current token pair and refreshes it on demand.
type Provider struct {
	mu        sync.Mutex
	access    string
	refresh   string
	refresher Refresher
	store     TokenStore

	nowFn func() time.Time
}

// NewProvider creates a provider seeded with an existing token pair.
// store may be nil when persistence is not wanted.
func NewProvider(access, refresh string, refresher Refresher, store TokenStore) *Provider {
	return &Provider{
		access:    access,
		refresh:   refresh,
		refresher: refresher,
		store:     store,
		nowFn:     time.Now,
	}
}

// SetTokens replaces the current token pair (after an interactive login).
func (p *Provider) SetTokens(ctx context.Context, access, refresh string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.access = access
	p.refresh = refresh
	if p.store != nil {
		return p.store.SaveTokens(ctx, access, refresh)
	}
	return nil
}

// Token returns a usable access token. If the current token's exp claim is
// at or before now, exactly one refresh is attempted; a failed refresh
// returns ErrSignedOut.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.access != "" && !expired(p.access, p.nowFn()) {
		return p.access, nil
	}

	if p.refresh == "" || p.refresher == nil {
		return "", ErrSignedOut
	}

	access, refresh, err := p.refresher.RefreshToken(ctx, p.refresh)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignedOut, err)
	}

	p.access = access
	p.refresh = refresh
	if p.store != nil {
		if err := p.store.SaveTokens(ctx, access, refresh); err != nil {
			// Persist failures don't invalidate the in-memory session.
			return access, nil
		}
	}
	return access, nil
}

// expired reports whether the token's exp claim is at or before now.
// A token that cannot be parsed is treated as expired so a refresh gets a
// chance to replace it.
func expired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return !exp.Time.After(now)
}
