// Package blizzard implements the official game API client: OAuth token
// management, guild rosters, character profiles, achievements and PvP
// brackets. Tokens are shared across worker processes through Redis so the
// fleet renews once per expiry instead of once per process.
package blizzard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	cache "github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
)

// ══════════════════════════════════════════════════════════════════════════════
// TOKEN MANAGER
// ══════════════════════════════════════════════════════════════════════════════

const (
	tokenKey     = cache.PrefixToken + "game-api"
	renewLockKey = cache.PrefixLock + "token-renewal"

	// lockWaitTotal bounds how long a non-renewing caller waits for the
	// renewer before fetching its own token. A duplicate token request is
	// harmless; a stalled fleet is not.
	lockWaitTotal = 2 * time.Second
	lockWaitStep  = 100 * time.Millisecond
)

var (
	// ErrMissingCredentials is returned when no OAuth credentials are set.
	ErrMissingCredentials = errors.New("blizzard: client credentials not configured")

	// ErrTokenRequest is returned when the OAuth endpoint rejects a request.
	ErrTokenRequest = errors.New("blizzard: token request failed")
)

// TokenManagerConfig contains configuration for the token manager.
type TokenManagerConfig struct {
	// ClientID and ClientSecret are the OAuth client-credentials pair.
	ClientID     string
	ClientSecret string

	// OAuthURL is the token endpoint.
	OAuthURL string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultTokenManagerConfig returns sensible defaults.
func DefaultTokenManagerConfig(clientID, clientSecret string) TokenManagerConfig {
	return TokenManagerConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		OAuthURL:     "https://oauth.battle.net/token",
		Timeout:      10 * time.Second,
	}
}

// TokenManager acquires and caches OAuth access tokens. The cached token
// lives in Redis with a TTL shorter than the token's validity, and renewal
// is serialized with a SetNX lock so concurrent workers don't stampede the
// OAuth endpoint.
type TokenManager struct {
	config     TokenManagerConfig
	cache      *cache.Cache
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTokenManager creates a new TokenManager.
func NewTokenManager(config TokenManagerConfig, c *cache.Cache) *TokenManager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &TokenManager{
		config: config,
		cache:  c,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: config.Logger,
	}
}

// AccessToken returns a valid access token, renewing through the OAuth
// endpoint when the cache is empty.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	if token, err := m.cache.GetString(ctx, tokenKey); err == nil {
		return token, nil
	}

	acquired, err := m.cache.SetNX(ctx, renewLockKey, "1", cache.TTLRenewalLock)
	if err != nil {
		// Redis trouble should not take the sync fleet down with it.
		m.logger.Warn("token renewal lock unavailable, renewing without it", "error", err)
		return m.renew(ctx)
	}

	if acquired {
		defer func() {
			if err := m.cache.Delete(context.WithoutCancel(ctx), renewLockKey); err != nil {
				m.logger.Warn("failed to release token renewal lock", "error", err)
			}
		}()
		return m.renew(ctx)
	}

	// Another worker holds the lock. Wait briefly for it to publish the
	// token, then renew ourselves rather than stall.
	deadline := time.Now().Add(lockWaitTotal)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockWaitStep):
		}

		if token, err := m.cache.GetString(ctx, tokenKey); err == nil {
			return token, nil
		}
	}

	m.logger.Debug("token renewal lock holder did not publish in time, renewing directly")
	return m.renew(ctx)
}

// Invalidate drops the cached token. Called when the API answers 401 with a
// token that should still be valid.
func (m *TokenManager) Invalidate(ctx context.Context) error {
	return m.cache.Delete(ctx, tokenKey)
}

// renew fetches a fresh token from the OAuth endpoint and caches it.
func (m *TokenManager) renew(ctx context.Context) (string, error) {
	if m.config.ClientID == "" || m.config.ClientSecret == "" {
		return "", ErrMissingCredentials
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.OAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(m.config.ClientID, m.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrTokenRequest, resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrTokenRequest)
	}

	ttl := cache.TTLAccessToken
	if tokenResp.ExpiresIn > 0 {
		// Stay comfortably inside the token's validity.
		fromUpstream := time.Duration(tokenResp.ExpiresIn) * time.Second * 9 / 10
		if fromUpstream < ttl {
			ttl = fromUpstream
		}
	}

	if err := m.cache.SetString(ctx, tokenKey, tokenResp.AccessToken, ttl); err != nil {
		m.logger.Warn("failed to cache access token", "error", err)
	}

	m.logger.Debug("renewed game API access token", "ttl", ttl)
	return tokenResp.AccessToken, nil
}
