// Package auth issues and caches the short-lived access token used to call
// the push gateway on behalf of a service account.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/example/ride-dispatch/internal/observability"
)

const (
	// MessagingScope is the only scope requested for push tokens.
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	// RefreshMargin is the remaining lifetime under which a cached token is replaced.
	RefreshMargin = 5 * time.Minute

	assertionLifetime = time.Hour
	jwtBearerGrant    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

var ErrCredentialAcquisition = errors.New("credential acquisition failed")

// CredentialCache holds one access token per service account. Concurrent
// callers that find no usable token share a single exchange with the issuer.
type CredentialCache struct {
	sa     ServiceAccount
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
	margin time.Duration

	mu    sync.RWMutex
	token *oauth2.Token
	group singleflight.Group
}

func NewCredentialCache(sa ServiceAccount, client *http.Client, log zerolog.Logger) *CredentialCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}
	return &CredentialCache{sa: sa, client: client, log: log, now: time.Now, margin: RefreshMargin}
}

// WithClock replaces the time source, used by tests.
func (c *CredentialCache) WithClock(now func() time.Time) *CredentialCache {
	c.now = now
	return c
}

// ProjectID is the project the service account belongs to.
func (c *CredentialCache) ProjectID() string { return c.sa.ProjectID }

// Token returns a cached token with more than RefreshMargin left, acquiring
// a new one otherwise. A failed acquisition leaves the cache as it was.
func (c *CredentialCache) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := c.cached(); tok != nil {
		return tok, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		if tok := c.cached(); tok != nil {
			return tok, nil
		}
		// the exchange outlives a cancelled leader so waiting callers still get a result
		tok, err := c.acquire(context.WithoutCancel(ctx))
		if err != nil {
			observability.TokenRefreshes.WithLabelValues("error").Inc()
			c.log.Error().Err(err).Msg("push credential acquisition failed")
			return nil, err
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		observability.TokenRefreshes.WithLabelValues("ok").Inc()
		c.log.Info().Time("expiry", tok.Expiry).Msg("push credential refreshed")
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCredentialAcquisition, ctx.Err())
	}
}

// AccessToken is Token reduced to the bearer string.
func (c *CredentialCache) AccessToken(ctx context.Context) (string, error) {
	tok, err := c.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// TokenSource adapts the cache for oauth2.NewClient. Every Token call goes
// through the cache with ctx.
func (c *CredentialCache) TokenSource(ctx context.Context) oauth2.TokenSource {
	return cacheSource{ctx: ctx, c: c}
}

type cacheSource struct {
	ctx context.Context
	c   *CredentialCache
}

func (s cacheSource) Token() (*oauth2.Token, error) { return s.c.Token(s.ctx) }

func (c *CredentialCache) cached() *oauth2.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil || c.token.AccessToken == "" {
		return nil
	}
	if !c.now().Add(c.margin).Before(c.token.Expiry) {
		return nil
	}
	return c.token
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *CredentialCache) acquire(ctx context.Context) (*oauth2.Token, error) {
	now := c.now()
	assertion, err := c.assertion(now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialAcquisition, err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sa.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialAcquisition, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request: %w", ErrCredentialAcquisition, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %w", ErrCredentialAcquisition, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		reason := e.ErrorDescription
		if reason == "" {
			reason = e.Error
		}
		if reason == "" {
			reason = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("%w: issuer returned %d: %s", ErrCredentialAcquisition, resp.StatusCode, reason)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %w", ErrCredentialAcquisition, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: issuer returned an empty access token", ErrCredentialAcquisition)
	}
	// such a token would be stale on arrival and trigger an exchange per call
	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= c.margin {
		return nil, fmt.Errorf("%w: token lifetime %s is within the %s refresh margin", ErrCredentialAcquisition, lifetime, c.margin)
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tokenType,
		Expiry:      now.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// assertion signs the RS256 JWT exchanged for an access token.
func (c *CredentialCache) assertion(now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.sa.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	claims := jwt.MapClaims{
		"iss":   c.sa.ClientEmail,
		"sub":   c.sa.ClientEmail,
		"scope": MessagingScope,
		"aud":   c.sa.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}
