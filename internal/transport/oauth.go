package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/config"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

const (
	googleIssuer = "https://accounts.google.com"
	stateTTL     = 10 * time.Minute
)

type (
	// Provider is an OAuth identity provider that yields verified emails.
	Provider interface {
		AuthCodeURL(state string) string
		Email(ctx context.Context, code string) (string, error)
	}

	oidcProvider struct {
		conf     oauth2.Config
		verifier *oidc.IDTokenVerifier
	}

	stateEntry struct {
		provider  string
		expiresAt time.Time
	}

	// StateStore keeps one-time OAuth state values.
	StateStore struct {
		mu     sync.Mutex
		states map[string]stateEntry
		ttl    time.Duration
		now    func() time.Time
	}

	OAuth struct {
		providers map[string]Provider
		states    *StateStore
	}
)

func NewOAuth(cfg *config.Config, logger *zap.SugaredLogger) *OAuth {
	o := &OAuth{
		providers: map[string]Provider{},
		states:    NewStateStore(stateTTL),
	}

	if cfg.GoogleOAuthEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		redirect := strings.TrimRight(cfg.PublicURL, "/") + "/auth/oauth/google/callback"
		p, err := NewOIDCProvider(ctx, googleIssuer, cfg.OAuthGoogleClientID, cfg.OAuthGoogleClientSecret, redirect)
		if err != nil {
			logger.Warnw("google sign in disabled", "error", err)
		} else {
			o.providers["google"] = p
		}
	}

	return o
}

func NewOIDCProvider(ctx context.Context, issuer, clientID, clientSecret, redirectURL string) (Provider, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "oidc discovery")
	}

	return &oidcProvider{
		conf: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

func (p *oidcProvider) AuthCodeURL(state string) string {
	return p.conf.AuthCodeURL(state)
}

func (p *oidcProvider) Email(ctx context.Context, code string) (string, error) {
	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return "", errors.Wrap(err, "exchange code")
	}

	raw, ok := token.Extra("id_token").(string)
	if !ok {
		return "", errors.New("no id_token in token response")
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return "", errors.Wrap(err, "verify id_token")
	}

	claims := struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}{}
	if err := idToken.Claims(&claims); err != nil {
		return "", errors.Wrap(err, "id_token claims")
	}
	if claims.Email == "" || !claims.EmailVerified {
		return "", errors.New("email not verified by provider")
	}
	return claims.Email, nil
}

func (o *OAuth) Register(name string, p Provider) {
	o.providers[name] = p
}

func (o *OAuth) Provider(name string) (Provider, bool) {
	p, ok := o.providers[name]
	return p, ok
}

func NewStateStore(ttl time.Duration) *StateStore {
	return &StateStore{
		states: map[string]stateEntry{},
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *StateStore) New(provider string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.states {
		if now.After(v.expiresAt) {
			delete(s.states, k)
		}
	}

	state := uuid.New().String()
	s.states[state] = stateEntry{provider: provider, expiresAt: now.Add(s.ttl)}
	return state
}

// Take consumes state. It reports false for unknown, expired or foreign state.
func (s *StateStore) Take(state, provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return e.provider == provider && !s.now().After(e.expiresAt)
}

func (s *HTTPServer) OAuthStart(c echo.Context) error {
	name := c.Param("provider")
	p, ok := s.oauth.Provider(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}

	u := p.AuthCodeURL(s.oauth.states.New(name))
	if c.QueryParam("format") == "json" {
		return c.JSON(http.StatusOK, models.OAuthURLResp{URL: u})
	}
	return c.Redirect(http.StatusFound, u)
}

func (s *HTTPServer) OAuthCallback(c echo.Context) error {
	name := c.Param("provider")
	p, ok := s.oauth.Provider(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}
	if reason := c.QueryParam("error"); reason != "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "provider refused sign in: "+reason)
	}
	if !s.oauth.states.Take(c.QueryParam("state"), name) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid oauth state")
	}

	ctx := c.Request().Context()
	email, err := p.Email(ctx, c.QueryParam("code"))
	if err != nil {
		s.logger.Warnw("oauth exchange failed", "provider", name, "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "sign in failed")
	}

	user, err := s.svc.OAuthLogin(ctx, email)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, authResp(user))
}
