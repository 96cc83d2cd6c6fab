package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/observability"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/pkg/cryptox"
	"github.com/cassowarylabs/gatekeep/pkg/slogx"
)

var (
	ErrStateMismatch       = errors.New("state_mismatch")
	ErrUpstreamRejected    = errors.New("upstream_rejected")
	ErrUpstreamUnavailable = errors.New("upstream_unavailable")
)

// IDTokenVerifier abstracts go-oidc's verifier so tests can substitute one
// wired to a fake provider.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// LoginService drives the authorization-code handshake against the upstream
// identity provider and mints session tokens from its assertions.
type LoginService struct {
	Tokens   *TokenService
	Store    store.Store
	Metrics  *observability.Metrics
	OAuth    oauth2.Config
	Verifier IDTokenVerifier

	// StateTTL bounds how long a login attempt may sit between redirect and
	// callback.
	StateTTL time.Duration
	// ExchangeTimeout caps the upstream code-exchange round trip.
	ExchangeTimeout time.Duration

	SessionTTL    time.Duration
	SessionScopes []string
}

// LoginResult is a completed login: the minted session token, its opaque wire
// form, and where the browser originally wanted to go.
type LoginResult struct {
	Token     domain.Token
	Opaque    string
	ReturnURL string
}

// Begin starts a login attempt: a fresh random state value is persisted and
// the upstream authorization URL is returned for the redirect.
func (s *LoginService) Begin(ctx context.Context, returnURL string) (state, authURL string, err error) {
	state, err = cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	st := domain.LoginState{
		State:     state,
		ReturnURL: returnURL,
		CreatedAt: now,
		ExpiresAt: now.Add(s.StateTTL),
	}
	if err := s.Store.LoginStates().Put(ctx, st, s.StateTTL); err != nil {
		return "", "", err
	}

	return state, s.OAuth.AuthCodeURL(state), nil
}

// Callback completes a login attempt. The state is consumed up front; whether
// it gets restored depends on how the attempt failed:
//
//   - an upstream error response leaves the state deleted, so a retry always
//     starts over with a fresh random value;
//   - a transient exchange failure (network, timeout) restores the state with
//     its original deadline, since the attempt itself is still sound.
func (s *LoginService) Callback(ctx context.Context, state, code, errParam string) (LoginResult, error) {
	l := slogx.FromContext(ctx)

	st, err := s.Store.LoginStates().Consume(ctx, state)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.Metrics.LoginFailure(ctx, "state_mismatch")
			return LoginResult{}, ErrStateMismatch
		}
		return LoginResult{}, err
	}

	if errParam != "" {
		s.Metrics.LoginFailure(ctx, "upstream_error")
		l.Info("upstream login rejected", slog.String("error", errParam))
		return LoginResult{}, fmt.Errorf("%w: %s", ErrUpstreamRejected, errParam)
	}

	exCtx := ctx
	if s.ExchangeTimeout > 0 {
		var cancel context.CancelFunc
		exCtx, cancel = context.WithTimeout(ctx, s.ExchangeTimeout)
		defer cancel()
	}

	oauthToken, err := s.OAuth.Exchange(exCtx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			// The provider answered and said no. Definitive.
			s.Metrics.LoginFailure(ctx, "exchange_rejected")
			return LoginResult{}, fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
		}

		// Couldn't reach the provider. Restore the state so the browser
		// can retry the same attempt until its original deadline.
		s.restoreState(ctx, st)
		s.Metrics.LoginFailure(ctx, "upstream_unavailable")
		return LoginResult{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	rawIDToken, ok := oauthToken.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		s.Metrics.LoginFailure(ctx, "missing_id_token")
		return LoginResult{}, fmt.Errorf("%w: no id_token in exchange response", ErrUpstreamRejected)
	}

	idToken, err := s.Verifier.Verify(ctx, rawIDToken)
	if err != nil {
		s.Metrics.LoginFailure(ctx, "id_token_invalid")
		return LoginResult{}, fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
	}

	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		Name              string `json:"name"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		s.Metrics.LoginFailure(ctx, "id_token_invalid")
		return LoginResult{}, fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = idToken.Subject
	}

	identity := domain.Identity{Username: username, Name: claims.Name, Email: claims.Email}
	session, opaque, err := s.Tokens.IssueRoot(ctx, username, s.SessionScopes,
		domain.TypeSession, s.SessionTTL, identity)
	if err != nil {
		return LoginResult{}, err
	}

	s.Metrics.LoginSuccess(ctx)
	l.Info("login complete",
		slog.String("subject", username),
		slog.String("token_id", session.ID))

	return LoginResult{Token: session, Opaque: opaque, ReturnURL: st.ReturnURL}, nil
}

// restoreState puts a consumed state back with whatever lifetime it had left.
// Best effort: if the put fails the user just restarts the login.
func (s *LoginService) restoreState(ctx context.Context, st domain.LoginState) {
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := s.Store.LoginStates().Put(ctx, st, ttl); err != nil {
		slogx.FromContext(ctx).Warn("failed to restore login state",
			slog.Any("error", err))
	}
}
