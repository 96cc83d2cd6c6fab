package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/observability"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/pkg/cryptox"
	"github.com/cassowarylabs/gatekeep/pkg/jwtx"
	"github.com/cassowarylabs/gatekeep/pkg/slogx"
)

var (
	ErrInvalidClient   = errors.New("invalid_client")
	ErrInvalidRedirect = errors.New("invalid_redirect_uri")
	ErrInvalidGrant    = errors.New("invalid_grant")
	ErrCodeReplay      = errors.New("code_replay")
)

// replayTombstoneTTL is how long a redeemed code's fingerprint is remembered
// so a replay can be tied back to the token it minted.
const replayTombstoneTTL = time.Hour

// oidcScopes is the closed set of OIDC scopes the provider understands, each
// mapped to the claims it unlocks. Userinfo and the ID token consult this
// registry and nothing else.
var oidcScopes = map[string]func(issuer string, tok domain.Token) map[string]any{
	"openid": func(issuer string, tok domain.Token) map[string]any {
		return map[string]any{"sub": tok.Subject, "iss": issuer}
	},
	"profile": func(_ string, tok domain.Token) map[string]any {
		claims := map[string]any{"preferred_username": tok.Subject}
		if tok.Name != "" {
			claims["name"] = tok.Name
		}
		return claims
	},
	"email": func(_ string, tok domain.Token) map[string]any {
		if tok.Email == "" {
			return nil
		}
		return map[string]any{"email": tok.Email}
	},
}

// OIDCService is the internal OpenID Connect provider: it turns a valid
// gatekeep session into standard OIDC artifacts for registered downstream
// clients.
type OIDCService struct {
	Tokens  *TokenService
	Store   store.Store
	Metrics *observability.Metrics
	Signer  *jwtx.Signer

	Issuer  string
	Clients map[string]domain.OIDCClient

	CodeTTL        time.Duration
	AccessTokenTTL time.Duration
	IDTokenTTL     time.Duration
}

// Authorize validates an authorization request for an already-authenticated
// user and mints the single-use code. The caller has resolved the user's
// session or user token before getting here.
func (s *OIDCService) Authorize(
	ctx context.Context,
	clientID, redirectURI string,
	scopes []string,
	userToken domain.Token,
) (string, error) {
	client, ok := s.Clients[clientID]
	if !ok {
		return "", ErrInvalidClient
	}
	if !client.AllowsRedirect(redirectURI) {
		return "", ErrInvalidRedirect
	}
	if err := validateOIDCScopes(scopes); err != nil {
		return "", err
	}

	code, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	now := time.Now()
	record := domain.AuthorizationCode{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scopes:      scopes,
		TokenID:     userToken.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.CodeTTL),
	}
	if err := s.Store.Codes().Put(ctx, cryptox.FingerprintToken(code), record, s.CodeTTL); err != nil {
		return "", err
	}

	slogx.FromContext(ctx).Info("authorization code issued",
		slog.String("client_id", clientID),
		slog.String("subject", userToken.Subject))
	return code, nil
}

// Exchange implements the token endpoint: it authenticates the client,
// consumes the code, and mints the access token as a child of the
// authorizing user token alongside a signed ID token.
//
// Redeeming a code twice revokes whatever the first redemption minted, on
// the assumption that a replayed code means the code leaked.
func (s *OIDCService) Exchange(
	ctx context.Context,
	clientID, clientSecret, code, redirectURI string,
) (domain.TokenResponse, error) {
	l := slogx.FromContext(ctx)

	client, ok := s.Clients[clientID]
	if !ok {
		return domain.TokenResponse{}, ErrInvalidClient
	}
	if cryptox.VerifySecret(clientSecret, client.SecretHash) != nil {
		l.Info("client authentication failed", slog.String("client_id", clientID))
		return domain.TokenResponse{}, ErrInvalidClient
	}

	fingerprint := cryptox.FingerprintToken(code)

	// Consume installs the replay tombstone atomically, so a concurrent
	// second redemption sees it no matter how the two interleave.
	grant, err := s.Store.Codes().Consume(ctx, fingerprint, replayTombstoneTTL)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return domain.TokenResponse{}, err
		}
		return domain.TokenResponse{}, s.handleMissingCode(ctx, fingerprint)
	}

	now := time.Now()
	if grant.ClientID != clientID || grant.RedirectURI != redirectURI || now.After(grant.ExpiresAt) {
		return domain.TokenResponse{}, ErrInvalidGrant
	}

	userToken, err := s.Store.Tokens().Get(ctx, grant.TokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.TokenResponse{}, ErrInvalidGrant
		}
		return domain.TokenResponse{}, err
	}
	if userToken.Expired(now) {
		return domain.TokenResponse{}, ErrInvalidGrant
	}

	access, opaque, err := s.Tokens.IssueChild(ctx, userToken.ID, grant.Scopes,
		domain.TypeOIDC, s.AccessTokenTTL)
	if err != nil {
		return domain.TokenResponse{}, err
	}

	idToken, err := s.signIDToken(clientID, userToken, grant.Scopes, now)
	if err != nil {
		return domain.TokenResponse{}, err
	}

	// Fill in the token id on the tombstone so a later replay can kill
	// this token. Replay detection itself does not depend on this write.
	if err := s.Store.Codes().MarkRedeemed(ctx, fingerprint, access.ID, replayTombstoneTTL); err != nil {
		l.Warn("failed to record issued token on redemption tombstone", slog.Any("error", err))
	}

	return domain.TokenResponse{
		AccessToken: opaque,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(access.ExpiresAt).Seconds()),
		Scope:       strings.Join(grant.Scopes, " "),
	}, nil
}

// handleMissingCode distinguishes a replayed code from one that never
// existed. A replay revokes the token the winning redemption minted.
func (s *OIDCService) handleMissingCode(ctx context.Context, fingerprint string) error {
	tokenID, err := s.Store.Codes().Redeemed(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidGrant
		}
		return err
	}

	// An empty token id means the replay raced the winning redemption
	// before it minted anything; there is nothing to revoke yet.
	if tokenID != "" {
		slogx.FromContext(ctx).Warn("authorization code replayed, revoking issued token",
			slog.String("token_id", tokenID))
		if err := s.Tokens.Revoke(ctx, tokenID); err != nil {
			return err
		}
	}
	return ErrCodeReplay
}

// Userinfo returns the claims unlocked by the access token's granted scopes.
// Only oidc-type tokens are accepted here.
func (s *OIDCService) Userinfo(ctx context.Context, opaque string) (map[string]any, error) {
	tok, err := s.Tokens.Validate(ctx, opaque, domain.TypeOIDC, nil)
	if err != nil {
		return nil, err
	}
	return s.claimsFor(tok), nil
}

// Discovery builds the static provider metadata document.
func (s *OIDCService) Discovery() domain.ProviderMetadata {
	return domain.ProviderMetadata{
		Issuer:                            s.Issuer,
		AuthorizationEndpoint:             s.Issuer + "/oauth2/openid/authorize",
		TokenEndpoint:                     s.Issuer + "/oauth2/openid/token",
		UserinfoEndpoint:                  s.Issuer + "/oauth2/openid/userinfo",
		JWKSURI:                           s.Issuer + "/.well-known/jwks.json",
		ScopesSupported:                   supportedOIDCScopes(),
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{s.Signer.Alg()},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic"},
	}
}

// JWKS exposes the ID token signing key set.
func (s *OIDCService) JWKS() jwtx.JWKS {
	return s.Signer.JWKS()
}

func (s *OIDCService) signIDToken(
	clientID string,
	userToken domain.Token,
	scopes []string,
	now time.Time,
) (string, error) {
	// The ID token never outlives the session that authorized it.
	exp := now.Add(s.IDTokenTTL)
	if !userToken.ExpiresAt.IsZero() && userToken.ExpiresAt.Before(exp) {
		exp = userToken.ExpiresAt
	}

	claims := jwt.MapClaims{
		"aud": clientID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	for claim, value := range s.claimsFor(domain.Token{
		Subject: userToken.Subject,
		Name:    userToken.Name,
		Email:   userToken.Email,
		Scopes:  scopes,
	}) {
		claims[claim] = value
	}

	return s.Signer.Sign(claims)
}

// claimsFor assembles the claims for every granted scope from the producer
// registry. Grants cover whole scopes; there is no per-claim filtering.
func (s *OIDCService) claimsFor(tok domain.Token) map[string]any {
	claims := map[string]any{}
	for _, scope := range tok.Scopes {
		producer, ok := oidcScopes[scope]
		if !ok {
			continue
		}
		for claim, value := range producer(s.Issuer, tok) {
			claims[claim] = value
		}
	}
	return claims
}

func validateOIDCScopes(scopes []string) error {
	hasOpenID := false
	for _, scope := range scopes {
		if _, ok := oidcScopes[scope]; !ok {
			return fmt.Errorf("%w: %s", ErrInvalidScope, scope)
		}
		if scope == "openid" {
			hasOpenID = true
		}
	}
	if !hasOpenID {
		return fmt.Errorf("%w: openid scope required", ErrInvalidScope)
	}
	return nil
}

func supportedOIDCScopes() []string {
	return []string{"openid", "profile", "email"}
}
