package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/observability"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/pkg/cryptox"
	"github.com/cassowarylabs/gatekeep/pkg/idx"
	"github.com/cassowarylabs/gatekeep/pkg/slogx"
)

var (
	ErrTokenNotFound     = errors.New("token_not_found")
	ErrExpired           = errors.New("token_expired")
	ErrWrongType         = errors.New("wrong_token_type")
	ErrInsufficientScope = errors.New("insufficient_scope")
	ErrScopeExpansion    = errors.New("scope_expansion")
	ErrInvalidScope      = errors.New("invalid_scope")
	ErrInvalidLifetime   = errors.New("invalid_lifetime")
)

// TokenService owns the token hierarchy: root issuance, delegation,
// validation, and cascading revocation.
type TokenService struct {
	Store   store.Store
	History store.History // optional; nil disables the audit log
	Metrics *observability.Metrics

	// KnownScopes is the closed universe of scope names this deployment
	// understands. Root issuance rejects anything outside it.
	KnownScopes []string
}

// IssueRoot mints a parentless token. Only internal-service tokens may be
// issued without a lifetime.
func (s *TokenService) IssueRoot(
	ctx context.Context,
	subject string,
	scopes []string,
	tokenType domain.TokenType,
	lifetime time.Duration,
	identity domain.Identity,
) (domain.Token, string, error) {
	if !s.scopesKnown(scopes) {
		return domain.Token{}, "", ErrInvalidScope
	}
	if lifetime <= 0 && tokenType != domain.TypeInternal {
		return domain.Token{}, "", ErrInvalidLifetime
	}

	now := time.Now()
	tok := domain.Token{
		ID:        idx.New().String(),
		Type:      tokenType,
		Subject:   subject,
		Scopes:    scopes,
		Name:      identity.Name,
		Email:     identity.Email,
		CreatedAt: now,
	}
	if lifetime > 0 {
		tok.ExpiresAt = now.Add(lifetime)
	}

	opaque, err := s.persist(ctx, &tok)
	if err != nil {
		return domain.Token{}, "", err
	}

	s.Metrics.TokenIssued(ctx, string(tok.Type), false)
	s.recordChange(ctx, tok, domain.ChangeCreated)
	return tok, opaque, nil
}

// IssueChild mints a delegate of an existing token. The child's scopes must
// be a subset of the parent's, and it can never outlive the parent.
func (s *TokenService) IssueChild(
	ctx context.Context,
	parentID string,
	scopes []string,
	tokenType domain.TokenType,
	lifetimeCap time.Duration,
) (domain.Token, string, error) {
	parent, err := s.Store.Tokens().Get(ctx, parentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Token{}, "", ErrTokenNotFound
		}
		return domain.Token{}, "", err
	}

	now := time.Now()
	if parent.Expired(now) {
		return domain.Token{}, "", ErrExpired
	}
	// OIDC grant scopes name identity claims for a relying party, not
	// internal authority, so they live outside the parent's scope set.
	if tokenType != domain.TypeOIDC && !parent.HasScopes(scopes) {
		return domain.Token{}, "", ErrScopeExpansion
	}
	if lifetimeCap <= 0 {
		return domain.Token{}, "", ErrInvalidLifetime
	}

	// Expiry is the earlier of the requested cap and the parent's own
	// expiry. Parents without an expiry impose no bound.
	expiresAt := now.Add(lifetimeCap)
	if !parent.ExpiresAt.IsZero() && parent.ExpiresAt.Before(expiresAt) {
		expiresAt = parent.ExpiresAt
	}

	tok := domain.Token{
		ID:        idx.New().String(),
		Type:      tokenType,
		Subject:   parent.Subject,
		Scopes:    scopes,
		Name:      parent.Name,
		Email:     parent.Email,
		ParentID:  parent.ID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	opaque, err := s.persist(ctx, &tok)
	if err != nil {
		return domain.Token{}, "", err
	}

	s.Metrics.TokenIssued(ctx, string(tok.Type), true)
	s.recordChange(ctx, tok, domain.ChangeCreated)
	return tok, opaque, nil
}

// Revoke deletes a token and every descendant. Unknown ids are a no-op so
// revocation can be retried safely.
func (s *TokenService) Revoke(ctx context.Context, id string) error {
	l := slogx.FromContext(ctx)

	// Depth-first over the children index with an explicit stack. The
	// index may hold ids whose records already expired; those still need
	// their own subtrees walked.
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := s.Store.Tokens().ListChildren(ctx, cur)
		if err != nil {
			return err
		}
		stack = append(stack, children...)

		tok, err := s.Store.Tokens().Get(ctx, cur)
		known := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := s.Store.Tokens().Delete(ctx, cur); err != nil {
			return err
		}

		if known {
			s.Metrics.TokenRevoked(ctx, string(tok.Type))
			s.recordChange(ctx, tok, domain.ChangeRevoked)
			l.Info("token revoked",
				slog.String("token_id", tok.ID),
				slog.String("token_type", string(tok.Type)),
				slog.String("subject", tok.Subject))
		}
	}
	return nil
}

// Validate resolves an opaque token string to its stored record, checking
// secret, expiry, type, and scopes. It either fully succeeds or returns one
// error; it never returns a partially checked token.
func (s *TokenService) Validate(
	ctx context.Context,
	opaque string,
	requiredType domain.TokenType,
	requiredScopes []string,
) (domain.Token, error) {
	id, secret, err := domain.ParseToken(opaque)
	if err != nil {
		return domain.Token{}, ErrTokenNotFound
	}

	tok, err := s.Store.Tokens().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Token{}, ErrTokenNotFound
		}
		return domain.Token{}, err
	}

	// A wrong secret is indistinguishable from an unknown token.
	if !cryptox.VerifyFingerprint(secret, tok.SecretHash) {
		return domain.Token{}, ErrTokenNotFound
	}

	// Re-check expiry locally rather than trusting the store's TTL sweep.
	if tok.Expired(time.Now()) {
		return domain.Token{}, ErrExpired
	}
	if requiredType != "" && tok.Type != requiredType {
		return domain.Token{}, ErrWrongType
	}
	if !tok.HasScopes(requiredScopes) {
		return domain.Token{}, ErrInsufficientScope
	}
	return tok, nil
}

// ListActive returns the subject's unexpired tokens.
func (s *TokenService) ListActive(ctx context.Context, subject string) ([]domain.Token, error) {
	return s.Store.Tokens().ListActive(ctx, subject)
}

// ChangeHistory returns the subject's token change log, newest first.
func (s *TokenService) ChangeHistory(ctx context.Context, subject string, limit int) ([]domain.TokenChange, error) {
	if s.History == nil {
		return nil, nil
	}
	return s.History.ListBySubject(ctx, subject, limit)
}

// persist fills in the secret material and writes the record. The opaque
// string is the only place the secret ever exists in full.
func (s *TokenService) persist(ctx context.Context, tok *domain.Token) (string, error) {
	secret, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", err
	}
	tok.SecretHash = cryptox.FingerprintToken(secret)

	if err := s.Store.Tokens().Put(ctx, *tok); err != nil {
		return "", err
	}
	return domain.FormatToken(tok.ID, secret), nil
}

func (s *TokenService) scopesKnown(scopes []string) bool {
	known := make(map[string]struct{}, len(s.KnownScopes))
	for _, sc := range s.KnownScopes {
		known[sc] = struct{}{}
	}
	for _, sc := range scopes {
		if _, ok := known[sc]; !ok {
			return false
		}
	}
	return true
}

// recordChange appends to the audit log. History is best effort: a failed
// write is logged and the token operation proceeds.
func (s *TokenService) recordChange(ctx context.Context, tok domain.Token, event domain.ChangeEvent) {
	if s.History == nil {
		return
	}
	change := domain.TokenChange{
		ID:        idx.New().String(),
		TokenID:   tok.ID,
		ParentID:  tok.ParentID,
		Subject:   tok.Subject,
		Type:      tok.Type,
		Scopes:    tok.Scopes,
		Event:     event,
		CreatedAt: time.Now(),
	}
	if err := s.History.Append(ctx, change); err != nil {
		slogx.FromContext(ctx).Warn("token history write failed",
			slog.String("token_id", tok.ID),
			slog.String("event", string(event)),
			slog.Any("error", err))
	}
}
