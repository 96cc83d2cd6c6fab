package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/service"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/pkg/httpx"
)

const (
	// SessionCookieName carries the opaque session token for browser flows.
	SessionCookieName = "gatekeep_session"
	// StateCookieName binds an in-flight login attempt to the browser that
	// started it.
	StateCookieName = "gatekeep_state"
)

// requestToken pulls the opaque token from the Authorization header, falling
// back to the session cookie for browser requests.
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// callerToken resolves the requester to a session or user token, the two
// types allowed to drive interactive endpoints.
func callerToken(r *http.Request, tokens *service.TokenService) (domain.Token, error) {
	opaque := requestToken(r)
	if opaque == "" {
		return domain.Token{}, service.ErrTokenNotFound
	}

	tok, err := tokens.Validate(r.Context(), opaque, "", nil)
	if err != nil {
		return domain.Token{}, err
	}
	if tok.Type != domain.TypeSession && tok.Type != domain.TypeUser {
		return domain.Token{}, service.ErrWrongType
	}
	return tok, nil
}

// writeAuthError maps token validation failures onto bearer responses.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrTokenNotFound):
		httpx.WriteBearerError(w, "invalid token")
	case errors.Is(err, service.ErrExpired):
		httpx.WriteBearerError(w, "token expired")
	case errors.Is(err, service.ErrWrongType):
		httpx.WriteBearerError(w, "token type not accepted here")
	case errors.Is(err, service.ErrInsufficientScope):
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, store.ErrUnavailable):
		httpx.WriteOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
			"token store unavailable, retry shortly")
	default:
		httpx.WriteOAuthError(w, http.StatusInternalServerError, "server_error", "")
	}
}
