package http

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/cassowarylabs/gatekeep/internal/auth/service"
	"github.com/cassowarylabs/gatekeep/pkg/httpx"
	"github.com/cassowarylabs/gatekeep/pkg/slogx"
)

// AuthorizeHandler serves GET /oauth2/openid/authorize.
type AuthorizeHandler struct {
	OIDC   *service.OIDCService
	Tokens *service.TokenService
}

func (h *AuthorizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	state := q.Get("state")
	scopes := httpx.ParseSpaceDelimitedFields(q.Get("scope"))

	// An unauthenticated browser goes through login first and comes back
	// to this exact request.
	user, err := callerToken(r, h.Tokens)
	if err != nil {
		http.Redirect(w, r, "/login?rd="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}

	if clientID == "" || redirectURI == "" {
		httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request",
			"client_id and redirect_uri are required")
		return
	}

	// The redirect target is only trustworthy once the client and its
	// registered URI check out; until then errors go straight back.
	if responseType != "code" {
		h.redirectError(w, r, redirectURI, clientID, state, "unsupported_response_type")
		return
	}

	code, err := h.OIDC.Authorize(ctx, clientID, redirectURI, scopes, user)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidClient):
			httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown client")
		case errors.Is(err, service.ErrInvalidRedirect):
			httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request",
				"redirect_uri is not registered for this client")
		case errors.Is(err, service.ErrInvalidScope):
			h.redirectError(w, r, redirectURI, clientID, state, "invalid_scope")
		default:
			slogx.FromContext(ctx).Error("authorize failed", "err", err)
			httpx.WriteOAuthError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	target, _ := url.Parse(redirectURI)
	params := target.Query()
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// redirectError sends an OAuth error back to the client's redirect URI, but
// only if that URI is actually registered; otherwise it answers directly.
func (h *AuthorizeHandler) redirectError(
	w http.ResponseWriter,
	r *http.Request,
	redirectURI, clientID, state, oauthErr string,
) {
	client, ok := h.OIDC.Clients[clientID]
	if !ok || !client.AllowsRedirect(redirectURI) {
		httpx.WriteOAuthError(w, http.StatusBadRequest, oauthErr, "")
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		httpx.WriteOAuthError(w, http.StatusBadRequest, oauthErr, "")
		return
	}
	params := target.Query()
	params.Set("error", oauthErr)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}
