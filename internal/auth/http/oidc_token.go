package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cassowarylabs/gatekeep/internal/auth/service"
	"github.com/cassowarylabs/gatekeep/pkg/httpx"
	"github.com/cassowarylabs/gatekeep/pkg/slogx"
)

// OIDCTokenHandler serves POST /oauth2/openid/token. Accepts
// application/x-www-form-urlencoded per RFC 6749.
type OIDCTokenHandler struct {
	OIDC *service.OIDCService
}

func (h *OIDCTokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if ct := r.Header.Get("Content-Type"); ct != "" &&
		!strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request",
			"content type must be application/x-www-form-urlencoded")
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	if grantType := r.Form.Get("grant_type"); grantType != "authorization_code" {
		httpx.WriteOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	clientID, clientSecret := clientCredentials(r)
	code := strings.TrimSpace(r.Form.Get("code"))
	redirectURI := strings.TrimSpace(r.Form.Get("redirect_uri"))

	if clientID == "" || code == "" || redirectURI == "" {
		httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request",
			"client_id, code, and redirect_uri are required")
		return
	}

	resp, err := h.OIDC.Exchange(ctx, clientID, clientSecret, code, redirectURI)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidClient):
			w.Header().Set("WWW-Authenticate", `Basic realm="gatekeep"`)
			httpx.WriteOAuthError(w, http.StatusUnauthorized, "invalid_client", "")
		case errors.Is(err, service.ErrCodeReplay):
			httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_grant",
				"authorization code already redeemed")
		case errors.Is(err, service.ErrInvalidGrant):
			httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		default:
			slogx.FromContext(ctx).Error("token exchange failed", "err", err)
			httpx.WriteOAuthError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// clientCredentials supports both client_secret_basic and client_secret_post.
func clientCredentials(r *http.Request) (id, secret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.Form.Get("client_id"), r.Form.Get("client_secret")
}
