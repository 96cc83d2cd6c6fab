package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/service"
	"github.com/cassowarylabs/gatekeep/pkg/httpx"
	"github.com/cassowarylabs/gatekeep/pkg/slogx"
)

// LoginHandler serves the two legs of the upstream login handshake.
type LoginHandler struct {
	Login *service.LoginService
}

// HandleBegin serves GET /login: mint a state, set the binding cookie, and
// send the browser upstream.
func (h *LoginHandler) HandleBegin(w http.ResponseWriter, r *http.Request) {
	returnURL := sanitizeReturnURL(r.URL.Query().Get("rd"))

	state, authURL, err := h.Login.Begin(r.Context(), returnURL)
	if err != nil {
		slogx.FromContext(r.Context()).Error("failed to begin login", "err", err)
		httpx.WriteOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
			"could not start login, retry shortly")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    state,
		Path:     "/login",
		MaxAge:   int(h.Login.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback serves GET /login/callback.
func (h *LoginHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	errParam := q.Get("error")

	// The state must match the cookie set at /login, or this callback was
	// not initiated by this browser.
	cookie, err := r.Cookie(StateCookieName)
	if err != nil || cookie.Value == "" || cookie.Value != state {
		httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request", "login state mismatch")
		return
	}

	result, err := h.Login.Callback(r.Context(), state, code, errParam)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrStateMismatch):
			clearCookie(w, StateCookieName, "/login")
			httpx.WriteOAuthError(w, http.StatusBadRequest, "invalid_request", "login state mismatch")
		case errors.Is(err, service.ErrUpstreamRejected):
			clearCookie(w, StateCookieName, "/login")
			httpx.WriteOAuthError(w, http.StatusForbidden, "access_denied",
				"identity provider rejected the login")
		case errors.Is(err, service.ErrUpstreamUnavailable):
			// The attempt is still live upstream; keep the state cookie
			// so a reload can finish it.
			httpx.WriteOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
				"identity provider unreachable, retry shortly")
		default:
			slogx.FromContext(r.Context()).Error("login callback failed", "err", err)
			httpx.WriteOAuthError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	clearCookie(w, StateCookieName, "/login")
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    result.Opaque,
		Path:     "/",
		Expires:  result.Token.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, result.ReturnURL, http.StatusFound)
}

// LogoutHandler serves POST /logout: the session root is revoked, which
// cascades to every token delegated under it.
type LogoutHandler struct {
	Tokens *service.TokenService
}

func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opaque := requestToken(r)
	if opaque == "" {
		clearCookie(w, SessionCookieName, "/")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	tok, err := h.Tokens.Validate(r.Context(), opaque, domain.TypeSession, nil)
	if err != nil {
		// A dead session is already logged out.
		clearCookie(w, SessionCookieName, "/")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.Tokens.Revoke(r.Context(), tok.ID); err != nil {
		slogx.FromContext(r.Context()).Error("logout revocation failed", "err", err)
		httpx.WriteOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "")
		return
	}

	clearCookie(w, SessionCookieName, "/")
	w.WriteHeader(http.StatusNoContent)
}

// sanitizeReturnURL keeps redirects on-site. Anything absolute or
// scheme-relative falls back to the root.
func sanitizeReturnURL(rd string) string {
	if rd == "" || !strings.HasPrefix(rd, "/") || strings.HasPrefix(rd, "//") {
		return "/"
	}
	return rd
}

func clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
