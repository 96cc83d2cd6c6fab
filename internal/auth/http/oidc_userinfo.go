package http

import (
	"net/http"
	"strings"

	"github.com/cassowarylabs/gatekeep/internal/auth/service"
	"github.com/cassowarylabs/gatekeep/pkg/httpx"
)

// UserinfoHandler serves the OIDC userinfo endpoint. Only oidc-type access
// tokens are accepted; a session presented here is a bug in the client.
type UserinfoHandler struct {
	OIDC *service.OIDCService
}

func (h *UserinfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		httpx.WriteBearerError(w, "bearer token required")
		return
	}

	claims, err := h.OIDC.Userinfo(r.Context(), strings.TrimSpace(token))
	if err != nil {
		writeAuthError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, claims)
}
