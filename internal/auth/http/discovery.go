package http

import (
	"net/http"

	"github.com/cassowarylabs/gatekeep/internal/auth/service"
	"github.com/cassowarylabs/gatekeep/pkg/httpx"
)

// DiscoveryHandler serves the OpenID Connect provider metadata document.
func DiscoveryHandler(oidc *service.OIDCService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, oidc.Discovery())
	}
}

// JWKSHandler exposes the ID token signing keys for public verification.
func JWKSHandler(oidc *service.OIDCService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, oidc.JWKS())
	}
}
