package domain

import "time"

// OIDCClient is a registered downstream client of the internal OpenID
// Connect provider. Registrations come from configuration, not a database.
type OIDCClient struct {
	ClientID     string   `json:"client_id"`
	SecretHash   string   `json:"client_secret_hash"`
	RedirectURIs []string `json:"redirect_uris"`
}

// AllowsRedirect reports whether uri exactly matches a registered redirect
// target.
func (c OIDCClient) AllowsRedirect(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode binds a single-use OIDC grant to the client, redirect
// target, granted scope, and the user token that authorized it. The record
// is stored under the fingerprint of the code value.
type AuthorizationCode struct {
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes"`
	TokenID     string    `json:"token_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenResponse is the token endpoint's reply, per RFC 6749 §5.1 plus the
// OIDC id_token member.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// ProviderMetadata is the discovery document served at
// /.well-known/openid-configuration.
type ProviderMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}
