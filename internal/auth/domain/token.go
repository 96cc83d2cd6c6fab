package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TokenType determines which endpoints accept a token and which default
// lifetime applies to it.
type TokenType string

const (
	// TypeSession is an interactive user web session, minted at login.
	TypeSession TokenType = "session"
	// TypeUser is a user-created token for programmatic use.
	TypeUser TokenType = "user"
	// TypeNotebook is the token delegated to a notebook spawned for the user.
	TypeNotebook TokenType = "notebook"
	// TypeInternal is a service-to-service token. The only type allowed to
	// be non-expiring.
	TypeInternal TokenType = "internal-service"
	// TypeOIDC is an access token issued by the internal OpenID Connect
	// provider, always a child of the user token that authorized it.
	TypeOIDC TokenType = "oidc"
)

// tokenPrefix marks opaque token strings on the wire: gk_<id>_<secret>.
const tokenPrefix = "gk"

// ErrMalformedToken reports an opaque token string that does not follow the
// gk_<id>_<secret> form.
var ErrMalformedToken = errors.New("malformed token")

// Token is the stored record of an internal bearer credential. Holders only
// ever see the opaque string; the record keeps a fingerprint of the secret,
// never the secret itself.
type Token struct {
	ID         string    `json:"id"`
	Type       TokenType `json:"type"`
	Subject    string    `json:"subject"`
	Scopes     []string  `json:"scopes"`
	SecretHash string    `json:"secret_hash"`

	// Identity claims captured at login and inherited by every descendant.
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`

	// ParentID is empty for root tokens. The parent->children index, not
	// this field, owns the revocation edge.
	ParentID string `json:"parent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is zero only for non-expiring internal-service tokens.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the token is past its expiration at the given
// instant. Non-expiring tokens never expire.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// HasScopes reports whether every requested scope is held by the token.
func (t Token) HasScopes(required []string) bool {
	held := make(map[string]struct{}, len(t.Scopes))
	for _, s := range t.Scopes {
		held[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := held[s]; !ok {
			return false
		}
	}
	return true
}

// FormatToken assembles the opaque wire form of a token.
func FormatToken(id, secret string) string {
	return tokenPrefix + "_" + id + "_" + secret
}

// ParseToken splits an opaque token string into its id and secret parts. The
// id is a ULID and never contains an underscore; the secret is base64url and
// may, so everything past the second separator belongs to it.
func ParseToken(opaque string) (id, secret string, err error) {
	parts := strings.SplitN(opaque, "_", 3)
	if len(parts) != 3 || parts[0] != tokenPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w", ErrMalformedToken)
	}
	return parts[1], parts[2], nil
}
