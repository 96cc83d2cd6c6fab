// Package jwtx signs and verifies the RS256 ID tokens issued by the
// internal OpenID Connect provider, and publishes the matching JWKS.
package jwtx

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRSABits is the key size used for generated signing keys.
const DefaultRSABits = 2048

// Signer signs ID token claim sets with a single RS256 key.
type Signer struct {
	kid string
	key *rsa.PrivateKey
}

// NewSigner wraps an existing RSA private key.
func NewSigner(kid string, key *rsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, errors.New("jwtx: nil RSA key")
	}
	return &Signer{kid: kid, key: key}, nil
}

// NewSignerFromPEM loads an RSA private key from PEM bytes. Handles both
// PKCS1 and PKCS8 because otherwise we will be chasing a bug for longer
// than we would be willing to admit.
func NewSignerFromPEM(kid string, pemKey []byte) (*Signer, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("jwtx: invalid PEM for RSA key")
	}

	var key *rsa.PrivateKey

	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwtx: parse PKCS1: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwtx: parse PKCS8: %w", err)
		}
		rk, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("jwtx: not RSA private key")
		}
		key = rk
	default:
		return nil, fmt.Errorf("jwtx: unsupported PEM type %q", block.Type)
	}

	return NewSigner(kid, key)
}

// GenerateSigner creates a Signer backed by a freshly generated RSA key.
// Used for ephemeral key mode; restarts invalidate outstanding ID tokens.
func GenerateSigner(kid string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, DefaultRSABits)
	if err != nil {
		return nil, fmt.Errorf("jwtx: generate RSA key: %w", err)
	}
	return NewSigner(kid, key)
}

func (s *Signer) KID() string { return s.kid }

func (s *Signer) Alg() string { return jwt.SigningMethodRS256.Alg() }

// Public returns the verification key.
func (s *Signer) Public() *rsa.PublicKey { return &s.key.PublicKey }

// Sign turns claims into a signed compact JWT string.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// JWKS returns the public key set for publication at the JWKS endpoint.
func (s *Signer) JWKS() JWKS {
	return JWKS{Keys: []JWK{NewRSAJWK(s.kid, "sig", s.Alg(), s.Public())}}
}
