package jwtx

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verify parses and verifies a compact RS256 JWT against pub, returning its
// claims. Used by tests and by relying parties that fetch the JWKS
// out-of-band.
func Verify(raw string, pub *rsa.PublicKey) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("jwtx: unexpected signing method %q", t.Method.Alg())
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("jwtx: verify: %w", err)
	}

	return claims, nil
}

// VerifyForAudience is Verify plus an audience check, the common case for
// downstream clients validating their ID tokens.
func VerifyForAudience(raw string, pub *rsa.PublicKey, audience string) (jwt.MapClaims, error) {
	claims, err := Verify(raw, pub)
	if err != nil {
		return nil, err
	}

	auds, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("jwtx: audience claim: %w", err)
	}
	for _, aud := range auds {
		if aud == audience {
			return claims, nil
		}
	}
	return nil, errors.New("jwtx: audience mismatch")
}
