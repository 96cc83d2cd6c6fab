package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cassowarylabs/gatekeep/pkg/idx"
	"github.com/cassowarylabs/gatekeep/pkg/jwtx"
)

// InitSigner loads the ID token signing key, or generates an ephemeral one
// when no key file is configured. With an ephemeral key every ID token issued
// before a restart fails verification against the new JWKS.
func InitSigner(cfg Config, logger *slog.Logger) (*jwtx.Signer, error) {
	kid := idx.New().String()

	if cfg.SigningKeyFile != "" {
		pemKey, err := os.ReadFile(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key file: %w", err)
		}

		signer, err := jwtx.NewSignerFromPEM(kid, pemKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}

		logger.Info("loaded signing key", "kid", kid, "path", cfg.SigningKeyFile)
		return signer, nil
	}

	signer, err := jwtx.GenerateSigner(kid)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	logger.Info("generated ephemeral signing key", "kid", kid)
	logger.Warn("ID tokens issued before this restart are no longer verifiable")

	return signer, nil
}
