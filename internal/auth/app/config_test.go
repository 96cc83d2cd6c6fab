package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Issuer:           "https://gatekeep.example.com",
		StoreBackend:     "memory",
		KnownScopes:      []string{"read:all", "exec:admin"},
		SessionScopes:    []string{"read:all"},
		UpstreamIssuer:   "https://idp.example.com",
		UpstreamClientID: "gatekeep",
		OIDCClientsJSON:  `[{"client_id":"portal","client_secret_hash":"x","redirect_uris":["https://portal.example.com/cb"]}]`,
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateIssuer(t *testing.T) {
	cfg := validConfig()
	cfg.Issuer = ""
	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "GATEKEEP_ISSUER", cfgErr.Field)

	cfg.Issuer = "http://gatekeep.example.com"
	require.Error(t, cfg.Validate())

	cfg.Issuer = "https://gatekeep.example.com/"
	require.Error(t, cfg.Validate())
}

func TestValidateScopes(t *testing.T) {
	cfg := validConfig()
	cfg.KnownScopes = nil
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.SessionScopes = []string{"write:everything"}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "write:everything")
}

func TestValidateStoreBackend(t *testing.T) {
	cfg := validConfig()
	cfg.StoreBackend = "postgres"
	require.Error(t, cfg.Validate())
}

func TestValidateUpstreamAndClients(t *testing.T) {
	cfg := validConfig()
	cfg.UpstreamIssuer = ""
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.OIDCClientsJSON = ""
	cfg.OIDCClientsFile = ""
	require.Error(t, cfg.Validate())
}

func TestOIDCClientsParsing(t *testing.T) {
	cfg := validConfig()

	clients, err := cfg.OIDCClients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "portal", clients["portal"].ClientID)

	cfg.OIDCClientsJSON = `not json`
	_, err = cfg.OIDCClients()
	require.Error(t, err)

	cfg.OIDCClientsJSON = `[]`
	_, err = cfg.OIDCClients()
	require.Error(t, err)

	cfg.OIDCClientsJSON = `[{"client_id":"portal","client_secret_hash":"x","redirect_uris":[]}]`
	_, err = cfg.OIDCClients()
	require.Error(t, err)

	cfg.OIDCClientsJSON = `[
		{"client_id":"portal","client_secret_hash":"x","redirect_uris":["https://a/cb"]},
		{"client_id":"portal","client_secret_hash":"y","redirect_uris":["https://b/cb"]}
	]`
	_, err = cfg.OIDCClients()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("GATEKEEP_ISSUER", "https://gatekeep.example.com")
	t.Setenv("GATEKEEP_KNOWN_SCOPES", "read:all exec:admin")
	t.Setenv("GATEKEEP_SESSION_TTL", "2h")

	cfg := LoadConfig()
	require.Equal(t, "https://gatekeep.example.com", cfg.Issuer)
	require.Equal(t, "redis", cfg.StoreBackend)
	require.Equal(t, []string{"read:all", "exec:admin"}, cfg.KnownScopes)
	require.Equal(t, 2*time.Hour, cfg.SessionTTL)
	require.Equal(t, 10*time.Minute, cfg.StateTTL)
	require.Equal(t, 8080, cfg.Port)
	require.False(t, cfg.MetricsEnabled)
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("GATEKEEP_PORT", "not-a-number")
	t.Setenv("GATEKEEP_SESSION_TTL", "soon")

	cfg := LoadConfig()
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 24*time.Hour, cfg.SessionTTL)
}
