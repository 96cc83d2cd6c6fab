package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
)

// ConfigError reports a configuration value the gateway refuses to start
// with.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

type Config struct {
	// Issuer is the public https base URL of this gateway. It becomes the
	// OIDC issuer claim, so it is required and must be https.
	Issuer string

	// Token store backend: "redis" or "memory".
	StoreBackend string
	RedisURL     string
	RedisPrefix  string

	// HistoryDatabaseFile is the SQLite file holding the token change log.
	// Empty disables history entirely.
	HistoryDatabaseFile string
	HistoryRetention    time.Duration

	// KnownScopes is the deployment's scope universe; SessionScopes is the
	// subset granted to every fresh login session.
	KnownScopes   []string
	SessionScopes []string

	SessionTTL time.Duration
	StateTTL   time.Duration

	// Upstream identity provider used for browser login.
	UpstreamIssuer       string
	UpstreamClientID     string
	UpstreamClientSecret string
	ExchangeTimeout      time.Duration

	// Internal OIDC provider knobs.
	OIDCClientsJSON string // inline JSON registrations
	OIDCClientsFile string // or a file holding the same
	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	SigningKeyFile  string // PEM RSA key; empty generates an ephemeral one

	// Metrics push over OTLP/gRPC.
	MetricsEnabled  bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	MetricsInterval time.Duration

	Env                  string
	LogLevel             string
	LogFormat            string
	Port                 int
	ShutdownGracePeriod  time.Duration
	HousekeepingInterval time.Duration
}

func LoadConfig() Config {
	return Config{
		Issuer: os.Getenv("GATEKEEP_ISSUER"),

		StoreBackend: getEnvOrDefault("GATEKEEP_STORE", "redis"),
		RedisURL:     getEnvOrDefault("GATEKEEP_REDIS_URL", "redis://localhost:6379/0"),
		RedisPrefix:  os.Getenv("GATEKEEP_REDIS_PREFIX"),

		HistoryDatabaseFile: getEnvOrDefault("GATEKEEP_HISTORY_DB", "gatekeep-history.db"),
		HistoryRetention:    getEnvDurationOrDefault("GATEKEEP_HISTORY_RETENTION", 90*24*time.Hour),

		KnownScopes:   splitScopes(os.Getenv("GATEKEEP_KNOWN_SCOPES")),
		SessionScopes: splitScopes(os.Getenv("GATEKEEP_SESSION_SCOPES")),

		SessionTTL: getEnvDurationOrDefault("GATEKEEP_SESSION_TTL", 24*time.Hour),
		StateTTL:   getEnvDurationOrDefault("GATEKEEP_LOGIN_STATE_TTL", 10*time.Minute),

		UpstreamIssuer:       os.Getenv("GATEKEEP_UPSTREAM_ISSUER"),
		UpstreamClientID:     os.Getenv("GATEKEEP_UPSTREAM_CLIENT_ID"),
		UpstreamClientSecret: os.Getenv("GATEKEEP_UPSTREAM_CLIENT_SECRET"),
		ExchangeTimeout:      getEnvDurationOrDefault("GATEKEEP_EXCHANGE_TIMEOUT", 30*time.Second),

		OIDCClientsJSON: os.Getenv("GATEKEEP_OIDC_CLIENTS"),
		OIDCClientsFile: os.Getenv("GATEKEEP_OIDC_CLIENTS_FILE"),
		CodeTTL:         getEnvDurationOrDefault("GATEKEEP_CODE_TTL", time.Minute),
		AccessTokenTTL:  getEnvDurationOrDefault("GATEKEEP_ACCESS_TOKEN_TTL", time.Hour),
		IDTokenTTL:      getEnvDurationOrDefault("GATEKEEP_ID_TOKEN_TTL", time.Hour),
		SigningKeyFile:  os.Getenv("GATEKEEP_SIGNING_KEY_FILE"),

		MetricsEnabled:  getEnvBoolOrDefault("GATEKEEP_METRICS_ENABLED", false),
		OTLPEndpoint:    getEnvOrDefault("GATEKEEP_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:    getEnvBoolOrDefault("GATEKEEP_OTLP_INSECURE", false),
		MetricsInterval: getEnvDurationOrDefault("GATEKEEP_METRICS_INTERVAL", 10*time.Second),

		Env:                  getEnvOrDefault("GATEKEEP_ENV", "dev"),
		LogLevel:             getEnvOrDefault("GATEKEEP_LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("GATEKEEP_LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("GATEKEEP_PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("GATEKEEP_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("GATEKEEP_HOUSEKEEPING_INTERVAL", time.Hour),
	}
}

// Validate rejects configurations the gateway must not start with. Every
// failure is a *ConfigError naming the offending field.
func (cfg Config) Validate() error {
	if cfg.Issuer == "" {
		return &ConfigError{Field: "GATEKEEP_ISSUER", Reason: "required"}
	}
	if !strings.HasPrefix(cfg.Issuer, "https://") {
		return &ConfigError{Field: "GATEKEEP_ISSUER", Reason: "must be an https URL"}
	}
	if strings.HasSuffix(cfg.Issuer, "/") {
		return &ConfigError{Field: "GATEKEEP_ISSUER", Reason: "must not end with a slash"}
	}

	switch cfg.StoreBackend {
	case "redis", "memory":
	default:
		return &ConfigError{Field: "GATEKEEP_STORE", Reason: "must be redis or memory"}
	}

	if len(cfg.KnownScopes) == 0 {
		return &ConfigError{Field: "GATEKEEP_KNOWN_SCOPES", Reason: "at least one scope is required"}
	}
	known := make(map[string]struct{}, len(cfg.KnownScopes))
	for _, s := range cfg.KnownScopes {
		known[s] = struct{}{}
	}
	for _, s := range cfg.SessionScopes {
		if _, ok := known[s]; !ok {
			return &ConfigError{Field: "GATEKEEP_SESSION_SCOPES",
				Reason: fmt.Sprintf("scope %q is not in GATEKEEP_KNOWN_SCOPES", s)}
		}
	}

	if cfg.UpstreamIssuer == "" {
		return &ConfigError{Field: "GATEKEEP_UPSTREAM_ISSUER", Reason: "required"}
	}
	if cfg.UpstreamClientID == "" {
		return &ConfigError{Field: "GATEKEEP_UPSTREAM_CLIENT_ID", Reason: "required"}
	}

	if cfg.OIDCClientsJSON == "" && cfg.OIDCClientsFile == "" {
		return &ConfigError{Field: "GATEKEEP_OIDC_CLIENTS",
			Reason: "at least one OIDC client registration is required"}
	}

	return nil
}

// OIDCClients parses the configured client registrations, keyed by client id.
func (cfg Config) OIDCClients() (map[string]domain.OIDCClient, error) {
	raw := []byte(cfg.OIDCClientsJSON)
	if len(raw) == 0 {
		data, err := os.ReadFile(cfg.OIDCClientsFile)
		if err != nil {
			return nil, &ConfigError{Field: "GATEKEEP_OIDC_CLIENTS_FILE", Reason: err.Error()}
		}
		raw = data
	}

	var list []domain.OIDCClient
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &ConfigError{Field: "GATEKEEP_OIDC_CLIENTS", Reason: "invalid JSON: " + err.Error()}
	}
	if len(list) == 0 {
		return nil, &ConfigError{Field: "GATEKEEP_OIDC_CLIENTS", Reason: "client list is empty"}
	}

	clients := make(map[string]domain.OIDCClient, len(list))
	for _, c := range list {
		if c.ClientID == "" || c.SecretHash == "" || len(c.RedirectURIs) == 0 {
			return nil, &ConfigError{Field: "GATEKEEP_OIDC_CLIENTS",
				Reason: "each client needs client_id, client_secret_hash, and redirect_uris"}
		}
		if _, dup := clients[c.ClientID]; dup {
			return nil, &ConfigError{Field: "GATEKEEP_OIDC_CLIENTS",
				Reason: fmt.Sprintf("duplicate client_id %q", c.ClientID)}
		}
		clients[c.ClientID] = c
	}
	return clients, nil
}

func splitScopes(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}
