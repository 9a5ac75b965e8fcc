package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSecret is the development-only fallback for DISCOVERY_SECRET.
// Refusing it outside development mode is deliberate: a fleet signing join
// tokens with a published literal is wide open.
const DefaultSecret = "defaultSecret"

// Config holds validated environment configuration shared by both roles.
type Config struct {
	// Shared
	DiscoverySecret        string
	NATSURL                string
	Port                   string
	GoEnv                  string
	DevelopmentMode        bool
	AllowedOrigins         string
	OtelEndpoint           string
	OtelInsecureSkipVerify bool

	// Room server
	PublicURL        string
	SyncRooms        bool
	SyncClients      bool
	RoomPingInterval time.Duration
	MissedPingsLimit int
	KeepAlive        bool
	RateLimitWsIP    string

	// Discovery
	TokenExpiry   time.Duration
	ServerTimeout time.Duration
}

// ValidateRoomServerEnv validates the environment for the room server role.
func ValidateRoomServerEnv() (*Config, error) {
	cfg, errs := validateShared()

	cfg.PublicURL = os.Getenv("PUBLIC_URL")
	if cfg.PublicURL == "" {
		errs = append(errs, "PUBLIC_URL is required (externally reachable address clients dial)")
	}

	cfg.SyncRooms = getEnvBool("SYNC_ROOMS", true)
	cfg.SyncClients = getEnvBool("SYNC_CLIENTS", true)
	cfg.KeepAlive = getEnvBool("KEEP_ALIVE", false)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	var err error
	cfg.RoomPingInterval, err = getEnvDuration("ROOM_PING_INTERVAL", 0)
	if err != nil {
		errs = append(errs, err.Error())
	}

	cfg.MissedPingsLimit = 1
	if raw := os.Getenv("MISSED_PINGS_LIMIT"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			errs = append(errs, fmt.Sprintf("MISSED_PINGS_LIMIT must be a positive integer (got %q)", raw))
		} else {
			cfg.MissedPingsLimit = limit
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// ValidateDiscoveryEnv validates the environment for the discovery role.
func ValidateDiscoveryEnv() (*Config, error) {
	cfg, errs := validateShared()

	var err error
	cfg.TokenExpiry, err = getEnvDuration("TOKEN_EXPIRY", time.Minute)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.ServerTimeout, err = getEnvDuration("SERVER_TIMEOUT", 5*time.Second)
	if err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

func validateShared() (*Config, []string) {
	cfg := &Config{}
	var errs []string

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.DevelopmentMode = cfg.GoEnv == "development" || os.Getenv("DEVELOPMENT_MODE") == "true"

	cfg.DiscoverySecret = os.Getenv("DISCOVERY_SECRET")
	if cfg.DiscoverySecret == "" {
		if cfg.DevelopmentMode {
			cfg.DiscoverySecret = DefaultSecret
		} else {
			errs = append(errs, "DISCOVERY_SECRET is required outside development mode")
		}
	} else if cfg.DiscoverySecret == DefaultSecret && !cfg.DevelopmentMode {
		errs = append(errs, fmt.Sprintf("DISCOVERY_SECRET must not be the development default %q outside development mode", DefaultSecret))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	cfg.Port = getEnvOrDefault("PORT", "8080")
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OtelEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OtelInsecureSkipVerify = getEnvBool("OTEL_INSECURE_SKIP_VERIFY", false)

	return cfg, errs
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return raw == "true" || raw == "1"
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s must be a non-negative Go duration (got %q)", key, raw)
	}
	return d, nil
}

// AllowedOriginList splits the configured origins, falling back to the
// given defaults when unset.
func (c *Config) AllowedOriginList(defaults []string) []string {
	if c.AllowedOrigins == "" {
		return defaults
	}
	return strings.Split(c.AllowedOrigins, ",")
}

// RedactSecret redacts a secret by showing only the first 8 characters
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
