package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PlatformCredentials holds the per-deployment OAuth client settings for one
// platform. Any empty field disables the platform instead of failing startup.
type PlatformCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	VaultKey             string
	AppSecret            string
	RedirectBase         string
	PlatformCreds        map[string]PlatformCredentials
	StateTTL             time.Duration
	RefreshSafetyMargin  time.Duration
	ProviderHTTPTimeout  time.Duration
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// platformEnvIDs is the env surface for the built-in platform catalog. Creds
// are read from <PLATFORM>_CLIENT_ID / _CLIENT_SECRET / _REDIRECT_URI.
var platformEnvIDs = []string{
	"google_search_console",
	"youtube",
	"facebook",
	"instagram",
	"linkedin",
	"tiktok",
	"pinterest",
	"reddit",
	"twitter",
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		VaultKey:             strings.TrimSpace(os.Getenv("VAULT_KEY")),
		AppSecret:            strings.TrimSpace(os.Getenv("APP_SECRET")),
		RedirectBase:         strings.TrimRight(strings.TrimSpace(os.Getenv("OAUTH_REDIRECT_BASE")), "/"),
		StateTTL:             getDuration("OAUTH_STATE_TTL", 10*time.Minute),
		RefreshSafetyMargin:  getDuration("TOKEN_REFRESH_MARGIN", 2*time.Minute),
		ProviderHTTPTimeout:  getDuration("PROVIDER_HTTP_TIMEOUT", 10*time.Second),
		ServiceName:          getEnv("SERVICE_NAME", "crowdpost-connect"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-User-ID"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.VaultKey == "" && cfg.AppSecret == "" {
		return Config{}, fmt.Errorf("VAULT_KEY or APP_SECRET is required: token encryption needs a stable key")
	}

	cfg.PlatformCreds = loadPlatformCreds(cfg.RedirectBase)

	return cfg, nil
}

func loadPlatformCreds(redirectBase string) map[string]PlatformCredentials {
	creds := make(map[string]PlatformCredentials, len(platformEnvIDs))
	for _, id := range platformEnvIDs {
		prefix := strings.ToUpper(id)
		redirect := strings.TrimSpace(os.Getenv(prefix + "_REDIRECT_URI"))
		if redirect == "" && redirectBase != "" {
			redirect = redirectBase + "/connect/" + id + "/callback"
		}
		creds[id] = PlatformCredentials{
			ClientID:     strings.TrimSpace(os.Getenv(prefix + "_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv(prefix + "_CLIENT_SECRET")),
			RedirectURI:  redirect,
		}
	}
	return creds
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
