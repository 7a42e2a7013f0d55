package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration, loaded once at startup.
// Secrets are validated here so that misconfiguration fails fast instead of
// surfacing as runtime auth errors.
type Config struct {
	Env  string
	Port string

	DatabaseURL string
	RedisURL    string

	JWTSecret        string
	MFAEncryptionKey []byte // nil when MFA is disabled (development only)

	FrontendURL           string
	AdditionalCORSOrigins []string

	SMTP      SMTPConfig
	OIDC      OIDCConfig
	Microsoft MicrosoftConfig

	RateLimitPerMinute     int
	AuthRateLimitPerMinute int
}

// SMTPConfig configures the outbound mailer.
type SMTPConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Username  string
	Password  string
	FromName  string
	FromEmail string
}

// OIDCConfig configures the generic OIDC provider.
// Either IssuerURL (discovery mode) or the three explicit URIs (manual mode)
// must be set for the provider to be enabled.
type OIDCConfig struct {
	IssuerURL     string
	AuthURI       string
	TokenURI      string
	UserinfoURI   string
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	Scopes        []string
	UsernameClaim string
	DisplayName   string
	LogoutURI     string
}

// Enabled reports whether enough configuration is present to use the provider.
func (c OIDCConfig) Enabled() bool {
	if c.ClientID == "" {
		return false
	}
	return c.IssuerURL != "" || (c.AuthURI != "" && c.TokenURI != "")
}

// Manual reports whether explicit endpoints are used instead of discovery.
func (c OIDCConfig) Manual() bool {
	return c.IssuerURL == "" && c.AuthURI != ""
}

// MicrosoftConfig configures the Microsoft Entra provider and Graph sync.
type MicrosoftConfig struct {
	ClientID     string
	TenantID     string
	ClientSecret string
	RedirectURI  string
}

// Enabled reports whether the Microsoft provider is configured.
func (c MicrosoftConfig) Enabled() bool {
	return c.ClientID != "" && c.TenantID != ""
}

// Load reads configuration from environment variables.
// It does not validate; call Validate afterwards.
func Load() (*Config, error) {
	cfg := &Config{
		Env:         getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:5173"),

		SMTP: SMTPConfig{
			Enabled:   getEnvAsBool("SMTP_ENABLED", false),
			Host:      os.Getenv("SMTP_HOST"),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  os.Getenv("SMTP_USERNAME"),
			Password:  os.Getenv("SMTP_PASSWORD"),
			FromName:  getEnv("SMTP_FROM_NAME", "Nosdesk"),
			FromEmail: os.Getenv("SMTP_FROM_EMAIL"),
		},

		OIDC: OIDCConfig{
			IssuerURL:     os.Getenv("OIDC_ISSUER_URL"),
			AuthURI:       os.Getenv("OIDC_AUTH_URI"),
			TokenURI:      os.Getenv("OIDC_TOKEN_URI"),
			UserinfoURI:   os.Getenv("OIDC_USERINFO_URI"),
			ClientID:      os.Getenv("OIDC_CLIENT_ID"),
			ClientSecret:  os.Getenv("OIDC_CLIENT_SECRET"),
			RedirectURI:   os.Getenv("OIDC_REDIRECT_URI"),
			Scopes:        splitList(getEnv("OIDC_SCOPES", "openid profile email")),
			UsernameClaim: getEnv("OIDC_USERNAME_CLAIM", "preferred_username"),
			DisplayName:   getEnv("OIDC_DISPLAY_NAME", "Single Sign-On"),
			LogoutURI:     os.Getenv("OIDC_LOGOUT_URI"),
		},

		Microsoft: MicrosoftConfig{
			ClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
			TenantID:     os.Getenv("MICROSOFT_TENANT_ID"),
			ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("MICROSOFT_REDIRECT_URI"),
		},

		RateLimitPerMinute:     getEnvAsInt("RATE_LIMIT_PER_MINUTE", 300),
		AuthRateLimitPerMinute: getEnvAsInt("AUTH_RATE_LIMIT_PER_MINUTE", 30),
	}

	if origins := os.Getenv("ADDITIONAL_CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AdditionalCORSOrigins = append(cfg.AdditionalCORSOrigins, o)
			}
		}
	}

	if keyHex := os.Getenv("MFA_ENCRYPTION_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be exactly 32 bytes (64 hex characters)")
		}
		cfg.MFAEncryptionKey = key
	}

	return cfg, nil
}

// Validate enforces the hard startup preconditions.
// A short JWT secret or a missing MFA key is fatal in production.
func (c *Config) Validate() error {
	if c.Production() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production (got %d)", len(c.JWTSecret))
		}
		if c.MFAEncryptionKey == nil {
			return fmt.Errorf("MFA_ENCRYPTION_KEY is required in production")
		}
	} else if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

// Production reports whether the process runs with production hardening.
func (c *Config) Production() bool {
	return c.Env == "production"
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Fields(s) {
		out = append(out, part)
	}
	return out
}
