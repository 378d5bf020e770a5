package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines runtime configuration for identity resolution.
type Config struct {
	// Issuer is the expected "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL is used by Issue (dev tooling and tests).
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key. When set the
	// manager can issue tokens too.
	PasetoV4SecretKeyHex string

	// PasetoV4PublicKeyHex is the hex-encoded Ed25519 public key of the auth
	// service. Used when no secret key is configured (verify-only).
	PasetoV4PublicKeyHex string

	// CookieName carries the access token for browser clients.
	CookieName string

	// TrustEmailHeader enables X-User-Email identity (development only).
	TrustEmailHeader bool
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:         "appocar",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
		CookieName:     "appocar_user",
	}
}

// HasKeys reports whether token verification is configured.
func (c Config) HasKeys() bool {
	return c.PasetoV4SecretKeyHex != "" || c.PasetoV4PublicKeyHex != ""
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// One of these is required unless APPOCAR_AUTH_TRUST_EMAIL_HEADER=true:
//   - APPOCAR_PASETO_V4_SECRET_KEY_HEX
//   - APPOCAR_PASETO_V4_PUBLIC_KEY_HEX
//
// Optional:
//   - APPOCAR_AUTH_ISSUER
//   - APPOCAR_AUTH_ACCESS_TTL
//   - APPOCAR_AUTH_CLOCK_SKEW
//   - APPOCAR_AUTH_COOKIE_NAME
//   - APPOCAR_AUTH_TRUST_EMAIL_HEADER
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("APPOCAR_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("APPOCAR_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("APPOCAR_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := strings.TrimSpace(os.Getenv("APPOCAR_AUTH_COOKIE_NAME")); v != "" {
		cfg.CookieName = v
	}

	if v := strings.TrimSpace(os.Getenv("APPOCAR_AUTH_TRUST_EMAIL_HEADER")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.TrustEmailHeader = b
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("APPOCAR_PASETO_V4_SECRET_KEY_HEX"))
	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("APPOCAR_PASETO_V4_PUBLIC_KEY_HEX"))

	if !cfg.HasKeys() && !cfg.TrustEmailHeader {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
