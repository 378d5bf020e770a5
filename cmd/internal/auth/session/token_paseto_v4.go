package session

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// AccessClaims is the identity envelope carried by an access token.
type AccessClaims struct {
	Email     string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// AccessTokenManager verifies (and, with a secret key, issues) access tokens.
type AccessTokenManager interface {
	Issue(email, sessionID string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
	public   paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager based on PASETO v4.public.
//
// With a secret key the manager signs and verifies; with only a public key it
// verifies. Issuer and expiration are enforced on every Verify.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	m := &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}

	switch {
	case cfg.PasetoV4SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.canIssue = true
		m.public = secret.Public()
	case cfg.PasetoV4PublicKeyHex != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public
	default:
		return nil, ErrConfig
	}

	if m.ttl <= 0 {
		m.ttl = DefaultConfig().AccessTokenTTL
	}
	return m, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(email, sessionID string, now time.Time) (string, time.Time, error) {
	if !m.canIssue {
		return "", time.Time{}, ErrConfig
	}
	email = NormalizeEmail(email)
	if email == "" || sessionID == "" {
		return "", time.Time{}, ErrInvalidToken
	}

	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("email", email)
	_ = tok.Set("sid", sessionID)

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	// Validate slightly in the future to tolerate "nbf" when clocks differ.
	validNow := now.Add(m.clockSkew)

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, strings.TrimSpace(token), nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	email, err := parsed.GetString("email")
	if err != nil || NormalizeEmail(email) == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	return AccessClaims{
		Email:     NormalizeEmail(email),
		SessionID: sid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
