// Package auth guards the admin dashboard with a passkey login that issues a
// signed, server-validated session token.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

const (
	// CookieName holds the admin session token for browser clients.
	CookieName = "carepulse_admin"

	RoleAdmin = "admin"
	issuer    = "carepulse"
)

var (
	ErrInvalidPasskey = errors.New("auth: invalid passkey")
	ErrNoPasskey      = errors.New("auth: no admin passkey configured")
	ErrInvalidSession = errors.New("auth: invalid session")
)

type contextKey string

const sessionKey contextKey = "admin_session"

// Claims are carried in the admin session token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// SessionConfig configures the admin session manager. PasskeyHash is a bcrypt
// hash; Passkey is a plaintext fallback meant for development only.
type SessionConfig struct {
	SigningKey  []byte
	TTL         time.Duration
	PasskeyHash string
	Passkey     string
}

// SessionManager verifies the admin passkey and issues and validates session
// tokens.
type SessionManager struct {
	signingKey  []byte
	ttl         time.Duration
	passkeyHash []byte
	passkey     []byte
	revoked     *RevocationList
	now         func() time.Time
}

func NewSessionManager(cfg SessionConfig, revoked *RevocationList) (*SessionManager, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("auth: session signing key is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("auth: session ttl must be positive")
	}
	if cfg.PasskeyHash == "" && cfg.Passkey == "" {
		return nil, ErrNoPasskey
	}
	if cfg.PasskeyHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.PasskeyHash)); err != nil {
			return nil, fmt.Errorf("auth: admin passkey hash: %w", err)
		}
	}
	if revoked == nil {
		revoked = NewRevocationList()
	}
	return &SessionManager{
		signingKey:  cfg.SigningKey,
		ttl:         cfg.TTL,
		passkeyHash: []byte(cfg.PasskeyHash),
		passkey:     []byte(cfg.Passkey),
		revoked:     revoked,
		now:         time.Now,
	}, nil
}

// HashPasskey returns the bcrypt hash to put in ADMIN_PASSKEY_HASH.
func HashPasskey(passkey string) (string, error) {
	if strings.TrimSpace(passkey) == "" {
		return "", errors.New("auth: passkey must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(passkey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash passkey: %w", err)
	}
	return string(h), nil
}

// VerifyPasskey checks passkey against the configured hash, or the plaintext
// passkey when no hash is set.
func (m *SessionManager) VerifyPasskey(passkey string) error {
	if len(m.passkeyHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(m.passkeyHash, []byte(passkey)); err != nil {
			return ErrInvalidPasskey
		}
		return nil
	}
	if subtle.ConstantTimeCompare(m.passkey, []byte(passkey)) != 1 {
		return ErrInvalidPasskey
	}
	return nil
}

// Login verifies passkey and issues a session token.
func (m *SessionManager) Login(passkey string) (string, time.Time, error) {
	if err := m.VerifyPasskey(passkey); err != nil {
		return "", time.Time{}, err
	}
	return m.Issue()
}

// Issue signs a new admin session token.
func (m *SessionManager) Issue() (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   RoleAdmin,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: RoleAdmin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

// Parse validates a session token and returns its claims.
func (m *SessionManager) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	if claims.Role != RoleAdmin || m.revoked.IsRevoked(claims.ID) {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// Revoke ends the session before its natural expiry.
func (m *SessionManager) Revoke(claims *Claims) {
	if claims == nil || claims.ExpiresAt == nil {
		return
	}
	m.revoked.Revoke(claims.ID, claims.ExpiresAt.Time)
}

// RequireAdmin rejects requests without a valid admin session. The token is
// read from a bearer Authorization header or the session cookie.
func (m *SessionManager) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := tokenFromRequest(c)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "admin session required")
			}
			claims, err := m.Parse(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired admin session")
			}
			c.Set(string(sessionKey), claims)
			c.SetRequest(c.Request().WithContext(context.WithValue(c.Request().Context(), sessionKey, claims)))
			return next(c)
		}
	}
}

func tokenFromRequest(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if ck, err := c.Cookie(CookieName); err == nil {
		return ck.Value
	}
	return ""
}

// SessionFromContext returns the admin claims set by RequireAdmin.
func SessionFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(sessionKey).(*Claims)
	return claims
}
