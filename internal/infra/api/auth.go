package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"grading-orchestrator/internal/infra/metrics"
)

// ===== Session/JWT primitives =====

type AuthConfig struct {
	HMACSecret []byte
	CookieName string
	TTL        time.Duration
}

// AuthManager mints and checks admin session tokens. The admin key itself
// is only accepted by the session endpoint.
type AuthManager struct {
	cfg AuthConfig
	now func() time.Time
}

func NewAuthManager(secret string, ttl time.Duration) *AuthManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AuthManager{
		cfg: AuthConfig{
			HMACSecret: []byte(secret),
			CookieName: "admin_session",
			TTL:        ttl,
		},
		now: time.Now,
	}
}

type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (a *AuthManager) Enabled() bool { return len(a.cfg.HMACSecret) > 0 }

// CheckKey compares a presented admin key in constant time.
func (a *AuthManager) CheckKey(key string) bool {
	return a.Enabled() && subtle.ConstantTimeCompare([]byte(key), a.cfg.HMACSecret) == 1
}

func (a *AuthManager) Mint(w http.ResponseWriter) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.cfg.TTL)
	claims := AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Subject:   "admin",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.cfg.HMACSecret)
	if err != nil {
		return "", time.Time{}, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    signed,
		Path:     "/api/v1/admin",
		MaxAge:   int(a.cfg.TTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return signed, exp, nil
}

func (a *AuthManager) ParseFromRequest(r *http.Request) (*AdminClaims, error) {
	// Authorization: Bearer <jwt>
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
			return a.parse(strings.TrimSpace(hdr[7:]))
		}
	}
	// Cookie
	if c, err := r.Cookie(a.cfg.CookieName); err == nil {
		return a.parse(c.Value)
	}
	return nil, errors.New("missing token")
}

func (a *AuthManager) parse(tok string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.cfg.HMACSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil || !tkn.Valid || claims.Role != "admin" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// RequireAdmin rejects requests without a valid admin session.
func (a *AuthManager) RequireAdmin(action string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				metrics.IncAdminAction(action, "disabled")
				writeJSON(w, http.StatusForbidden, errorBody{Error: "admin api disabled"})
				return
			}
			if _, err := a.ParseFromRequest(r); err != nil {
				metrics.IncAdminAction(action, "unauthorized")
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			metrics.IncAdminAction(action, "authorized")
			next.ServeHTTP(w, r)
		})
	}
}
