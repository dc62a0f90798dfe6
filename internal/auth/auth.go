// Package auth issues and checks the bearer tokens guarding the API.
// There is a single admin account whose password is kept as a bcrypt hash.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = 24 * time.Hour

	usernameKey = "auth.username"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type Config struct {
	Secret       string
	Username     string
	PasswordHash string
	TokenTTL     time.Duration
	Clock        clockwork.Clock
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret       []byte
	username     string
	passwordHash []byte
	ttl          time.Duration
	clock        clockwork.Clock
}

func New(cfg Config) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: jwt secret is empty")
	}
	if cfg.Username == "" || cfg.PasswordHash == "" {
		return nil, errors.New("auth: admin credentials are not configured")
	}
	if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
		return nil, fmt.Errorf("auth: password hash: %w", err)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Authenticator{
		secret:       []byte(cfg.Secret),
		username:     cfg.Username,
		passwordHash: []byte(cfg.PasswordHash),
		ttl:          cfg.TokenTTL,
		clock:        cfg.Clock,
	}, nil
}

// HashPassword returns the bcrypt hash of a plaintext password.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Login checks the admin credentials and returns a signed token.
func (a *Authenticator) Login(username, password string) (string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	// the hash is compared even when the username is wrong
	passErr := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
	if !userOK || passErr != nil {
		return "", ErrInvalidCredentials
	}

	now := a.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates signature, algorithm and expiry and returns the username.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return c.Username, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the "token" query parameter used by direct download links.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token: 401 when no token is
// present, 403 when it does not verify.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Authentication required"})
			return
		}
		username, err := a.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Invalid token"})
			return
		}
		c.Set(usernameKey, username)
		c.Next()
	}
}

// Username returns the authenticated user stored by Middleware.
func Username(c *gin.Context) string {
	return c.GetString(usernameKey)
}
