// Package services contains the business logic between the HTTP/streaming
// surfaces and the document store.
package services

import (
	"time"

	"github.com/dochmccrum/sanity/internal/config"
	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Claims represents the JWT claims carried by issued tokens
type Claims struct {
	jwt.RegisteredClaims
}

// AuthService issues and validates bearer tokens
type AuthService struct {
	cfg    config.AuthConfig
	logger *zap.Logger
}

// NewAuthService creates a new authentication service
func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	return &AuthService{cfg: cfg, logger: logger}
}

// Login validates credentials and returns a signed token. With no password
// hash configured any non-empty username is accepted.
func (a *AuthService) Login(username, password string) (string, error) {
	if username == "" {
		return "", errors.NewUnauthorizedError("Empty credentials")
	}
	if a.cfg.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(password)); err != nil {
			return "", errors.NewInvalidCredentialsError()
		}
	}
	return a.GenerateToken(username)
}

// GenerateToken signs a token for the given subject
func (a *AuthService) GenerateToken(subject string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.cfg.JWTSecret))
	if err != nil {
		a.logger.Error("Failed to sign token", zap.Error(err))
		return "", errors.NewInternalError("Token signing failed")
	}
	return signed, nil
}

// ValidateToken parses and verifies a token, returning its claims
func (a *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.NewTokenInvalidError()
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.NewTokenInvalidError()
	}
	return claims, nil
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}
