// Package auth issues and validates dashboard session tokens. The
// dashboard is single-operator: one bcrypt-hashed passcode from the
// config unlocks a short-lived JWT used by the HTTP API and WebSocket.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidPasscode = errors.New("invalid passcode")
	ErrInvalidToken    = errors.New("invalid or expired token")
)

// Claims represents the JWT claims for an authenticated dashboard session
type Claims struct {
	Operator bool `json:"operator"`
	jwt.RegisteredClaims
}

// Service handles dashboard session operations
type Service struct {
	jwtSecret     []byte
	passcodeHash  string
	tokenDuration time.Duration
}

// NewService creates a new auth service
func NewService(jwtSecret, passcodeHash string, tokenDuration time.Duration) *Service {
	if tokenDuration == 0 {
		tokenDuration = 24 * time.Hour
	}
	return &Service{
		jwtSecret:     []byte(jwtSecret),
		passcodeHash:  passcodeHash,
		tokenDuration: tokenDuration,
	}
}

// HashPasscode creates a bcrypt hash of a passcode
func HashPasscode(passcode string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	return string(hash), err
}

// Login checks the passcode and issues a session token
func (s *Service) Login(passcode string) (string, error) {
	if s.passcodeHash == "" {
		return "", ErrInvalidPasscode
	}
	if bcrypt.CompareHashAndPassword([]byte(s.passcodeHash), []byte(passcode)) != nil {
		return "", ErrInvalidPasscode
	}

	claims := Claims{
		Operator: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a session JWT and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	})

	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !claims.Operator {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
